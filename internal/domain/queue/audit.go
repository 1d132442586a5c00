package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Audit event names.
const (
	EventViewCreated  = "view.created"
	EventViewMerged   = "view.merged"
	EventEntryMutated = "entry.mutated"
	EventViewRetired  = "view.retired"
)

// AuditEvent is what the audit collaborator receives. It carries
// identifiers only, never patient names or phone numbers.
type AuditEvent struct {
	ID        string    `json:"id"`
	Event     string    `json:"event"`
	DurableID DurableID `json:"durable_id"`
	DedupKey  string    `json:"dedup_key"`
	At        time.Time `json:"at"`
}

func newAuditEvent(event string, id DurableID, key DedupKey, at time.Time) AuditEvent {
	return AuditEvent{
		ID:        uuid.New().String(),
		Event:     event,
		DurableID: id,
		DedupKey:  key.String(),
		At:        at.UTC(),
	}
}

// Notifier receives audit events. Implementations must not block the
// caller for long; the engine notifies from its dispatcher goroutine.
type Notifier interface {
	Notify(ctx context.Context, ev AuditEvent)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, ev AuditEvent)

func (f NotifierFunc) Notify(ctx context.Context, ev AuditEvent) { f(ctx, ev) }

// MultiNotifier fans events out to every notifier in order.
type MultiNotifier []Notifier

func (m MultiNotifier) Notify(ctx context.Context, ev AuditEvent) {
	for _, n := range m {
		if n != nil {
			n.Notify(ctx, ev)
		}
	}
}

// LogNotifier writes audit events as structured log lines.
type LogNotifier struct {
	logger zerolog.Logger
}

func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(_ context.Context, ev AuditEvent) {
	n.logger.Info().
		Str("type", "queue_audit").
		Str("event_id", ev.ID).
		Str("event", ev.Event).
		Str("durable_id", string(ev.DurableID)).
		Str("dedup_key", ev.DedupKey).
		Time("at", ev.At).
		Msg("queue_event")
}

type nopNotifier struct{}

func (nopNotifier) Notify(context.Context, AuditEvent) {}
