package queue

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog"
)

// Action is a status mutation a caller may request on one queue leg.
type Action string

const (
	ActionCall     Action = "call"
	ActionCheckIn  Action = "check_in"
	ActionComplete Action = "complete"
	ActionCancel   Action = "cancel"
)

// ParseAction accepts the canonical action names plus the camel and kebab
// spellings used by older clients.
func ParseAction(s string) (Action, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "call", "call-next", "call_next":
		return ActionCall, nil
	case "check_in", "checkin", "check-in":
		return ActionCheckIn, nil
	case "complete":
		return ActionComplete, nil
	case "cancel":
		return ActionCancel, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
}

type transition struct {
	from map[Status]bool
	to   Status
}

var transitions = map[Action]transition{
	ActionCall: {
		from: map[Status]bool{StatusWaiting: true},
		to:   StatusCalled,
	},
	ActionCheckIn: {
		from: map[Status]bool{StatusWaiting: true, StatusCalled: true},
		to:   StatusInProgress,
	},
	ActionComplete: {
		from: map[Status]bool{StatusCalled: true, StatusInProgress: true},
		to:   StatusCompleted,
	},
	ActionCancel: {
		from: map[Status]bool{StatusWaiting: true, StatusCalled: true, StatusInProgress: true},
		to:   StatusCancelled,
	},
}

// NextStatus applies action to current.
func NextStatus(current Status, action Action) (Status, error) {
	t, ok := transitions[action]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, action)
	}
	if !t.from[current] {
		return "", ErrInvalidTransition
	}
	return t.to, nil
}

// MutationRequest targets exactly one leg by durable id.
type MutationRequest struct {
	DurableID       DurableID `json:"durable_id"`
	Action          Action    `json:"action"`
	ExpectedVersion *int64    `json:"expected_version,omitempty"`
}

// Locator resolves a durable id to its current view and leg.
type Locator interface {
	Locate(id DurableID) (CanonicalAppointmentView, QueuePosition, bool)
}

// IngestFunc is the ingest path mutated entries re-enter through.
type IngestFunc func(ctx context.Context, source string, batch []RawQueueEntry) (IngestResult, error)

// MutationSource tags batches produced by the gateway in the entry log.
const MutationSource = "mutation-gateway"

// Gateway turns status actions into updated raw entries and feeds them back
// through the ingest path. It holds no state of its own.
type Gateway struct {
	locator Locator
	ingest  IngestFunc
	logger  zerolog.Logger
}

func NewGateway(locator Locator, ingest IngestFunc, logger zerolog.Logger) *Gateway {
	return &Gateway{locator: locator, ingest: ingest, logger: logger}
}

// Mutate applies req and returns the entry that was re-ingested. On any
// error no side effect has occurred.
func (g *Gateway) Mutate(ctx context.Context, req MutationRequest) (RawQueueEntry, error) {
	if strings.TrimSpace(string(req.DurableID)) == "" {
		return RawQueueEntry{}, fmt.Errorf("%w: empty durable id", ErrUnknownDurableID)
	}
	view, leg, ok := g.locator.Locate(req.DurableID)
	if !ok {
		return RawQueueEntry{}, fmt.Errorf("%w: %s", ErrUnknownDurableID, req.DurableID)
	}
	if req.ExpectedVersion != nil && *req.ExpectedVersion != leg.Version {
		return RawQueueEntry{}, &StaleError{DurableID: leg.DurableID, Expected: *req.ExpectedVersion, Recorded: leg.Version}
	}

	next, err := NextStatus(leg.Status, req.Action)
	if err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			return RawQueueEntry{}, &TransitionError{DurableID: leg.DurableID, From: leg.Status, Action: req.Action}
		}
		return RawQueueEntry{}, err
	}

	updated := view.entryFor(leg)
	updated.Status = next
	updated.Version = leg.Version + 1

	res, err := g.ingest(ctx, MutationSource, []RawQueueEntry{updated})
	if err != nil {
		return RawQueueEntry{}, fmt.Errorf("re-ingest %s: %w", updated.DurableID, err)
	}
	if len(res.Rejected) > 0 {
		return RawQueueEntry{}, &res.Rejected[0]
	}
	if len(res.Stale) > 0 {
		return RawQueueEntry{}, &StaleError{DurableID: leg.DurableID, Expected: leg.Version, Recorded: leg.Version + 1}
	}

	g.logger.Debug().
		Str("durable_id", string(updated.DurableID)).
		Str("action", string(req.Action)).
		Str("from", string(leg.Status)).
		Str("to", string(next)).
		Int64("version", updated.Version).
		Msg("queue leg mutated")
	return updated, nil
}
