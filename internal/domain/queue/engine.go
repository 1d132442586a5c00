package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Metrics receives engine measurements. The telemetry package provides the
// Prometheus implementation.
type Metrics interface {
	IngestObserved(source string, accepted, rejected, stale, conflicts int, d time.Duration)
	MutationObserved(action, outcome string)
	ViewsActive(n int)
	ViewsRetired(n int)
}

type nopMetrics struct{}

func (nopMetrics) IngestObserved(string, int, int, int, int, time.Duration) {}
func (nopMetrics) MutationObserved(string, string)                          {}
func (nopMetrics) ViewsActive(int)                                          {}
func (nopMetrics) ViewsRetired(int)                                         {}

type job struct {
	ctx  context.Context
	run  func(ctx context.Context) error
	done chan error
}

// Engine is the single logical authority over the view set. Writes
// (ingest, mutation, restore, retirement) are drained one at a time by Run
// in the order they were accepted; reads go straight to the Aggregator.
type Engine struct {
	agg      *Aggregator
	store    EntryStore
	gateway  *Gateway
	notifier Notifier
	metrics  Metrics
	logger   zerolog.Logger

	loc         *time.Location
	retention   time.Duration
	retireEvery time.Duration
	logDays     int
	now         func() time.Time

	jobs    chan job
	stopped chan struct{}
}

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l zerolog.Logger) Option { return func(e *Engine) { e.logger = l } }

func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

func WithMetrics(m Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithLocation sets the clinic time zone used to decide the current
// service day for rollover.
func WithLocation(loc *time.Location) Option { return func(e *Engine) { e.loc = loc } }

// WithRetention sets how long fully terminal views stay visible.
func WithRetention(d time.Duration) Option { return func(e *Engine) { e.retention = d } }

// WithRetireInterval makes Run sweep retired views every d. Zero disables
// the sweeper; Sweep can still be called directly.
func WithRetireInterval(d time.Duration) Option { return func(e *Engine) { e.retireEvery = d } }

// WithEntryLogDays keeps this many past service days in the entry store;
// older entries are pruned on each sweep. Zero keeps everything.
func WithEntryLogDays(n int) Option { return func(e *Engine) { e.logDays = n } }

func WithEngineClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

func NewEngine(store EntryStore, opts ...Option) *Engine {
	e := &Engine{
		store:     store,
		notifier:  nopNotifier{},
		metrics:   nopMetrics{},
		logger:    zerolog.Nop(),
		loc:       time.Local,
		retention: 2 * time.Hour,
		now:       time.Now,
		jobs:      make(chan job),
		stopped:   make(chan struct{}),
	}
	for _, o := range opts {
		o(e)
	}
	e.agg = NewAggregator(WithClock(e.now), WithAggregatorLogger(e.logger))
	e.gateway = NewGateway(e.agg, e.apply, e.logger)
	return e
}

// Run drains accepted writes until ctx is done. It must be running for
// Ingest, Mutate, Restore and Sweep to make progress.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.stopped)

	var tick <-chan time.Time
	if e.retireEvery > 0 {
		t := time.NewTicker(e.retireEvery)
		defer t.Stop()
		tick = t.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case j := <-e.jobs:
			j.done <- j.run(j.ctx)
		case <-tick:
			if _, err := e.sweep(ctx); err != nil {
				e.logger.Error().Err(err).Msg("retire sweep failed")
			}
		}
	}
}

// submit hands fn to the dispatcher. If ctx ends before the dispatcher
// accepts the job, nothing happened. If it ends after acceptance the
// outcome is unknown and ErrIndeterminate is returned; the job still runs
// to completion.
func (e *Engine) submit(ctx context.Context, fn func(ctx context.Context) error) error {
	j := job{ctx: context.WithoutCancel(ctx), run: fn, done: make(chan error, 1)}
	select {
	case e.jobs <- j:
	case <-ctx.Done():
		return ctx.Err()
	case <-e.stopped:
		return ErrEngineStopped
	}
	select {
	case err := <-j.done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", ErrIndeterminate, ctx.Err())
	}
}

// Ingest records batch in the entry store and merges it into the views.
func (e *Engine) Ingest(ctx context.Context, source string, batch []RawQueueEntry) (IngestResult, error) {
	var res IngestResult
	err := e.submit(ctx, func(ctx context.Context) error {
		r, err := e.apply(ctx, source, batch)
		res = r
		return err
	})
	return res, err
}

// apply is the single ingest path. It runs on the dispatcher goroutine.
func (e *Engine) apply(ctx context.Context, source string, batch []RawQueueEntry) (IngestResult, error) {
	if len(batch) == 0 {
		return IngestResult{}, nil
	}
	start := time.Now()
	if _, err := e.store.Append(ctx, source, batch); err != nil {
		return IngestResult{}, fmt.Errorf("append batch: %w", err)
	}
	res := e.agg.Ingest(batch)

	e.metrics.IngestObserved(source, res.Accepted, len(res.Rejected), len(res.Stale), len(res.Conflicts), time.Since(start))
	e.metrics.ViewsActive(e.agg.Len())
	if source != MutationSource {
		e.notifyViews(ctx, res)
	}
	if len(res.Rejected) > 0 || len(res.Conflicts) > 0 {
		e.logger.Info().
			Str("source", source).
			Int("entries", len(batch)).
			Int("rejected", len(res.Rejected)).
			Int("conflicts", len(res.Conflicts)).
			Msg("batch ingested with issues")
	}
	return res, nil
}

func (e *Engine) notifyViews(ctx context.Context, res IngestResult) {
	for _, v := range res.Created {
		e.notifier.Notify(ctx, newAuditEvent(EventViewCreated, v.PrimaryEntryID, v.DedupKey, v.UpdatedAt))
	}
	for _, v := range res.Updated {
		e.notifier.Notify(ctx, newAuditEvent(EventViewMerged, v.PrimaryEntryID, v.DedupKey, v.UpdatedAt))
	}
}

// Mutate applies a status action to one leg. Callers that receive any
// error, ErrIndeterminate included, must re-query before retrying.
func (e *Engine) Mutate(ctx context.Context, req MutationRequest) (RawQueueEntry, error) {
	var out RawQueueEntry
	err := e.submit(ctx, func(ctx context.Context) error {
		entry, err := e.gateway.Mutate(ctx, req)
		e.metrics.MutationObserved(string(req.Action), mutationOutcome(err))
		if err != nil {
			return err
		}
		out = entry
		id, _ := Resolve(entry)
		e.notifier.Notify(ctx, newAuditEvent(EventEntryMutated, entry.DurableID, id.DedupKey, e.now()))
		return nil
	})
	return out, err
}

func mutationOutcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrUnknownDurableID):
		return "unknown_durable_id"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrStaleMutation):
		return "stale"
	case errors.Is(err, ErrInvalidAction):
		return "invalid_action"
	default:
		return "error"
	}
}

// Restore rebuilds the view set after a restart. It replays every batch
// holding entries for from or any later day, in the order the batches were
// originally accepted, stamping views with their batch's accept time. Views
// whose retention ran out before the restart are retired again without
// audit events, so their legs stay retired. It returns the number of
// batches replayed.
func (e *Engine) Restore(ctx context.Context, from ServiceDay) (int, error) {
	var n int
	err := e.submit(ctx, func(ctx context.Context) error {
		batches, err := e.store.BatchesFrom(ctx, from)
		if err != nil {
			return fmt.Errorf("load batches from %s: %w", from, err)
		}
		for _, b := range batches {
			e.agg.ingestAt(b.Entries, b.ReceivedAt)
		}
		n = len(batches)

		retired := e.agg.Retire(RetirePolicy{Today: from, Retention: e.retention, Now: e.now()})
		if len(retired) > 0 {
			e.logger.Info().Int("retired", len(retired)).Msg("retired expired views during restore")
		}
		e.metrics.ViewsRetired(len(retired))
		e.metrics.ViewsActive(e.agg.Len())
		return nil
	})
	return n, err
}

// Replay rebuilds the views of a single day as the entry log records them,
// retirement aside. It is for inspection; a serving engine uses Restore.
func (e *Engine) Replay(ctx context.Context, day ServiceDay) (int, error) {
	var n int
	err := e.submit(ctx, func(ctx context.Context) error {
		batches, err := e.store.BatchesForDay(ctx, day)
		if err != nil {
			return fmt.Errorf("load batches for %s: %w", day, err)
		}
		for _, b := range batches {
			e.agg.ingestAt(b.Entries, b.ReceivedAt)
		}
		n = len(batches)
		return nil
	})
	return n, err
}

// Sweep retires views past rollover or retention and returns how many were
// removed.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	var n int
	err := e.submit(ctx, func(ctx context.Context) error {
		var err error
		n, err = e.sweep(ctx)
		return err
	})
	return n, err
}

func (e *Engine) sweep(ctx context.Context) (int, error) {
	now := e.now()
	today := e.Today()
	retired := e.agg.Retire(RetirePolicy{Today: today, Retention: e.retention, Now: now})
	for _, v := range retired {
		e.notifier.Notify(ctx, newAuditEvent(EventViewRetired, v.PrimaryEntryID, v.DedupKey, now))
	}
	e.metrics.ViewsRetired(len(retired))
	e.metrics.ViewsActive(e.agg.Len())
	if len(retired) > 0 {
		e.logger.Info().Int("retired", len(retired)).Str("today", string(today)).Msg("retired queue views")
	}

	if e.logDays > 0 {
		pruned, err := e.store.PruneBefore(ctx, today.AddDays(-e.logDays))
		if err != nil {
			return len(retired), fmt.Errorf("prune entry log: %w", err)
		}
		if pruned > 0 {
			e.logger.Info().Int64("pruned", pruned).Msg("pruned queue entry log")
		}
	}
	return len(retired), nil
}

// Today is the current service day in the clinic's time zone.
func (e *Engine) Today() ServiceDay {
	return DayOf(e.now(), e.loc)
}

// Views returns the views matching f in presentation order.
func (e *Engine) Views(f ViewFilter) []CanonicalAppointmentView {
	return OrderViews(e.agg.Views(f))
}

// ViewByDurableID returns the view holding the leg id.
func (e *Engine) ViewByDurableID(id DurableID) (CanonicalAppointmentView, bool) {
	view, _, ok := e.agg.Locate(id)
	if !ok {
		return CanonicalAppointmentView{}, false
	}
	view.QueuePositions = Order(view)
	return view, true
}
