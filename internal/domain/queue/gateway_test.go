package queue

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
)

type gatewayFixture struct {
	agg     *Aggregator
	gw      *Gateway
	ingests int
	failing error
}

func newGatewayFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	f := &gatewayFixture{}
	f.agg, _ = newTestAggregator()
	f.agg.Ingest(fourSpecialties())
	f.gw = NewGateway(f.agg, func(_ context.Context, source string, batch []RawQueueEntry) (IngestResult, error) {
		f.ingests++
		if source != MutationSource {
			t.Errorf("expected mutation source, got %q", source)
		}
		if f.failing != nil {
			return IngestResult{}, f.failing
		}
		return f.agg.Ingest(batch), nil
	}, zerolog.Nop())
	return f
}

func TestGateway_CancelThenCompleteIsInvalid(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	out, err := f.gw.Mutate(ctx, MutationRequest{DurableID: "290", Action: ActionCancel})
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if out.Status != StatusCancelled || out.Version != 2 || out.DurableID != "290" {
		t.Errorf("unexpected re-ingested entry %+v", out)
	}
	_, leg, _ := f.agg.Locate("290")
	if leg.Status != StatusCancelled {
		t.Errorf("view not updated through ingest, status %s", leg.Status)
	}

	_, err = f.gw.Mutate(ctx, MutationRequest{DurableID: "290", Action: ActionComplete})
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != StatusCancelled || te.Action != ActionComplete {
		t.Errorf("unexpected transition error %+v", te)
	}
	if f.ingests != 1 {
		t.Errorf("rejected mutation must not re-ingest, ingests=%d", f.ingests)
	}
}

func TestGateway_FullLifecycle(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	for _, step := range []struct {
		action Action
		want   Status
	}{
		{ActionCall, StatusCalled},
		{ActionCheckIn, StatusInProgress},
		{ActionComplete, StatusCompleted},
	} {
		out, err := f.gw.Mutate(ctx, MutationRequest{DurableID: "291", Action: step.action})
		if err != nil {
			t.Fatalf("%s: %v", step.action, err)
		}
		if out.Status != step.want {
			t.Fatalf("%s: expected %s, got %s", step.action, step.want, out.Status)
		}
	}
	_, leg, _ := f.agg.Locate("291")
	if leg.Version != 4 {
		t.Errorf("expected version 4 after three mutations, got %d", leg.Version)
	}
	v, _ := f.agg.viewByKey(NewDedupKey("123", testDay))
	if v.PatientFio != "Ivanova Anna" {
		t.Errorf("contact details lost on mutation: %q", v.PatientFio)
	}
}

func TestGateway_UnknownDurableID(t *testing.T) {
	f := newGatewayFixture(t)

	for _, id := range []DurableID{"999", "", "123|2026-03-02"} {
		_, err := f.gw.Mutate(context.Background(), MutationRequest{DurableID: id, Action: ActionCall})
		if !errors.Is(err, ErrUnknownDurableID) {
			t.Errorf("%q: expected ErrUnknownDurableID, got %v", id, err)
		}
	}
	if f.ingests != 0 {
		t.Errorf("unknown id must never create an entry, ingests=%d", f.ingests)
	}
}

func TestGateway_ExpectedVersion(t *testing.T) {
	f := newGatewayFixture(t)
	ctx := context.Background()

	stale := int64(5)
	_, err := f.gw.Mutate(ctx, MutationRequest{DurableID: "290", Action: ActionCall, ExpectedVersion: &stale})
	if !errors.Is(err, ErrStaleMutation) {
		t.Fatalf("expected ErrStaleMutation, got %v", err)
	}
	var se *StaleError
	if !errors.As(err, &se) || se.Expected != 5 || se.Recorded != 1 {
		t.Errorf("unexpected stale error %+v", se)
	}
	if f.ingests != 0 {
		t.Error("stale mutation must not re-ingest")
	}

	current := int64(1)
	if _, err := f.gw.Mutate(ctx, MutationRequest{DurableID: "290", Action: ActionCall, ExpectedVersion: &current}); err != nil {
		t.Fatalf("matching version: %v", err)
	}
}

func TestGateway_IngestFailure(t *testing.T) {
	f := newGatewayFixture(t)
	f.failing = errors.New("disk full")

	_, err := f.gw.Mutate(context.Background(), MutationRequest{DurableID: "290", Action: ActionCall})
	if err == nil || !errors.Is(err, f.failing) {
		t.Fatalf("expected wrapped ingest error, got %v", err)
	}
	if _, leg, _ := f.agg.Locate("290"); leg.Status != StatusWaiting {
		t.Errorf("view changed despite failed ingest: %s", leg.Status)
	}
}

func TestNextStatus(t *testing.T) {
	tests := []struct {
		from    Status
		action  Action
		want    Status
		wantErr error
	}{
		{StatusWaiting, ActionCall, StatusCalled, nil},
		{StatusCalled, ActionCall, "", ErrInvalidTransition},
		{StatusWaiting, ActionCheckIn, StatusInProgress, nil},
		{StatusCalled, ActionCheckIn, StatusInProgress, nil},
		{StatusWaiting, ActionComplete, "", ErrInvalidTransition},
		{StatusInProgress, ActionComplete, StatusCompleted, nil},
		{StatusCompleted, ActionCancel, "", ErrInvalidTransition},
		{StatusCalled, ActionCancel, StatusCancelled, nil},
		{StatusWaiting, Action("teleport"), "", ErrInvalidAction},
	}
	for _, tt := range tests {
		got, err := NextStatus(tt.from, tt.action)
		if tt.wantErr != nil {
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("%s from %s: expected %v, got %v", tt.action, tt.from, tt.wantErr, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("%s from %s = %s, %v; want %s", tt.action, tt.from, got, err, tt.want)
		}
	}
}

func TestParseAction(t *testing.T) {
	tests := map[string]Action{
		"call":      ActionCall,
		"call-next": ActionCall,
		"checkIn":   ActionCheckIn,
		"check-in":  ActionCheckIn,
		"check_in":  ActionCheckIn,
		" Complete": ActionComplete,
		"cancel":    ActionCancel,
	}
	for in, want := range tests {
		got, err := ParseAction(in)
		if err != nil || got != want {
			t.Errorf("ParseAction(%q) = %q, %v; want %q", in, got, err, want)
		}
	}
	if _, err := ParseAction("delete"); !errors.Is(err, ErrInvalidAction) {
		t.Errorf("expected ErrInvalidAction, got %v", err)
	}
}
