package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// helper: create a dispatcher against url with short retries.
func newTestDispatcher(t *testing.T, url string, opts ...Option) *Dispatcher {
	t.Helper()
	opts = append([]Option{WithRetryDelays(time.Millisecond, time.Millisecond)}, opts...)
	d, err := NewDispatcher(Endpoint{URL: url, Secret: "test-secret-key"}, opts...)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	return d
}

func mustEvent(t *testing.T, typ string) Event {
	t.Helper()
	ev, err := NewEvent(typ, map[string]string{"durable_id": "42"})
	if err != nil {
		t.Fatalf("NewEvent: %v", err)
	}
	return ev
}

func closeDispatcher(t *testing.T, d *Dispatcher) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
}

// ===================== Signatures =====================

func TestSignPayload(t *testing.T) {
	sig := SignPayload([]byte(`{"a":1}`), "secret")
	if len(sig) != 64 {
		t.Fatalf("expected 64 hex chars, got %d", len(sig))
	}
	if sig != SignPayload([]byte(`{"a":1}`), "secret") {
		t.Error("expected deterministic signature")
	}
}

func TestVerifySignature(t *testing.T) {
	payload := []byte(`{"event":"view.created"}`)
	sig := SignPayload(payload, "secret")
	if !VerifySignature(payload, "secret", sig) {
		t.Error("expected valid signature")
	}
	if !VerifySignature(payload, "secret", "sha256="+sig) {
		t.Error("expected prefixed signature to verify")
	}
}

func TestVerifySignature_WrongSecret(t *testing.T) {
	payload := []byte(`{"event":"view.created"}`)
	sig := SignPayload(payload, "secret")
	if VerifySignature(payload, "other", sig) {
		t.Error("expected signature under a different secret to fail")
	}
	if VerifySignature(payload, "secret", "deadbeef") {
		t.Error("expected garbage signature to fail")
	}
}

// ===================== Validation / matching =====================

func TestNewDispatcher_ValidatesURL(t *testing.T) {
	for _, u := range []string{"", "ftp://example.com/hook", "://bad"} {
		if _, err := NewDispatcher(Endpoint{URL: u}); err == nil {
			t.Errorf("expected error for url %q", u)
		}
	}
}

func TestEventMatches(t *testing.T) {
	tests := []struct {
		pattern, event string
		want           bool
	}{
		{"view.created", "view.created", true},
		{"view.*", "view.retired", true},
		{"*.mutated", "entry.mutated", true},
		{"*", "view.merged", true},
		{"view.*", "entry.mutated", false},
		{"view.created", "view.merged", false},
	}
	for _, tt := range tests {
		if got := eventMatches(tt.pattern, tt.event); got != tt.want {
			t.Errorf("eventMatches(%q, %q) = %v, want %v", tt.pattern, tt.event, got, tt.want)
		}
	}
}

// ===================== Delivery =====================

func TestDispatcher_Deliver_SignatureHeader(t *testing.T) {
	var (
		mu      sync.Mutex
		body    []byte
		sig     string
		eventID string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		mu.Lock()
		body, sig, eventID = b, r.Header.Get(SignatureHeader), r.Header.Get(EventIDHeader)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	defer closeDispatcher(t, d)

	ev := mustEvent(t, "view.created")
	a := d.Deliver(context.Background(), ev, 1)
	if a.Status != "success" {
		t.Fatalf("expected success, got %+v", a)
	}

	mu.Lock()
	defer mu.Unlock()
	if !strings.HasPrefix(sig, "sha256=") {
		t.Fatalf("expected sha256= prefix, got %q", sig)
	}
	if !VerifySignature(body, "test-secret-key", sig) {
		t.Error("signature does not verify against delivered body")
	}
	if eventID != ev.ID {
		t.Errorf("expected event id header %q, got %q", ev.ID, eventID)
	}
	var got Event
	if err := json.Unmarshal(body, &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.Type != "view.created" {
		t.Errorf("expected type view.created, got %q", got.Type)
	}
}

func TestDispatcher_Deliver_Non2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	defer closeDispatcher(t, d)

	a := d.Deliver(context.Background(), mustEvent(t, "view.created"), 1)
	if a.Status != "failed" {
		t.Fatalf("expected failed, got %q", a.Status)
	}
	if a.StatusCode != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", a.StatusCode)
	}
}

func TestDispatcher_EnqueueRetriesUntilSuccess(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&calls, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	var (
		mu       sync.Mutex
		attempts []DeliveryAttempt
	)
	d := newTestDispatcher(t, srv.URL, WithObserver(func(a DeliveryAttempt) {
		mu.Lock()
		attempts = append(attempts, a)
		mu.Unlock()
	}))

	if err := d.Enqueue(mustEvent(t, "entry.mutated")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	closeDispatcher(t, d)

	mu.Lock()
	defer mu.Unlock()
	if len(attempts) != 3 {
		t.Fatalf("expected 3 attempts, got %d", len(attempts))
	}
	if attempts[2].Status != "success" || attempts[2].Attempt != 3 {
		t.Errorf("expected third attempt to succeed, got %+v", attempts[2])
	}
}

func TestDispatcher_GivesUpAfterRetries(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	if err := d.Enqueue(mustEvent(t, "view.retired")); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	closeDispatcher(t, d)

	// one attempt plus two retries
	if got := atomic.LoadInt32(&calls); got != 3 {
		t.Errorf("expected 3 calls, got %d", got)
	}
}

func TestDispatcher_EventFiltering(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
	}))
	defer srv.Close()

	d, err := NewDispatcher(Endpoint{URL: srv.URL, Secret: "s", Events: []string{"view.*"}})
	if err != nil {
		t.Fatalf("NewDispatcher: %v", err)
	}
	_ = d.Enqueue(mustEvent(t, "view.created"))
	_ = d.Enqueue(mustEvent(t, "entry.mutated"))
	closeDispatcher(t, d)

	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Errorf("expected only the subscribed event delivered, got %d calls", got)
	}
}

func TestDispatcher_EnqueueAfterClose(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL)
	closeDispatcher(t, d)

	if err := d.Enqueue(mustEvent(t, "view.created")); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestDispatcher_QueueFull(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()

	d := newTestDispatcher(t, srv.URL, WithBuffer(1))

	var full bool
	for i := 0; i < 10; i++ {
		if err := d.Enqueue(mustEvent(t, "view.created")); errors.Is(err, ErrQueueFull) {
			full = true
			break
		}
	}
	close(release)
	closeDispatcher(t, d)

	if !full {
		t.Error("expected ErrQueueFull once the buffer is exhausted")
	}
}
