// Package webhook delivers signed event notifications to an HTTP endpoint.
// Events are queued and delivered asynchronously with HMAC-SHA256 signing
// and retries, so producers never wait on the receiver.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Header names set on every delivery.
const (
	SignatureHeader = "X-Queue-Signature"
	EventIDHeader   = "X-Queue-Event-ID"
	TimestampHeader = "X-Queue-Timestamp"
)

// ErrQueueFull is returned by Enqueue when the delivery buffer is full.
var ErrQueueFull = errors.New("webhook delivery queue full")

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("webhook dispatcher closed")

// Endpoint is the delivery destination.
type Endpoint struct {
	URL    string
	Secret string
	// Events lists the event types to deliver. Patterns may be exact
	// ("view.created") or wildcards ("view.*", "*.mutated"). Empty means
	// every event.
	Events []string
}

// Event is one notification to deliver.
type Event struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEvent builds an Event with a fresh id, marshalling payload.
func NewEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, fmt.Errorf("marshal payload: %w", err)
	}
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// DeliveryAttempt records a single delivery attempt.
type DeliveryAttempt struct {
	EventID    string        `json:"event_id"`
	EventType  string        `json:"event_type"`
	Attempt    int           `json:"attempt"`
	StatusCode int           `json:"status_code"`
	Duration   time.Duration `json:"duration_ns"`
	Status     string        `json:"status"` // "success", "failed"
	Error      string        `json:"error,omitempty"`
}

// SignPayload computes an HMAC-SHA256 signature of the payload using the given secret,
// returning the hex-encoded result.
func SignPayload(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature returns true when signature matches the HMAC-SHA256 of
// payload under secret. A "sha256=" prefix is accepted.
func VerifySignature(payload []byte, secret, signature string) bool {
	expected := SignPayload(payload, secret)
	return hmac.Equal([]byte(expected), []byte(strings.TrimPrefix(signature, "sha256=")))
}

// ValidateURL checks that the URL is non-empty and uses http or https.
func ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid url: %w", err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return fmt.Errorf("url scheme must be http or https, got %q", u.Scheme)
	}
	return nil
}

// eventMatches returns true if the event type matches a subscription pattern.
func eventMatches(pattern, eventType string) bool {
	if pattern == eventType || pattern == "*" {
		return true
	}
	if strings.HasPrefix(pattern, "*.") {
		return strings.HasSuffix(eventType, pattern[1:])
	}
	if strings.HasSuffix(pattern, ".*") {
		return strings.HasPrefix(eventType, pattern[:len(pattern)-1])
	}
	return false
}

func (ep Endpoint) wants(eventType string) bool {
	if len(ep.Events) == 0 {
		return true
	}
	for _, pat := range ep.Events {
		if eventMatches(pat, eventType) {
			return true
		}
	}
	return false
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithHTTPClient overrides the default HTTP client used for deliveries.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Dispatcher) { d.httpClient = c }
}

// WithRetryDelays sets the wait before each retry. The number of delays is
// the number of retries.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(d *Dispatcher) { d.retryDelays = delays }
}

// WithBuffer sets how many events may wait for delivery.
func WithBuffer(n int) Option {
	return func(d *Dispatcher) { d.buffer = n }
}

func WithLogger(l zerolog.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithObserver is called after every attempt.
func WithObserver(fn func(DeliveryAttempt)) Option {
	return func(d *Dispatcher) { d.observe = fn }
}

// Dispatcher delivers events to one endpoint from a single worker goroutine.
type Dispatcher struct {
	endpoint    Endpoint
	httpClient  *http.Client
	retryDelays []time.Duration
	buffer      int
	logger      zerolog.Logger
	observe     func(DeliveryAttempt)

	mu     sync.RWMutex
	closed bool
	queue  chan Event
	done   chan struct{}
	stop   context.CancelFunc
}

// NewDispatcher validates the endpoint and starts the delivery worker.
func NewDispatcher(ep Endpoint, opts ...Option) (*Dispatcher, error) {
	if err := ValidateURL(ep.URL); err != nil {
		return nil, err
	}
	d := &Dispatcher{
		endpoint: ep,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		retryDelays: []time.Duration{1 * time.Second, 5 * time.Second, 30 * time.Second},
		buffer:      1024,
		logger:      zerolog.Nop(),
		observe:     func(DeliveryAttempt) {},
	}
	for _, o := range opts {
		o(d)
	}
	d.queue = make(chan Event, d.buffer)
	d.done = make(chan struct{})

	ctx, cancel := context.WithCancel(context.Background())
	d.stop = cancel
	go d.run(ctx)
	return d, nil
}

// Enqueue schedules ev for delivery without blocking. Events the endpoint
// does not subscribe to are dropped silently.
func (d *Dispatcher) Enqueue(ev Event) error {
	if !d.endpoint.wants(ev.Type) {
		return nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrClosed
	}
	select {
	case d.queue <- ev:
		return nil
	default:
		d.logger.Warn().Str("event_id", ev.ID).Str("event", ev.Type).Msg("webhook queue full, event dropped")
		return ErrQueueFull
	}
}

// Close stops accepting events and waits for queued ones to be delivered
// or for ctx to end, whichever comes first.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	select {
	case <-d.done:
		d.stop()
		return nil
	case <-ctx.Done():
		d.stop()
		<-d.done
		return ctx.Err()
	}
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	for ev := range d.queue {
		if ctx.Err() != nil {
			continue
		}
		d.deliverWithRetry(ctx, ev)
	}
}

func (d *Dispatcher) deliverWithRetry(ctx context.Context, ev Event) {
	for attempt := 1; ; attempt++ {
		a := d.Deliver(ctx, ev, attempt)
		d.observe(a)
		if a.Status == "success" {
			return
		}
		if attempt > len(d.retryDelays) {
			d.logger.Error().
				Str("event_id", ev.ID).
				Str("event", ev.Type).
				Int("attempts", attempt).
				Str("error", a.Error).
				Msg("webhook delivery failed")
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(d.retryDelays[attempt-1]):
		}
	}
}

// Deliver signs ev and POSTs it to the endpoint once.
func (d *Dispatcher) Deliver(ctx context.Context, ev Event, attempt int) DeliveryAttempt {
	out := DeliveryAttempt{EventID: ev.ID, EventType: ev.Type, Attempt: attempt, Status: "failed"}

	payload, err := json.Marshal(ev)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.endpoint.URL, bytes.NewReader(payload))
	if err != nil {
		out.Error = err.Error()
		return out
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, "sha256="+SignPayload(payload, d.endpoint.Secret))
	req.Header.Set(EventIDHeader, ev.ID)
	req.Header.Set(TimestampHeader, time.Now().UTC().Format(time.RFC3339))

	start := time.Now()
	resp, err := d.httpClient.Do(req)
	out.Duration = time.Since(start)
	if err != nil {
		out.Error = err.Error()
		return out
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	out.StatusCode = resp.StatusCode
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		out.Status = "success"
	} else {
		out.Error = fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
	}
	return out
}
