package queue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Source produces raw entries for one specialty queue.
type Source interface {
	Name() string
	Pull(ctx context.Context, day ServiceDay) ([]RawQueueEntry, error)
}

// HTTPSource pulls a specialty feed that answers GET <url>?day=YYYY-MM-DD
// with either a JSON array of entries or {"entries": [...]}.
type HTTPSource struct {
	name   string
	url    string
	client *http.Client
}

func NewHTTPSource(name, rawURL string, client *http.Client) (*HTTPSource, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("source %s: invalid url: %w", name, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("source %s: url must use http or https", name)
	}
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPSource{name: name, url: rawURL, client: client}, nil
}

func (s *HTTPSource) Name() string { return s.name }

func (s *HTTPSource) Pull(ctx context.Context, day ServiceDay) ([]RawQueueEntry, error) {
	u, err := url.Parse(s.url)
	if err != nil {
		return nil, err
	}
	q := u.Query()
	q.Set("day", string(day))
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", s.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("pull %s: non-2xx response %d: %s", s.name, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.name, err)
	}
	return decodeFeed(body)
}

func decodeFeed(body []byte) ([]RawQueueEntry, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, nil
	}
	if body[0] == '[' {
		var entries []RawQueueEntry
		if err := json.Unmarshal(body, &entries); err != nil {
			return nil, fmt.Errorf("decode feed: %w", err)
		}
		return entries, nil
	}
	var wrapped struct {
		Entries []RawQueueEntry `json:"entries"`
	}
	if err := json.Unmarshal(body, &wrapped); err != nil {
		return nil, fmt.Errorf("decode feed: %w", err)
	}
	return wrapped.Entries, nil
}

// ParseSources builds HTTP sources from "name=url" pairs.
func ParseSources(pairs []string, client *http.Client) ([]Source, error) {
	var out []Source
	seen := make(map[string]bool)
	for _, item := range pairs {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		name, rawURL, ok := strings.Cut(item, "=")
		name = strings.TrimSpace(name)
		if !ok || name == "" {
			return nil, fmt.Errorf("source %q: expected name=url", item)
		}
		if seen[name] {
			return nil, fmt.Errorf("source %q listed twice", name)
		}
		seen[name] = true
		src, err := NewHTTPSource(name, strings.TrimSpace(rawURL), client)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, nil
}

// Poller pulls every source concurrently and ingests each pull as its own
// batch. A failing source never stops the others.
type Poller struct {
	sources  []Source
	ingest   IngestFunc
	day      func() ServiceDay
	interval time.Duration
	limit    int
	logger   zerolog.Logger
	observe  func(source string, err error)
}

// PollerOption configures a Poller.
type PollerOption func(*Poller)

// WithPollConcurrency caps how many sources are pulled at once.
func WithPollConcurrency(n int) PollerOption { return func(p *Poller) { p.limit = n } }

// WithPullObserver is called once per source per poll with the pull outcome.
func WithPullObserver(fn func(source string, err error)) PollerOption {
	return func(p *Poller) { p.observe = fn }
}

func NewPoller(sources []Source, ingest IngestFunc, day func() ServiceDay, interval time.Duration, logger zerolog.Logger, opts ...PollerOption) *Poller {
	p := &Poller{
		sources:  sources,
		ingest:   ingest,
		day:      day,
		interval: interval,
		limit:    4,
		logger:   logger,
		observe:  func(string, error) {},
	}
	for _, o := range opts {
		o(p)
	}
	if p.limit <= 0 {
		p.limit = 1
	}
	return p
}

// PollOnce pulls all sources once and returns the joined per-source errors.
func (p *Poller) PollOnce(ctx context.Context) error {
	day := p.day()

	var (
		mu   sync.Mutex
		errs []error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.limit)
	for _, src := range p.sources {
		src := src
		g.Go(func() error {
			err := p.pollSource(gctx, src, day)
			p.observe(src.Name(), err)
			if err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (p *Poller) pollSource(ctx context.Context, src Source, day ServiceDay) error {
	entries, err := src.Pull(ctx, day)
	if err != nil {
		p.logger.Warn().Str("source", src.Name()).Err(err).Msg("queue source pull failed")
		return err
	}
	if len(entries) == 0 {
		return nil
	}
	res, err := p.ingest(ctx, src.Name(), entries)
	if err != nil {
		p.logger.Error().Str("source", src.Name()).Err(err).Msg("queue source ingest failed")
		return fmt.Errorf("ingest %s: %w", src.Name(), err)
	}
	p.logger.Debug().
		Str("source", src.Name()).
		Int("entries", len(entries)).
		Int("created", len(res.Created)).
		Int("updated", len(res.Updated)).
		Int("rejected", len(res.Rejected)).
		Bool("changed", res.Changed()).
		Msg("queue source pulled")
	return nil
}

// Run polls immediately and then every interval until ctx is done.
func (p *Poller) Run(ctx context.Context) error {
	if len(p.sources) == 0 || p.interval <= 0 {
		return nil
	}
	_ = p.PollOnce(ctx)

	t := time.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			_ = p.PollOnce(ctx)
		}
	}
}
