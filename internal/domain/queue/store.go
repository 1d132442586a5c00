package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Batch is one accepted ingestion batch as it was received.
type Batch struct {
	ID         uuid.UUID       `json:"id"`
	Source     string          `json:"source"`
	ReceivedAt time.Time       `json:"received_at"`
	Entries    []RawQueueEntry `json:"entries"`
}

// EntryStore is the append-only log of raw queue entries. It performs no
// deduplication; that is the Aggregator's job.
type EntryStore interface {
	// Append records entries as one batch and returns it with its id set.
	Append(ctx context.Context, source string, entries []RawQueueEntry) (*Batch, error)
	// BatchesForDay returns, in acceptance order, every batch holding
	// entries for day, each trimmed to those entries.
	BatchesForDay(ctx context.Context, day ServiceDay) ([]*Batch, error)
	// BatchesFrom is BatchesForDay for day and every later day.
	BatchesFrom(ctx context.Context, day ServiceDay) ([]*Batch, error)
	// PruneBefore deletes entries for service days before day.
	PruneBefore(ctx context.Context, day ServiceDay) (int64, error)
}

// MemoryStore is a thread-safe, in-memory EntryStore.
type MemoryStore struct {
	mu      sync.RWMutex
	batches []*Batch
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{now: time.Now}
}

func (s *MemoryStore) Append(_ context.Context, source string, entries []RawQueueEntry) (*Batch, error) {
	b := &Batch{
		ID:         uuid.New(),
		Source:     source,
		ReceivedAt: s.now().UTC(),
		Entries:    append([]RawQueueEntry(nil), entries...),
	}
	s.mu.Lock()
	s.batches = append(s.batches, b)
	s.mu.Unlock()
	return b, nil
}

func (s *MemoryStore) BatchesForDay(_ context.Context, day ServiceDay) ([]*Batch, error) {
	return s.batchesWhere(func(d ServiceDay) bool { return d == day }), nil
}

func (s *MemoryStore) BatchesFrom(_ context.Context, day ServiceDay) ([]*Batch, error) {
	return s.batchesWhere(func(d ServiceDay) bool { return d != "" && !d.Before(day) }), nil
}

func (s *MemoryStore) batchesWhere(match func(ServiceDay) bool) []*Batch {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Batch
	for _, b := range s.batches {
		var kept []RawQueueEntry
		for _, e := range b.Entries {
			if match(entryDay(e)) {
				kept = append(kept, e)
			}
		}
		if len(kept) > 0 {
			out = append(out, &Batch{ID: b.ID, Source: b.Source, ReceivedAt: b.ReceivedAt, Entries: kept})
		}
	}
	return out
}

func (s *MemoryStore) PruneBefore(_ context.Context, day ServiceDay) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	kept := s.batches[:0]
	for _, b := range s.batches {
		entries := b.Entries[:0]
		for _, e := range b.Entries {
			if d := entryDay(e); d == "" || d.Before(day) {
				removed++
				continue
			}
			entries = append(entries, e)
		}
		b.Entries = entries
		if len(b.Entries) > 0 {
			kept = append(kept, b)
		}
	}
	s.batches = kept
	return removed, nil
}

// Len returns the number of stored batches.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.batches)
}

// entryDay is the canonical service day of e, or "" when it does not parse.
// Malformed entries are still logged; they never match a day and are
// dropped by the first prune.
func entryDay(e RawQueueEntry) ServiceDay {
	d, err := ParseServiceDay(string(e.ServiceDay))
	if err != nil {
		return ""
	}
	return d
}
