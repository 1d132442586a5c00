package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// =========== Entry Store (PostgreSQL) ===========

type entryStorePG struct{ pool *pgxpool.Pool }

// NewEntryStorePG returns an EntryStore backed by the queue_batch and
// queue_entry tables (see migrations/001_queue_entries.sql).
func NewEntryStorePG(pool *pgxpool.Pool) EntryStore { return &entryStorePG{pool: pool} }

const insertEntrySQL = `
	INSERT INTO queue_entry (batch_id, durable_id, specialty, patient_id, patient_name, phone,
		position, status, service_day, queue_time, version)
	VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`

func (r *entryStorePG) Append(ctx context.Context, source string, entries []RawQueueEntry) (*Batch, error) {
	b := &Batch{
		ID:         uuid.New(),
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		Entries:    append([]RawQueueEntry(nil), entries...),
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx,
		`INSERT INTO queue_batch (id, source, received_at) VALUES ($1,$2,$3)`,
		b.ID, b.Source, b.ReceivedAt); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	pb := &pgx.Batch{}
	for _, e := range entries {
		pb.Queue(insertEntrySQL,
			b.ID, string(e.DurableID), e.Specialty, string(e.PatientID), nullStr(e.PatientName), nullStr(e.Phone),
			e.Position, string(e.Status), storedDay(e), nullTime(e.QueueTime), e.Version)
	}
	br := tx.SendBatch(ctx, pb)
	for i := range entries {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return nil, fmt.Errorf("insert entry %d: %w", i, err)
		}
	}
	if err := br.Close(); err != nil {
		return nil, fmt.Errorf("close entry batch: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return b, nil
}

const entryCols = `b.id, b.source, b.received_at, e.durable_id, e.specialty, e.patient_id,
	e.patient_name, e.phone, e.position, e.status, e.service_day, e.queue_time, e.version`

func (r *entryStorePG) BatchesForDay(ctx context.Context, day ServiceDay) ([]*Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryCols+`
		FROM queue_entry e JOIN queue_batch b ON b.id = e.batch_id
		WHERE e.service_day = $1
		ORDER BY e.seq`, string(day))
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

func (r *entryStorePG) BatchesFrom(ctx context.Context, day ServiceDay) ([]*Batch, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+entryCols+`
		FROM queue_entry e JOIN queue_batch b ON b.id = e.batch_id
		WHERE e.service_day >= $1 AND e.service_day ~ '^[0-9]{4}-[0-9]{2}-[0-9]{2}$'
		ORDER BY e.seq`, string(day))
	if err != nil {
		return nil, err
	}
	return scanBatches(rows)
}

// scanBatches groups entry rows, already in seq order, back into batches.
func scanBatches(rows pgx.Rows) ([]*Batch, error) {
	defer rows.Close()

	var out []*Batch
	byID := make(map[uuid.UUID]*Batch)
	for rows.Next() {
		var (
			b              Batch
			e              RawQueueEntry
			durableID, pid string
			status, rawDay string
			name, phone    *string
			queueTime      *time.Time
		)
		if err := rows.Scan(&b.ID, &b.Source, &b.ReceivedAt, &durableID, &e.Specialty, &pid,
			&name, &phone, &e.Position, &status, &rawDay, &queueTime, &e.Version); err != nil {
			return nil, err
		}
		e.DurableID = DurableID(durableID)
		e.PatientID = PatientID(pid)
		e.PatientName = strVal(name)
		e.Phone = strVal(phone)
		e.Status = Status(status)
		e.ServiceDay = ServiceDay(rawDay)
		if queueTime != nil {
			e.QueueTime = queueTime.UTC()
		}

		batch, ok := byID[b.ID]
		if !ok {
			batch = &Batch{ID: b.ID, Source: b.Source, ReceivedAt: b.ReceivedAt}
			byID[b.ID] = batch
			out = append(out, batch)
		}
		batch.Entries = append(batch.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return out, nil
}

func (r *entryStorePG) PruneBefore(ctx context.Context, day ServiceDay) (int64, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		DELETE FROM queue_entry
		WHERE service_day < $1 OR service_day !~ '^[0-9]{4}-[0-9]{2}-[0-9]{2}$'`, string(day))
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	if err := deleteEmptyBatches(ctx, tx); err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	return tag.RowsAffected(), nil
}

func deleteEmptyBatches(ctx context.Context, q queryable) error {
	_, err := q.Exec(ctx, `
		DELETE FROM queue_batch b
		WHERE NOT EXISTS (SELECT 1 FROM queue_entry e WHERE e.batch_id = b.id)`)
	if err != nil {
		return fmt.Errorf("prune empty batches: %w", err)
	}
	return nil
}

// storedDay is the canonical day when e's day parses, otherwise the raw
// value, so the log keeps what was received.
func storedDay(e RawQueueEntry) string {
	if d := entryDay(e); d != "" {
		return string(d)
	}
	return string(e.ServiceDay)
}

func nullStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func strVal(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
