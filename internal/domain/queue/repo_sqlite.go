package queue

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS queue_batch (
	id          TEXT PRIMARY KEY,
	source      TEXT NOT NULL,
	received_at TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS queue_entry (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	batch_id     TEXT NOT NULL REFERENCES queue_batch(id) ON DELETE CASCADE,
	durable_id   TEXT NOT NULL DEFAULT '',
	specialty    TEXT NOT NULL DEFAULT '',
	patient_id   TEXT NOT NULL DEFAULT '',
	patient_name TEXT,
	phone        TEXT,
	position     INTEGER NOT NULL DEFAULT 0,
	status       TEXT NOT NULL DEFAULT '',
	service_day  TEXT NOT NULL DEFAULT '',
	queue_time   TEXT,
	version      INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_queue_entry_service_day ON queue_entry(service_day, seq);
`

// SQLiteStore is an EntryStore in a single SQLite file, for clinics that
// run the engine without PostgreSQL.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// OpenSQLiteStore opens or creates the database at path and applies the
// schema.
func OpenSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// One connection keeps writes serialized and the pragmas in effect.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys = ON",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, err)
		}
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Append(ctx context.Context, source string, entries []RawQueueEntry) (_ *Batch, err error) {
	b := &Batch{
		ID:         uuid.New(),
		Source:     source,
		ReceivedAt: time.Now().UTC(),
		Entries:    append([]RawQueueEntry(nil), entries...),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx,
		`INSERT INTO queue_batch (id, source, received_at) VALUES (?, ?, ?)`,
		b.ID.String(), b.Source, b.ReceivedAt.Format(time.RFC3339Nano)); err != nil {
		return nil, fmt.Errorf("insert batch: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO queue_entry (batch_id, durable_id, specialty, patient_id, patient_name, phone,
			position, status, service_day, queue_time, version)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return nil, fmt.Errorf("prepare entry insert: %w", err)
	}
	defer stmt.Close()

	for i, e := range entries {
		var qt any
		if !e.QueueTime.IsZero() {
			qt = e.QueueTime.UTC().Format(time.RFC3339Nano)
		}
		if _, err = stmt.ExecContext(ctx,
			b.ID.String(), string(e.DurableID), e.Specialty, string(e.PatientID),
			nullStr(e.PatientName), nullStr(e.Phone), e.Position, string(e.Status),
			storedDay(e), qt, e.Version); err != nil {
			return nil, fmt.Errorf("insert entry %d: %w", i, err)
		}
	}

	if err = tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit batch: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) BatchesForDay(ctx context.Context, day ServiceDay) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEntryCols+`
		FROM queue_entry e JOIN queue_batch b ON b.id = e.batch_id
		WHERE e.service_day = ?
		ORDER BY e.seq`, string(day))
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	return scanSQLiteBatches(rows)
}

func (s *SQLiteStore) BatchesFrom(ctx context.Context, day ServiceDay) ([]*Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEntryCols+`
		FROM queue_entry e JOIN queue_batch b ON b.id = e.batch_id
		WHERE e.service_day >= ? AND e.service_day GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]'
		ORDER BY e.seq`, string(day))
	if err != nil {
		return nil, fmt.Errorf("query queue entries: %w", err)
	}
	return scanSQLiteBatches(rows)
}

const sqliteEntryCols = `b.id, b.source, b.received_at, e.durable_id, e.specialty, e.patient_id,
			e.patient_name, e.phone, e.position, e.status, e.service_day, e.queue_time, e.version`

func scanSQLiteBatches(rows *sql.Rows) ([]*Batch, error) {
	defer rows.Close()

	var out []*Batch
	byID := make(map[string]*Batch)
	for rows.Next() {
		var (
			batchID, source, receivedAt string
			durableID, pid, status, dy  string
			e                           RawQueueEntry
			name, phone, queueTime      sql.NullString
		)
		if err := rows.Scan(&batchID, &source, &receivedAt, &durableID, &e.Specialty, &pid,
			&name, &phone, &e.Position, &status, &dy, &queueTime, &e.Version); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		e.DurableID = DurableID(durableID)
		e.PatientID = PatientID(pid)
		e.PatientName = name.String
		e.Phone = phone.String
		e.Status = Status(status)
		e.ServiceDay = ServiceDay(dy)
		if queueTime.Valid {
			t, err := time.Parse(time.RFC3339Nano, queueTime.String)
			if err != nil {
				return nil, fmt.Errorf("parse queue_time %q: %w", queueTime.String, err)
			}
			e.QueueTime = t
		}

		batch, ok := byID[batchID]
		if !ok {
			id, err := uuid.Parse(batchID)
			if err != nil {
				return nil, fmt.Errorf("parse batch id %q: %w", batchID, err)
			}
			at, err := time.Parse(time.RFC3339Nano, receivedAt)
			if err != nil {
				return nil, fmt.Errorf("parse received_at %q: %w", receivedAt, err)
			}
			batch = &Batch{ID: id, Source: source, ReceivedAt: at}
			byID[batchID] = batch
			out = append(out, batch)
		}
		batch.Entries = append(batch.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate queue entries: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) PruneBefore(ctx context.Context, day ServiceDay) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		DELETE FROM queue_entry
		WHERE service_day < ? OR service_day NOT GLOB '[0-9][0-9][0-9][0-9]-[0-9][0-9]-[0-9][0-9]'`, string(day))
	if err != nil {
		return 0, fmt.Errorf("prune entries: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		DELETE FROM queue_batch
		WHERE NOT EXISTS (SELECT 1 FROM queue_entry e WHERE e.batch_id = queue_batch.id)`); err != nil {
		return 0, fmt.Errorf("prune empty batches: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
