//go:build integration

// Package integration runs the entry store and engine against a real
// PostgreSQL. Run with: go test -tags integration ./test/integration/...
package integration

import (
	"context"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/platform/db"
	"github.com/ehr/queue/migrations"
)

// connStr points at the shared container started in TestMain.
var connStr string

func TestMain(m *testing.M) {
	ctx := context.Background()

	if url := os.Getenv("QUEUE_TEST_DATABASE_URL"); url != "" {
		connStr = url
		os.Exit(m.Run())
	}

	url, cleanup, err := startPostgresContainer(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}
	connStr = url
	code := m.Run()
	cleanup()
	os.Exit(code)
}

// uniqueSchema returns a fresh schema name for test isolation.
func uniqueSchema(prefix string) string {
	short := strings.ReplaceAll(uuid.New().String()[:8], "-", "")
	return fmt.Sprintf("%s_%s", prefix, short)
}

// migratedPool applies every migration to a new schema and returns a pool
// whose connections resolve unqualified tables there. The schema is dropped
// when the test ends.
func migratedPool(t *testing.T, prefix string) (*pgxpool.Pool, string) {
	t.Helper()
	ctx := context.Background()
	schema := uniqueSchema(prefix)

	admin, err := db.NewPool(ctx, connStr, 2, 1)
	if err != nil {
		t.Fatalf("admin pool: %v", err)
	}
	t.Cleanup(func() {
		if _, err := admin.Exec(context.Background(), "DROP SCHEMA IF EXISTS "+pgx.Identifier{schema}.Sanitize()+" CASCADE"); err != nil {
			t.Logf("warning: failed to drop schema %s: %v", schema, err)
		}
		admin.Close()
	})

	applied, err := db.NewMigrator(admin, migrations.FS).Up(ctx, schema)
	if err != nil {
		t.Fatalf("migrate %s: %v", schema, err)
	}
	if applied == 0 {
		t.Fatalf("expected migrations applied to %s", schema)
	}

	pool, err := db.NewPool(ctx, connStr, 4, 1, db.WithSearchPath(schema))
	if err != nil {
		t.Fatalf("schema pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool, schema
}

var baseTime = time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)

const testDay queue.ServiceDay = "2026-03-02"

func rawEntry(id, patient, specialty string, minute int) queue.RawQueueEntry {
	return queue.RawQueueEntry{
		DurableID:  queue.DurableID(id),
		PatientID:  queue.PatientID(patient),
		Specialty:  specialty,
		ServiceDay: testDay,
		Status:     queue.StatusWaiting,
		QueueTime:  baseTime.Add(time.Duration(minute) * time.Minute),
		Position:   minute + 1,
		Version:    1,
	}
}

// startEngine runs an engine on store until the test ends.
func startEngine(t *testing.T, store queue.EntryStore) *queue.Engine {
	t.Helper()
	clock := func() time.Time { return baseTime.Add(time.Hour) }
	e := queue.NewEngine(store, queue.WithEngineClock(clock), queue.WithLocation(time.UTC))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = e.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return e
}
