package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/queue/internal/config"
	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/platform/db"
	"github.com/ehr/queue/internal/platform/webhook"
)

func newLogger(env string, out io.Writer) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: out}).With().Timestamp().Logger()
	}
	return zerolog.New(out).With().Timestamp().Logger()
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

// storeHandle is an opened entry store plus what the server needs around it.
type storeHandle struct {
	store  queue.EntryStore
	health echo.HandlerFunc
	pool   *pgxpool.Pool // postgres only
	close  func()
}

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*storeHandle, error) {
	switch cfg.EntryStore {
	case config.StoreMemory:
		logger.Warn().Msg("using in-memory entry store; queue state is lost on restart")
		return &storeHandle{
			store:  queue.NewMemoryStore(),
			health: db.HealthHandler(pingFunc(func(context.Context) error { return nil }), config.StoreMemory, nil),
			close:  func() {},
		}, nil

	case config.StorePostgres:
		if err := db.ValidateSchema(cfg.DBSchema); err != nil {
			return nil, err
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns, db.WithSearchPath(cfg.DBSchema))
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:  queue.NewEntryStorePG(pool),
			health: db.PoolHealthHandler(pool),
			pool:   pool,
			close:  pool.Close,
		}, nil

	case config.StoreSQLite:
		s, err := queue.OpenSQLiteStore(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, err
		}
		return &storeHandle{
			store:  s,
			health: db.HealthHandler(s, config.StoreSQLite, nil),
			close: func() {
				if err := s.Close(); err != nil {
					logger.Warn().Err(err).Msg("close sqlite store")
				}
			},
		}, nil
	}
	return nil, fmt.Errorf("unknown entry store %q", cfg.EntryStore)
}

// newNotifier always logs audit events and, when AUDIT_WEBHOOK_URL is set,
// also delivers them to the webhook. The returned dispatcher is nil without
// a webhook.
func newNotifier(cfg *config.Config, metrics auditMetrics, logger zerolog.Logger) (queue.Notifier, *webhook.Dispatcher, error) {
	notifiers := queue.MultiNotifier{queue.NewLogNotifier(logger)}
	if cfg.AuditWebhookURL == "" {
		return notifiers, nil, nil
	}

	d, err := webhook.NewDispatcher(webhook.Endpoint{
		URL:    cfg.AuditWebhookURL,
		Secret: cfg.AuditWebhookSecret,
		Events: cfg.AuditWebhookEvents,
	},
		webhook.WithHTTPClient(&http.Client{Timeout: cfg.MutationTimeout}),
		webhook.WithLogger(logger),
		webhook.WithObserver(func(a webhook.DeliveryAttempt) { metrics.AuditDelivered(a.Status) }),
	)
	if err != nil {
		return nil, nil, err
	}
	return append(notifiers, webhookNotifier(d, metrics, logger)), d, nil
}

type auditMetrics interface {
	AuditDelivered(outcome string)
}

type enqueuer interface {
	Enqueue(ev webhook.Event) error
}

// webhookNotifier hands audit events to the dispatcher without waiting for
// delivery.
func webhookNotifier(d enqueuer, metrics auditMetrics, logger zerolog.Logger) queue.Notifier {
	return queue.NotifierFunc(func(_ context.Context, ev queue.AuditEvent) {
		out, err := webhook.NewEvent(ev.Event, ev)
		if err != nil {
			logger.Error().Err(err).Str("event_id", ev.ID).Msg("marshal audit event")
			return
		}
		out.ID, out.Timestamp = ev.ID, ev.At
		err = d.Enqueue(out)
		switch {
		case err == nil:
		case errors.Is(err, webhook.ErrClosed):
			logger.Debug().Str("event_id", ev.ID).Msg("audit webhook closed, event not sent")
		default:
			metrics.AuditDelivered("dropped")
		}
	})
}
