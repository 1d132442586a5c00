package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const applicationName = "queue-server"

// PoolOption adjusts the pool configuration before connecting.
type PoolOption func(*pgxpool.Config)

// WithSearchPath resolves unqualified table names in schema first. A
// search_path already present in the database URL wins.
func WithSearchPath(schema string) PoolOption {
	return func(cfg *pgxpool.Config) {
		if schema == "" || schema == DefaultSchema {
			return
		}
		if _, ok := cfg.ConnConfig.RuntimeParams["search_path"]; ok {
			return
		}
		cfg.ConnConfig.RuntimeParams["search_path"] = pgx.Identifier{schema}.Sanitize() + ", public"
	}
}

func NewPool(ctx context.Context, databaseURL string, maxConns, minConns int32, opts ...PoolOption) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	if _, ok := cfg.ConnConfig.RuntimeParams["application_name"]; !ok {
		cfg.ConnConfig.RuntimeParams["application_name"] = applicationName
	}
	for _, o := range opts {
		o(cfg)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ReportStats calls report with the pool's acquired and idle connection
// counts every interval until ctx is done.
func ReportStats(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, report func(active, idle int32)) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		stat := pool.Stat()
		report(stat.AcquiredConns(), stat.IdleConns())
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
