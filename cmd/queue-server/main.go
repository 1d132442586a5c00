package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/ehr/queue/internal/config"
	"github.com/ehr/queue/internal/domain/queue"
	"github.com/ehr/queue/internal/platform/db"
	"github.com/ehr/queue/internal/platform/middleware"
	"github.com/ehr/queue/internal/platform/telemetry"
	"github.com/ehr/queue/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "queue-server",
		Short: "Clinic queue aggregation server",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(replayCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the queue API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			migrate, _ := cmd.Flags().GetBool("migrate")
			return runServer(migrate)
		},
	}
	cmd.Flags().Bool("migrate", false, "Apply pending migrations before serving (postgres store only)")
	return cmd
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations for the postgres entry store",
	}

	// migrate up
	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			fmt.Printf("Running migrations on schema: %s\n", schema)

			count, err := migrator.Up(ctx, schema)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}

			fmt.Printf("Applied %d migration(s) successfully.\n", count)
			return nil
		},
	}
	upCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	cmd.AddCommand(upCmd)

	// migrate status
	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			schema, _ := cmd.Flags().GetString("schema")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if schema == "" {
				schema = cfg.DBSchema
			}

			ctx := context.Background()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			migrator := db.NewMigrator(pool, migrations.FS)
			statuses, err := migrator.Status(ctx, schema)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			fmt.Printf("Migration status for schema: %s\n", schema)
			fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Println("---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	}
	statusCmd.Flags().String("schema", "", "Target schema (default DB_SCHEMA)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func replayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild the views for one service day from the entry store and print them",
		RunE: func(cmd *cobra.Command, args []string) error {
			day, _ := cmd.Flags().GetString("day")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Env, os.Stderr)
			return replay(cmd.Context(), cfg, day, logger, cmd.OutOrStdout())
		},
	}
	cmd.Flags().String("day", "", "Service day to replay as YYYY-MM-DD (default today)")
	return cmd
}

func replay(ctx context.Context, cfg *config.Config, rawDay string, logger zerolog.Logger, out io.Writer) error {
	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.close()

	engine := queue.NewEngine(st.store, queue.WithLocation(loc), queue.WithLogger(logger))
	day := engine.Today()
	if rawDay != "" {
		if day, err = queue.ParseServiceDay(rawDay); err != nil {
			return err
		}
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() { _ = engine.Run(ctx) }()

	n, err := engine.Replay(ctx, day)
	if err != nil {
		return fmt.Errorf("replay %s: %w", day, err)
	}
	logger.Info().Str("day", string(day)).Int("batches", n).Msg("entry log replayed")

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(engine.Views(queue.ViewFilter{Day: day}))
}

func runServer(migrate bool) error {
	// Logger
	logger := newLogger(os.Getenv("ENV"), os.Stdout)

	// Config
	cfg, err := loadConfig()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	loc, err := cfg.Location()
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid clinic time zone")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Entry store
	st, err := openStore(ctx, cfg, logger)
	if err != nil {
		logger.Fatal().Err(err).Str("store", cfg.EntryStore).Msg("failed to open entry store")
	}
	defer st.close()
	logger.Info().Str("store", cfg.EntryStore).Msg("entry store ready")

	if migrate && st.pool != nil {
		count, err := db.NewMigrator(st.pool, migrations.FS).Up(ctx, cfg.DBSchema)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		logger.Info().Int("applied", count).Str("schema", cfg.DBSchema).Msg("migrations applied")
	}

	provider := telemetry.NewProvider()

	// Audit
	notifier, dispatcher, err := newNotifier(cfg, provider, logger)
	if err != nil {
		return fmt.Errorf("audit webhook: %w", err)
	}

	// Engine
	engine := queue.NewEngine(st.store,
		queue.WithLocation(loc),
		queue.WithRetention(cfg.RetentionWindow),
		queue.WithRetireInterval(cfg.RetireInterval),
		queue.WithEntryLogDays(cfg.EntryLogDays),
		queue.WithMetrics(provider),
		queue.WithNotifier(notifier),
		queue.WithLogger(logger),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return engine.Run(gctx) })

	today := engine.Today()
	restored, err := engine.Restore(ctx, today)
	if err != nil {
		return fmt.Errorf("restore from %s: %w", today, err)
	}
	logger.Info().Str("from", string(today)).Int("batches", restored).Msg("queue views restored")

	if st.pool != nil {
		g.Go(func() error {
			db.ReportStats(gctx, st.pool, 15*time.Second, provider.SetDBPool)
			return nil
		})
	}

	// Source feeds
	sources, err := queue.ParseSources(cfg.SourceURLs, nil)
	if err != nil {
		return err
	}
	poller := queue.NewPoller(sources, engine.Ingest, engine.Today, cfg.SourcePollInterval, logger,
		queue.WithPollConcurrency(cfg.SourcePollConcurrency),
		queue.WithPullObserver(provider.SourcePulled),
	)
	g.Go(func() error { return poller.Run(gctx) })
	if len(sources) > 0 {
		logger.Info().Int("sources", len(sources)).Dur("interval", cfg.SourcePollInterval).Msg("polling queue sources")
	}

	// Echo server
	e := newServer(cfg, logger, provider, engine, st.health)

	// Graceful shutdown
	go func() {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Msg("starting server")
		if err := e.Start(addr); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("server shutdown failed")
	}

	cancel()
	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("background worker failed")
	}
	if dispatcher != nil {
		if err := dispatcher.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("audit webhook queue not drained")
		}
	}
	logger.Info().Msg("server stopped")
	return nil
}

// newServer builds the echo instance with middleware and routes.
func newServer(cfg *config.Config, logger zerolog.Logger, provider *telemetry.Provider, svc queue.Service, dbHealth echo.HandlerFunc) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	// Global middleware
	e.Use(middleware.Recovery(logger))
	e.Use(middleware.RequestID())
	e.Use(middleware.Logger(logger))
	e.Use(provider.MetricsMiddleware())
	e.Use(middleware.SecurityHeaders())
	e.Use(middleware.BodyLimit(cfg.BodyLimit, cfg.BatchBodyLimit, "/queue/batches"))
	if cfg.RequestTimeout > 0 {
		e.Use(middleware.RequestTimeout(cfg.RequestTimeout, "/metrics"))
	}
	e.Use(echomw.CORSWithConfig(echomw.CORSConfig{
		AllowOrigins:  cfg.CORSOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, middleware.RequestIDHeader},
		ExposeHeaders: []string{middleware.RequestIDHeader},
	}))

	e.GET("/health", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]string{
			"status":      "ok",
			"service_day": string(svc.Today()),
		})
	})
	e.GET("/health/db", dbHealth)
	e.GET("/metrics", provider.PrometheusHandler())

	apiV1 := e.Group("/api/v1")
	queue.NewHandler(svc, cfg.MutationTimeout).RegisterRoutes(apiV1)

	return e
}
