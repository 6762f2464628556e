package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/PratikDhanave/ingestion-relay/internal/config"
	"github.com/PratikDhanave/ingestion-relay/internal/delivery"
	"github.com/PratikDhanave/ingestion-relay/internal/dlq"
	"github.com/PratikDhanave/ingestion-relay/internal/handlers"
	"github.com/PratikDhanave/ingestion-relay/internal/httpserver"
	"github.com/PratikDhanave/ingestion-relay/internal/logging"
	"github.com/PratikDhanave/ingestion-relay/internal/ratelimit"
	"github.com/PratikDhanave/ingestion-relay/internal/store"
	"github.com/PratikDhanave/ingestion-relay/internal/validator"
)

var skipMigrate bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP relay",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		return serve(cmd.Context(), cfg, logger)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&skipMigrate, "skip-migrate", false, "do not apply migrations on startup")
	rootCmd.AddCommand(serveCmd)
}

// serve boots the relay: config → DB → schema → delivery → HTTP server.
func serve(parent context.Context, cfg config.Config, logger *logging.Logger) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting relay",
		slog.Int("port", cfg.Server.Port),
		slog.String("log_level", cfg.Logging.Level),
		slog.Int("collector_endpoints", len(cfg.Collector.Endpoints)),
		slog.Int("retry_max_attempts", cfg.Retry.MaxAttempts),
	)

	dsn := cfg.Database.DSN()
	if !skipMigrate {
		if err := store.Migrate(dsn); err != nil {
			logger.Error("Migration failed", logging.Error(err))
			return err
		}
	}

	// An unreachable database is fatal.
	db, err := store.NewPostgresStore(dsn)
	if err != nil {
		logger.Error("Database unreachable", logging.Error(err))
		return err
	}
	defer db.Close()

	deadLetters := newDeadLetterWriter(ctx, cfg.DLQ, logger)
	defer deadLetters.Close()

	limiter := newLimiter(cfg, logger)
	defer limiter.Close()

	reconciler := delivery.NewReconciler(db, deadLetters, cfg.Retry, logger)
	registry := delivery.NewRegistry(ctx, delivery.NewEmitterFactory(cfg.Collector, logger), reconciler, logger)
	defer registry.Close()

	var audit handlers.AuditReader
	if cfg.Server.AuditLookupEnabled {
		audit = db
	}

	router, err := httpserver.NewRouter(httpserver.Deps{
		DB:             db,
		Audit:          audit,
		TrustedProxies: cfg.Server.TrustedProxies,
		Events: handlers.EventDeps{
			Store:        db,
			Pipeline:     delivery.NewPipeline(registry, db, logger),
			Validator:    validator.New(),
			Limiter:      limiter,
			MaxBodyBytes: cfg.Ingestion.MaxBodyBytes,
			Logger:       logger,
		},
	})
	if err != nil {
		logger.Error("Invalid server config", logging.Error(err))
		return err
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Relay listening", slog.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			logger.Error("Server failed", logging.Error(err))
			return err
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	logger.Info("Server stopped")
	return nil
}

func newDeadLetterWriter(ctx context.Context, cfg config.DLQConfig, logger *logging.Logger) dlq.Writer {
	if !cfg.Enabled {
		logger.Info("Dead letter queue disabled")
		return dlq.NoOpWriter{}
	}

	w, err := dlq.NewJetStreamWriter(ctx, cfg.NatsURL, cfg.Stream, logger)
	if err != nil {
		logger.Warn("Dead letter queue unavailable, abandoned events will only be audited", logging.Error(err))
		return dlq.NoOpWriter{}
	}
	logger.Info("Dead letter queue enabled", slog.String("nats_url", cfg.NatsURL), slog.String("stream", cfg.Stream))
	return w
}

func newLimiter(cfg config.Config, logger *logging.Logger) ratelimit.Limiter {
	if !cfg.Redis.Enabled || !cfg.Ingestion.RateLimitEnabled {
		logger.Info("Rate limiting disabled")
		return ratelimit.NoOpLimiter{}
	}

	l, err := ratelimit.Dial(cfg.Redis.URL, cfg.Ingestion.RateLimitRequests, cfg.Ingestion.RateLimitWindow)
	if err != nil {
		logger.Warn("Rate limiter unavailable, continuing without it", logging.Error(err))
		return ratelimit.NoOpLimiter{}
	}
	logger.Info("Rate limiting enabled",
		slog.Int("requests", cfg.Ingestion.RateLimitRequests),
		slog.Duration("window", cfg.Ingestion.RateLimitWindow),
	)
	return l
}
