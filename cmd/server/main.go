/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the condominium billing server. Handles
  configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (.env, environment, optional YAML overlay), then flags
  2. Build the zap logger and register Prometheus collectors
  3. Open the SQLite store
  4. Wire event delivery: in-process bus (+ notifier), Redis stream if configured
  5. Create the billing service and seed the obligation catalog
  6. Start the billing scheduler and the HTTP server

COMMAND-LINE FLAGS:
  -port    HTTP server port (overrides SERVER_PORT)
  -db      SQLite database path (overrides DB_PATH)
           Use ":memory:" for an in-memory database

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler (an in-flight run completes)
  2. Stop accepting new connections
  3. Wait for active requests to complete (SHUTDOWN_TIMEOUT)
  4. Close Redis and the database

EXAMPLES:
  ./server -db="./data/billing.db"
  CATALOG_FILE=./catalog.yaml REDIS_URL=redis://localhost:6379/0 ./server

SEE ALSO:
  - config/config.go: Environment variables
  - api/server.go: Router configuration
  - billing/service.go: Application service
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/condo-billing/api"
	"github.com/warp/condo-billing/billing"
	"github.com/warp/condo-billing/config"
	"github.com/warp/condo-billing/eventing"
	"github.com/warp/condo-billing/factory"
	"github.com/warp/condo-billing/generic"
	"github.com/warp/condo-billing/logging"
	"github.com/warp/condo-billing/metrics"
	"github.com/warp/condo-billing/store/sqlite"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	port := flag.String("port", cfg.Server.Port, "HTTP server port")
	dbPath := flag.String("db", cfg.Database.Path, "SQLite database path")
	flag.Parse()
	cfg.Server.Port = *port
	cfg.Database.Path = *dbPath

	logger := logging.New(logging.Config{Level: cfg.Logger.Level, Encoding: cfg.Logger.Encoding})
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("server failed", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	metrics.Init()

	// Store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}
	defer store.Close()

	// Events
	bus := eventing.NewBus()
	eventing.NewNotifier(eventing.LogMailer{Logger: logger.Named("mailer")}, logger).Register(bus)
	publishers := eventing.Fanout{bus}

	if cfg.Redis.URL != "" {
		client, err := eventing.NewRedisClient(ctx, cfg.Redis.URL)
		if err != nil {
			return err
		}
		defer client.Close()
		publishers = append(publishers, eventing.NewRedisPublisher(client, cfg.Redis.Stream))
		logger.Info("publishing events to redis", zap.String("stream", cfg.Redis.Stream))
	}

	// Service
	svc := billing.NewService(store, publishers, generic.SystemClock{})
	svc.OnPublishError = func(err error, events []generic.DomainEvent) {
		names := make([]string, 0, len(events))
		for _, e := range events {
			names = append(names, e.Name)
		}
		logger.Error("event publishing failed", zap.Strings("events", names), zap.Error(err))
	}

	if cfg.Catalog.File != "" {
		defs, err := factory.LoadCatalogFile(cfg.Catalog.File)
		if err != nil {
			return err
		}
		seeded, err := svc.SeedDefinitions(ctx, defs)
		if err != nil {
			return fmt.Errorf("seed catalog: %w", err)
		}
		logger.Info("catalog seeded",
			zap.String("file", cfg.Catalog.File),
			zap.Int("new", seeded),
			zap.Int("total", len(defs)),
		)
	}

	// Scheduler
	scheduler := api.NewBillingScheduler(svc, logger)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	// HTTP
	var limiter *api.ClientLimiter
	if cfg.RateLimit.RPS > 0 {
		limiter = api.NewClientLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst)
		limiter.StartJanitor(ctx, 2*time.Minute)
	}
	router := api.NewRouter(api.NewHandler(svc, logger), api.RouterOptions{
		CORSOrigins: cfg.Server.CORSOrigins,
		RateLimiter: limiter,
		TrustProxy:  cfg.RateLimit.TrustProxy,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Server.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("environment", cfg.Environment),
			zap.String("db", cfg.Database.Path),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("listen: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
