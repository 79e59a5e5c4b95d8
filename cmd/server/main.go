/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the settlement engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load configuration
  2. Initialize logger and metrics
  3. Open the store (SQLite or PostgreSQL, migrations applied on open)
  4. Create engine, API handler and router
  5. Start the recalculation scheduler
  6. Start server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML configuration file (optional)
  -port    HTTP server port, overrides http.addr
  -db      Store DSN, overrides store.dsn
           Use ":memory:" for an in-memory SQLite database

ENVIRONMENT:
  Every setting can be given as SETTLE_<SECTION>_<KEY>, for example
  SETTLE_STORE_DRIVER=postgres SETTLE_STORE_DSN=postgres://...

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with file database
  ./server -db="./data/settlement.db"

  # Run against PostgreSQL
  SETTLE_STORE_DRIVER=postgres ./server -db="postgres://settle@localhost/settle"

SEE ALSO:
  - api/server.go: Router configuration
  - config/config.go: Settings and defaults
  - store/sqlite/sqlite.go, store/postgres/postgres.go: Stores
*/
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/warp/settlement-engine/api"
	"github.com/warp/settlement-engine/billing"
	"github.com/warp/settlement-engine/config"
	"github.com/warp/settlement-engine/logging"
	"github.com/warp/settlement-engine/metrics"
	"github.com/warp/settlement-engine/store/postgres"
	"github.com/warp/settlement-engine/store/sqlite"
)

type backend interface {
	api.Backend
	io.Closer
}

func main() {
	// Flags
	configPath := flag.String("config", "", "YAML configuration file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dsn := flag.String("db", "", "Store DSN (overrides config)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *port != 0 {
		cfg.HTTP.Addr = fmt.Sprintf(":%d", *port)
	}
	if *dsn != "" {
		cfg.Store.DSN = *dsn
	}

	logger := logging.New(cfg.Log.Level, cfg.Log.Format)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Initialize store
	store, err := openStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer store.Close()

	strictness, err := billing.ParseStrictness(cfg.Engine.FormulaStrictness)
	if err != nil {
		return err
	}
	engine, err := billing.NewEngine(store,
		billing.WithLogger(logger),
		billing.WithWorkers(cfg.Engine.Workers),
		billing.WithStrictness(strictness))
	if err != nil {
		return err
	}

	if cfg.Metrics.Enabled {
		metrics.Init()
	}

	// Initialize handler
	handler := api.NewHandler(store, engine, logger)
	handler.ExposeMetrics = cfg.Metrics.Enabled

	scheduler := api.NewRecalculationScheduler(handler)
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.Interval
	scheduler.Start()
	defer scheduler.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr,
		Handler:      api.NewRouter(handler),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "addr", cfg.HTTP.Addr, "store", cfg.Store.Driver)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}

func openStore(ctx context.Context, cfg config.Config) (backend, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return postgres.New(ctx, cfg.Store.DSN)
	default:
		return sqlite.New(cfg.Store.DSN)
	}
}
