/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the issuance engine server.
  Handles configuration, dependency injection, and graceful shutdown.

COMMANDS:
  server     Serve the HTTP API (default when no command is given)
  reconcile  Re-fold every balance once, rewrite the cache, print the report

STARTUP SEQUENCE:
  1. Load .env (optional), then config.yaml and ISSUANCE_* variables
  2. Initialize the logger
  3. Open the SQLite store
  4. Wire optional Redis cache, SMTP notifier and S3 archive
  5. Configure HTTP router and start the reconciliation scheduler
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (30s timeout)
  3. Stop the scheduler
  4. Close database and Redis connections

EXAMPLES:
  # Run with file database
  ISSUANCE_DATABASE_PATH=./data/issuance.db ./server

  # Run with in-memory database on another port
  ./server server --db=":memory:" --port=3000

  # One-off reconciliation
  ./server reconcile

SEE ALSO:
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
  - config/config.go: Configuration keys
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/warp/issuance-engine/api"
	"github.com/warp/issuance-engine/artifact"
	"github.com/warp/issuance-engine/audit"
	"github.com/warp/issuance-engine/cache"
	"github.com/warp/issuance-engine/config"
	"github.com/warp/issuance-engine/inventory"
	"github.com/warp/issuance-engine/logger"
	"github.com/warp/issuance-engine/notify"
	"github.com/warp/issuance-engine/store/sqlite"
	"github.com/warp/issuance-engine/workflow"
)

var (
	configPath string
	dbPath     string
	port       int
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "issuance",
		Short: "Issuance ledger and approval workflow engine",
		Long:  `Tracks safety equipment stock as an append-only ledger and runs the request approval workflow.`,
		RunE:  runServer,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Directory containing config.yaml")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "", "SQLite database path (overrides database.path)")

	serverCmd := &cobra.Command{
		Use:   "server",
		Short: "Start the HTTP server",
		RunE:  runServer,
	}
	serverCmd.Flags().IntVar(&port, "port", 0, "HTTP server port (overrides server.port)")

	rootCmd.AddCommand(serverCmd, newReconcileCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// =============================================================================
// WIRING
// =============================================================================

// app holds everything both commands need.
type app struct {
	cfg    *config.Config
	store  *sqlite.Store
	redis  *redis.Client
	ledger *inventory.Ledger
}

func (a *app) Close() {
	if a.redis != nil {
		a.redis.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
}

func setup(ctx context.Context) (*app, error) {
	// .env is optional
	_ = godotenv.Load()

	var paths []string
	if configPath != "" {
		paths = append(paths, configPath)
	}
	cfg, err := config.Load(paths...)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if port != 0 {
		cfg.Server.Port = port
	}

	if err := logger.Init(cfg.Logger); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	a := &app{cfg: cfg, store: store, ledger: inventory.NewLedger(store)}

	if cfg.Redis.Enabled {
		client, err := cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.ledger.Cache = cache.NewRedisBalanceCache(client, cfg.Redis.TTL)
		logger.Get().Info("balance cache enabled", "addr", cfg.Redis.Addr)
	}

	return a, nil
}

func notifier(cfg config.EmailConfig, workers notify.WorkerDirectory) workflow.Notifier {
	if !cfg.Enabled {
		return notify.NewLog()
	}
	logger.Get().Info("email notifications enabled", "host", cfg.Host)
	return notify.Multi{notify.NewLog(), notify.NewEmail(cfg, workers)}
}

// =============================================================================
// SERVER COMMAND
// =============================================================================

func runServer(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	cfg := a.cfg
	log := logger.WithComponent("server")

	handler := api.NewHandler(a.ledger, audit.NewRecorder())
	handler.Workflow.Notifier = notifier(cfg.Email, a.store)
	handler.Workflow.MaxRetries = cfg.Workflow.MaxRetries
	handler.Workflow.RetryBackoff = cfg.Workflow.RetryBackoff

	if cfg.S3.Enabled {
		archive, err := artifact.NewS3Archive(ctx, cfg.S3)
		if err != nil {
			return err
		}
		handler.Workflow.Archive = archive
		handler.Issuance.Archive = archive
		log.Info("consent artifact archive enabled", "bucket", cfg.S3.Bucket)
	}

	// Start reconciliation scheduler
	scheduler := api.NewReconciliationScheduler(&inventory.Reconciler{Ledger: a.ledger, Cache: a.ledger.Cache})
	scheduler.CheckInterval = cfg.Reconcile.Interval
	scheduler.Enabled = cfg.Reconcile.Enabled
	scheduler.Start()
	defer scheduler.Stop()
	handler.Scheduler = scheduler

	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      api.NewRouter(handler, cfg.Server.AllowedOrigins),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", "addr", srv.Addr, "database", cfg.Database.Path)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	log.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server forced to shutdown", "error", err)
		return err
	}

	log.Info("server exited gracefully")
	return nil
}
