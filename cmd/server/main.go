/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the leave synchronizer: the portal API, the
  workflow engine callback endpoints and the balance ledger behind them.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags, load configuration
  2. Build the logger
  3. Open the SQLite store (migrations run on open)
  4. Wire metrics, ledger, synchronizer, service, callback registry and
     dispatcher
  5. Open the current year's balances
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config         YAML configuration file (optional)
  -init-balances  Open missing accounts for the current year at startup

ENVIRONMENT:
  Every config key can be overridden with LEAVESYNC_<SECTION>_<KEY>,
  e.g. LEAVESYNC_SERVER_PORT=9090 or LEAVESYNC_DATABASE_PATH=":memory:".

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Close database connection
  4. Exit

SEE ALSO:
  - config/config.go: Configuration sections and defaults
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
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

	"github.com/warp/leave-sync/api"
	"github.com/warp/leave-sync/callback"
	"github.com/warp/leave-sync/config"
	"github.com/warp/leave-sync/identity"
	"github.com/warp/leave-sync/leave"
	"github.com/warp/leave-sync/ledger"
	"github.com/warp/leave-sync/logging"
	"github.com/warp/leave-sync/metrics"
	"github.com/warp/leave-sync/store/sqlite"
	"github.com/warp/leave-sync/workflow"
)

func main() {
	configPath := flag.String("config", "", "YAML configuration file")
	initBalances := flag.Bool("init-balances", true, "open missing accounts for the current year at startup")
	flag.Parse()

	if err := run(*configPath, *initBalances); err != nil {
		fmt.Fprintf(os.Stderr, "leave-sync: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath string, initBalances bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync()

	// Initialize store
	if cfg.Database.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.Database.Path), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	directory, err := identity.NewMemoryDirectory(cfg.Identity.Users)
	if err != nil {
		return fmt.Errorf("invalid identity directory: %w", err)
	}
	schemes, err := cfg.SchemeRegistry()
	if err != nil {
		return err
	}
	types, err := cfg.LeaveTypes()
	if err != nil {
		return err
	}
	threshold, err := cfg.ManagerApprovalThreshold()
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if cfg.Server.MetricsEnabled {
		m = metrics.New()
	}

	engine := workflow.NewHTTPClient(workflow.HTTPConfig{
		BaseURL: cfg.Workflow.BaseURL,
		Timeout: cfg.Workflow.Timeout,
		Metrics: m,
	}, logger)

	l := ledger.New(store, logger, ledger.WithMetrics(m))
	sync := leave.NewSynchronizer(store, l, store, logger)
	svc := leave.NewService(store, l, sync, engine, schemes, directory, types, logger)

	notifier := callback.NewLogNotifier(logger)
	registry, err := callback.NewRegistry(
		callback.NewGenericHandler(notifier, logger),
		callback.NewLeaveApprovalHandler(sync, notifier, threshold, logger),
		callback.NewPurchaseOrderHandler(notifier, logger),
	)
	if err != nil {
		return fmt.Errorf("failed to build handler registry: %w", err)
	}
	dispatcher := callback.NewDispatcher(registry, store, directory, logger).WithMetrics(m)

	if initBalances {
		year := time.Now().Year()
		created, err := svc.InitializeBalances(context.Background(), year)
		if err != nil {
			return fmt.Errorf("failed to initialize %d balances: %w", year, err)
		}
		logger.Info("balances initialized", zap.Int("year", year), zap.Int("created", created))
	}

	handler := api.NewHandler(svc, l, dispatcher, store, logger)
	opts := api.RouterOptions{
		CORSOrigins:       cfg.Server.CORSOrigins,
		RequestsPerSecond: cfg.Server.RateLimit.RequestsPerSecond,
		Burst:             cfg.Server.RateLimit.Burst,
	}
	if m != nil {
		opts.Metrics = m.Handler()
	}
	router := api.NewRouter(handler, opts)

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in goroutine
	serverErr := make(chan error, 1)
	go func() {
		logger.Info("server starting",
			zap.String("addr", server.Addr),
			zap.String("engine", cfg.Workflow.BaseURL),
			zap.Strings("workflow_types", registry.Types()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	case sig := <-quit:
		logger.Info("shutting down server", zap.String("signal", sig.String()))
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	logger.Info("server stopped")
	return nil
}
