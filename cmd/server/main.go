/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the reservation engine server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Parse command-line flags and load the YAML config
  2. Build the zap logger
  3. Initialize SQLite store
  4. Build directory, approval flows and notification dispatcher
  5. Wire the orchestrator and the sweep scheduler
  6. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -config  YAML config file (optional; defaults apply when omitted)
  -port    HTTP server port, overrides server.port
  -db      SQLite database path, overrides database.path
           Use ":memory:" for in-memory database
  -check   Validate the config and flows, print a summary and exit

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests to complete (server.shutdown_timeout)
  3. Stop the sweep scheduler, drain queued notifications
  4. Close database connection

EXAMPLES:
  # Run with a config file
  ./server -config=./config.yaml

  # Validate a config before deploying it
  ./server -config=./config.yaml -check

  # Run with in-memory database on a different port
  ./server -db=":memory:" -port=3000

SEE ALSO:
  - config/config.go: Configuration schema
  - api/server.go: Router configuration
  - reservation/orchestrator.go: Lifecycle core
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
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/warp/reservation-engine/api"
	"github.com/warp/reservation-engine/config"
	"github.com/warp/reservation-engine/directory"
	"github.com/warp/reservation-engine/factory"
	"github.com/warp/reservation-engine/logging"
	"github.com/warp/reservation-engine/notify"
	"github.com/warp/reservation-engine/reservation"
	"github.com/warp/reservation-engine/store/sqlite"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Flags
	configPath := flag.String("config", "", "YAML config file")
	port := flag.Int("port", 0, "HTTP server port (overrides config)")
	dbPath := flag.String("db", "", "SQLite database path (overrides config)")
	check := flag.Bool("check", false, "validate the configuration, print a summary and exit")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dbPath != "" {
		cfg.Database.Path = *dbPath
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	if *check {
		flows, err := loadFlows(cfg.Flows)
		if err != nil {
			return err
		}
		printCheck(os.Stdout, cfg, flows)
		return nil
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Development)
	if err != nil {
		return err
	}
	defer logger.Sync()

	// Initialize store
	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	dir := directory.NewStatic(cfg.Directory.Users, cfg.Directory.Grants, cfg.Directory.ResourceGrants)
	roles := directory.NewCachedRoles(dir, cfg.Directory.RoleCacheTTL)

	flows, err := loadFlows(cfg.Flows)
	if err != nil {
		return err
	}

	dispatcher := notify.NewDispatcher(notify.NewLogSink(logger.Named("notify")), dir, notify.Options{
		Buffer:        cfg.Notifications.Buffer,
		Workers:       cfg.Notifications.Workers,
		RatePerSecond: cfg.Notifications.RatePerSecond,
		Burst:         cfg.Notifications.Burst,
	}, logger.Named("notify"))
	dispatcher.Start(context.Background())
	defer dispatcher.Close()

	opts, err := cfg.EngineOptions()
	if err != nil {
		return err
	}
	orch := reservation.NewOrchestrator(store, reservation.NewMetadataCache(), flows, roles, dir,
		dispatcher, logger.Named("orchestrator"), opts)

	scheduler, err := api.NewSweepScheduler(orch, cfg.Sweeps, logger.Named("sweeps"))
	if err != nil {
		return err
	}

	handler := api.NewHandler(orch, store, logger.Named("api"))
	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      api.NewRouter(handler, cfg.Server.CORSOrigins),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("server starting",
			zap.Int("port", cfg.Server.Port),
			zap.String("db", cfg.Database.Path),
			zap.Strings("flows", flows.IDs()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		scheduler.Start()
		<-gctx.Done()
		scheduler.Stop()
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server forced to shutdown: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("server stopped", zap.Int64("notifications_dropped", dispatcher.Dropped()))
	return nil
}

// loadFlows registers preset flows and flows read from JSON files.
func loadFlows(cfg config.FlowsConfig) (*reservation.StaticFlows, error) {
	f := factory.NewFlowFactory()
	var flows []reservation.ApprovalFlow
	for _, name := range cfg.Presets {
		flow, err := f.Preset(name)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	for _, path := range cfg.Files {
		flow, err := f.LoadFile(path)
		if err != nil {
			return nil, err
		}
		flows = append(flows, flow)
	}
	registry, err := reservation.NewStaticFlows(flows...)
	if err != nil {
		return nil, fmt.Errorf("failed to register approval flows: %w", err)
	}
	return registry, nil
}
