/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the credit engine HTTP server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, configs/server.env, environment)
  2. Initialize the structured logger
  3. Open the ledger store selected by STORE_DRIVER
  4. Create API handler and router
  5. Start the assessment scheduler when enabled
  6. Start server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the assessment scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (SERVER_SHUTDOWN_TIMEOUT)
  4. Close the store
  5. Exit

EXAMPLES:
  # Run with the default SQLite file
  ./server

  # Run with an in-memory store on another port
  STORE_DRIVER=memory SERVER_PORT=3000 ./server

  # Run against PostgreSQL
  STORE_DRIVER=postgres POSTGRES_URL=postgres://... ./server

SEE ALSO:
  - api/server.go: Router configuration
  - config/load.go: Configuration keys and defaults
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
	_ "time/tzdata"

	"github.com/zeva/credit-engine/api"
	"github.com/zeva/credit-engine/assessment"
	"github.com/zeva/credit-engine/config"
	"github.com/zeva/credit-engine/ledger"
	"github.com/zeva/credit-engine/logger"
	"github.com/zeva/credit-engine/store"
)

func main() {
	appCtx, cancelAppCtx := context.WithCancel(context.Background())
	defer cancelAppCtx()

	cfg, err := config.LoadConfig("server")
	if err != nil {
		// logger is not initialized yet, so we use fmt
		fmt.Printf("Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.NewLogger(cfg)

	loc, err := cfg.Compliance.Location()
	if err != nil {
		log.Error("Invalid compliance timezone", "error", err)
		os.Exit(1)
	}
	calendar := ledger.NewCalendar(loc)

	repo, err := store.Open(appCtx, cfg, log)
	if err != nil {
		log.Error("Failed to initialize ledger store", "driver", cfg.Store.Driver, "error", err)
		os.Exit(1)
	}
	defer repo.Close()

	handler := api.NewHandler(repo, calendar, log)
	handler.Runner.PoolSize = cfg.Assessment.WorkerPoolSize
	router := api.NewRouter(handler, cfg.Server.CORSOrigins)

	scheduler := assessment.NewScheduler(handler.Runner, log)
	scheduler.Enabled = cfg.Assessment.SchedulerEnabled
	scheduler.CheckInterval = cfg.Assessment.Interval
	scheduler.Start()

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Info("Server starting", "addr", server.Addr, "store", cfg.Store.Driver, "compliance_timezone", loc.String())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	exitCode := 0
	select {
	case sig := <-quit:
		log.Info("Shutting down server", "signal", sig.String())
	case err := <-serverErr:
		log.Error("Server failed", "error", err)
		exitCode = 1
	}

	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Error("Server forced to shutdown", "error", err)
		exitCode = 1
	}

	log.Info("Server stopped")
	if exitCode != 0 {
		cancel()
		repo.Close()
		os.Exit(exitCode)
	}
}
