/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the fuel station loyalty back-office server.
  Handles configuration, dependency injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (flags + environment)
  2. Build the logger
  3. Open the SQLite store
  4. Load the loyalty program and build the ledger
  5. Seed the admin account (if ADMIN_PASSWORD is set)
  6. Start the expiry scheduler
  7. Start the HTTP server with graceful shutdown

COMMAND-LINE FLAGS:
  -a    HTTP listen address (RUN_ADDRESS)
  -d    SQLite database path (DATABASE_PATH), ":memory:" for in-memory
  -p    Loyalty program JSON file (PROGRAM_FILE)

  Environment variables override flags.

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the expiry scheduler
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close database connection

SEE ALSO:
  - config/config.go: Every setting and its env var
  - api/server.go: Router configuration
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/warp/fuel-loyalty/api"
	"github.com/warp/fuel-loyalty/config"
	"github.com/warp/fuel-loyalty/factory"
	"github.com/warp/fuel-loyalty/logging"
	"github.com/warp/fuel-loyalty/loyalty"
	"github.com/warp/fuel-loyalty/store/sqlite"
	"go.uber.org/zap"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(args []string) error {
	cfg, err := config.Load(args)
	if err != nil {
		return err
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	if cfg.DatabasePath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(cfg.DatabasePath), 0o755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
	}
	store, err := sqlite.New(cfg.DatabasePath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer store.Close()

	program, err := factory.LoadProgramFile(cfg.ProgramFile)
	if err != nil {
		return err
	}
	ids, err := loyalty.NewIDGenerator(cfg.NodeID, program)
	if err != nil {
		return err
	}
	ledger, err := loyalty.NewLedger(store, program, ids, log.Named("ledger"))
	if err != nil {
		return err
	}

	auth := api.NewAuthenticator(store, cfg.JWTSecret, cfg.TokenTTL)
	if cfg.AdminPassword != "" {
		if err := auth.SeedAdmin(context.Background(), cfg.AdminUsername, cfg.AdminPassword); err != nil {
			return err
		}
		log.Info("admin account ready", zap.String("username", cfg.AdminUsername))
	}

	scheduler := api.NewExpiryScheduler(ledger, log)
	scheduler.CheckInterval = cfg.ExpirySweepInterval
	scheduler.Enabled = cfg.ExpirySweepInterval > 0
	scheduler.Start()
	defer scheduler.Stop()

	handler := api.NewHandler(ledger)
	handler.Health = store.Ping
	router := api.NewRouter(handler, auth, api.RouterOptions{
		AllowedOrigins: cfg.AllowedOrigins,
		Logger:         log.Named("http"),
	})

	server := &http.Server{
		Addr:         cfg.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting",
			zap.String("addr", cfg.Addr),
			zap.String("database", cfg.DatabasePath),
			zap.String("points_per_unit", program.PointsPerUnit.String()),
			zap.Int("validity_months", program.ValidityMonths),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return fmt.Errorf("server failed: %w", err)
	case <-quit:
	}

	log.Info("shutting down server")
	scheduler.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}

	log.Info("server stopped")
	return nil
}
