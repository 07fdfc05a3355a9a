// Package main is the entry point for the lattice-master binary.
// It wires all internal packages together and serves the control plane.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Open database and apply migrations
//  4. Fail operations orphaned by the previous process
//  5. Build agent manager, terminal registry, scheduler
//  6. Serve HTTP + websockets
//  7. Block until SIGINT/SIGTERM, then graceful shutdown
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

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/lattice-sh/lattice/internal/master/agentmanager"
	"github.com/lattice-sh/lattice/internal/master/api"
	"github.com/lattice-sh/lattice/internal/master/db"
	"github.com/lattice-sh/lattice/internal/master/scheduler"
	"github.com/lattice-sh/lattice/internal/master/store"
	"github.com/lattice-sh/lattice/internal/master/terminal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr     string
	dbDriver     string
	dbDSN        string
	logLevel     string
	staleSeconds int
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "lattice-master",
		Short: "Lattice master — fleet control plane",
		Long: `Lattice master is the central component of the Lattice fleet manager.
It exposes a REST API for the web UI, websocket endpoints for agents and
terminals, and owns the durable record of nodes, VMs and operations.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&cfg.httpAddr, "http-addr", envOrDefault("LATTICE_HTTP_ADDR", ":8080"), "HTTP API and websocket listen address")
	root.PersistentFlags().StringVar(&cfg.dbDriver, "db-driver", envOrDefault("LATTICE_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	root.PersistentFlags().StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("LATTICE_DB_DSN", "./lattice.db"), "Database DSN or file path for SQLite")
	root.PersistentFlags().StringVar(&cfg.logLevel, "log-level", envOrDefault("LATTICE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	root.PersistentFlags().IntVar(&cfg.staleSeconds, "stale-after", 600, "Seconds a queued operation may wait for an agent before it is failed")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lattice-master %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting lattice master",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.String("log_level", cfg.logLevel),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	// --- Database ---
	database, err := db.New(db.Config{
		Driver:   cfg.dbDriver,
		DSN:      cfg.dbDSN,
		Logger:   logger,
		LogLevel: gormlogger.Warn,
	})
	if err != nil {
		return err
	}

	st := store.New(database, logger)

	// In-memory queues and connections did not survive the restart, so any
	// operation that was still in flight can never complete.
	swept, err := st.FailUnfinishedOperations(ctx, store.ReasonMasterRestarted)
	if err != nil {
		return fmt.Errorf("startup sweep failed: %w", err)
	}
	if swept > 0 {
		logger.Warn("failed operations orphaned by restart", zap.Int64("count", swept))
	}

	// --- In-memory fabric ---
	agents := agentmanager.New(logger)
	terminals := terminal.NewRegistry(logger)

	// --- Scheduler ---
	staleAfter := time.Duration(cfg.staleSeconds) * time.Second
	sched, err := scheduler.New(st, staleAfter, logger)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop()

	// --- HTTP ---
	router := api.NewRouter(api.RouterConfig{
		Store:      st,
		Agents:     agents,
		Terminals:  terminals,
		Logger:     logger,
		StaleAfter: staleAfter,
	})

	srv := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server failed: %w", err)
	case <-ctx.Done():
	}

	logger.Info("shutting down lattice master")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
