// Package main is the entry point for the lattice-agent binary.
// It loads the JSON config, pairs with the master when needed, and runs the
// control loop (heartbeats, websocket streamer, command poller, executors)
// until SIGINT/SIGTERM.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	agentconfig "github.com/lattice-sh/lattice/internal/agent/config"
	"github.com/lattice-sh/lattice/internal/agent/control"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		logLevel   string
	)

	root := &cobra.Command{
		Use:   "lattice-agent",
		Short: "Lattice agent — per-host fleet worker",
		Long: `Lattice agent runs on each managed host. It pairs with a Lattice master
using a one-time code, then reports heartbeats and executes VM, container
and terminal commands on the master's behalf.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, configPath, logLevel)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVar(&configPath, "config", envOrDefault("LATTICE_AGENT_CONFIG", "./agent-config.json"), "Path to the agent config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", envOrDefault("LATTICE_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("lattice-agent %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(cmd *cobra.Command, configPath, logLevel string) error {
	logger, err := buildLogger(logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	cfg, err := agentconfig.Load(configPath)
	if err != nil {
		return err
	}

	logger.Info("starting lattice agent",
		zap.String("version", version),
		zap.String("master_url", cfg.MasterURL),
		zap.String("config", configPath),
	)

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	agent := control.New(logger, cfg, configPath)
	if err := agent.Run(ctx); err != nil {
		return err
	}

	logger.Info("lattice agent stopped")
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
