// Package main is the entry point for the agw-worker binary.
// It wires all internal packages together and starts the worker loop.
//
// Startup sequence:
//  1. Parse CLI flags / environment variables
//  2. Build logger
//  3. Connect to the broker (TCP dial + PING)
//  4. Authenticate and register the declared tool list
//  5. Start the prioritized worker loop
//  6. Block until SIGINT/SIGTERM, then graceful shutdown
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/agenix-sh/agw-worker/internal/broker"
	"github.com/agenix-sh/agw-worker/internal/config"
	"github.com/agenix-sh/agw-worker/internal/executor"
	"github.com/agenix-sh/agw-worker/internal/logging"
	"github.com/agenix-sh/agw-worker/internal/worker"
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
	flags := &config.Flags{}

	root := &cobra.Command{
		Use:   "agw-worker",
		Short: "agw-worker — agentic task execution worker",
		Long: `agw-worker connects to a RESP/Redis-compatible broker, pulls
execution jobs from a reliable queue, runs each job's ordered pipeline of
subprocess tasks, and publishes results with retry.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), flags)
		},
	}

	root.AddCommand(newVersionCmd())

	root.PersistentFlags().StringVarP(&flags.BrokerAddress, "agq-address", "a", envOrDefault("AGQ_ADDRESS", config.DefaultBrokerAddress), "Broker address (host:port)")
	root.PersistentFlags().StringVarP(&flags.SessionKey, "session-key", "k", envOrDefault("AGQ_SESSION_KEY", ""), "Session key presented to the broker's AUTH command")
	root.PersistentFlags().StringVarP(&flags.WorkerID, "worker-id", "w", envOrDefault("WORKER_ID", ""), "Worker ID (default: generated)")
	root.PersistentFlags().StringVarP(&flags.WorkerName, "name", "n", envOrDefault("AGW_WORKER_NAME", ""), "Worker display name (default: generated)")
	root.PersistentFlags().Uint64Var(&flags.HeartbeatInterval, "heartbeat-interval", config.ParseUintOrDefault(os.Getenv("HEARTBEAT_INTERVAL"), config.DefaultHeartbeatSecs), "Heartbeat interval in seconds")
	root.PersistentFlags().Uint64Var(&flags.ConnectionTimeout, "connection-timeout", config.ParseUintOrDefault(os.Getenv("CONNECTION_TIMEOUT"), config.DefaultConnTimeout), "Broker dial/ping timeout in seconds")
	root.PersistentFlags().StringVar(&flags.Tools, "tools", envOrDefault("WORKER_TOOLS", ""), "Comma-separated list of tools this worker advertises")
	root.PersistentFlags().Uint64Var(&flags.ShutdownTimeout, "shutdown-timeout", config.ParseUintOrDefault(os.Getenv("SHUTDOWN_TIMEOUT"), 0), "Seconds to wait for an in-flight job on shutdown (0 = wait indefinitely)")
	root.PersistentFlags().StringVar(&flags.LogLevel, "log-level", envOrDefault("AGW_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("agw-worker %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, flags *config.Flags) error {
	cfg, err := config.Load(*flags)
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	logger, err := logging.Build(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting agw-worker",
		zap.String("version", version),
		zap.String("broker_addr", cfg.BrokerAddress),
		zap.String("worker_id", cfg.WorkerID),
		zap.String("worker_name", cfg.WorkerName),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	client, err := broker.Connect(ctx, cfg.BrokerAddress, cfg.ConnectionTimeout, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer client.Close()

	exec := executor.New(logger)

	loop := worker.New(worker.Config{
		WorkerID:          cfg.WorkerID,
		WorkerName:        cfg.WorkerName,
		HeartbeatInterval: cfg.HeartbeatInterval,
		Tools:             cfg.Tools,
		ShutdownTimeout:   cfg.ShutdownTimeout,
	}, client, exec, logger)

	if err := loop.Start(ctx, cfg.SessionKey); err != nil {
		return fmt.Errorf("failed to start worker: %w", err)
	}

	// Run blocks until ctx is cancelled (SIGINT/SIGTERM) and any in-flight
	// job has been drained.
	if err := loop.Run(ctx); err != nil {
		return fmt.Errorf("worker loop exited with error: %w", err)
	}

	logger.Info("agw-worker stopped")
	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
