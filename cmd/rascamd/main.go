package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/muzapapa-glitch/RasCam/internal/core"
)

const defaultConfigPath = "configs/rascam.yaml"

// version is stamped at build time via -ldflags "-X main.version=..."
var version = "dev"

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn or error (overrides the config file)")
	showVersion := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("rascamd %s\n", version)
		return
	}

	// Setup structured logger. The level is a LevelVar so the config
	// file can raise or lower it once loaded.
	level := new(slog.LevelVar)
	if *logLevel != "" {
		if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
			fmt.Fprintf(os.Stderr, "invalid log level %q (want debug, info, warn or error)\n", *logLevel)
			os.Exit(2)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	slog.Info("starting rascam daemon",
		"version", version,
		"config", *configPath,
	)

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	svc, err := core.New(*configPath, logger)
	if err != nil {
		slog.Error("failed to create surveillance service", "error", err)
		os.Exit(1)
	}

	// The flag wins over the file when both are given
	if *logLevel == "" {
		level.Set(svc.LogLevel())
	}

	// Start health check HTTP server (non-blocking)
	if err := svc.StartHealthServer(); err != nil {
		slog.Error("failed to start health server", "error", err)
		os.Exit(1)
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- svc.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig.String())
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via control command)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := svc.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := svc.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	slog.Info("rascam daemon stopped")
	if runErr != nil {
		os.Exit(1)
	}
}
