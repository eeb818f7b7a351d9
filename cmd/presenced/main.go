package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/care/presence/internal/config"
	"github.com/care/presence/internal/core"
)

const (
	defaultConfigPath = "config/presence.yaml"
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	debug := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	// Setup structured logger
	logLevel := slog.LevelInfo
	if *debug {
		logLevel = slog.LevelDebug
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	// Secrets (broker URL, Postgres DSN) may come from a .env file
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file loaded", "error", err)
	}

	slog.Info("starting presence service",
		"config", *configPath,
		"debug", *debug,
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	// Create context with cancellation for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Setup signal handling
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	presence, err := core.New(ctx, cfg, logger)
	if err != nil {
		slog.Error("failed to create presence service", "error", err)
		os.Exit(1)
	}

	// Start health check HTTP server (non-blocking)
	if cfg.Health.Port != "" {
		if err := presence.StartHealthServer(cfg.Health.Port); err != nil {
			slog.Error("failed to start health check server", "error", err)
			os.Exit(1)
		}
	}

	// Run service in goroutine
	errChan := make(chan error, 1)
	go func() {
		errChan <- presence.Run(ctx) // Always send, even if nil
	}()

	// Wait for shutdown signal or error
	var runErr error
	select {
	case sig := <-sigChan:
		slog.Info("received shutdown signal", "signal", sig)
		cancel()
	case runErr = <-errChan:
		if runErr != nil {
			slog.Error("service error", "error", runErr)
		} else {
			slog.Info("service stopped (via MQTT shutdown command or end of source)")
		}
	}

	// Graceful shutdown
	shutdownTimeout := presence.ShutdownTimeout()
	slog.Info("shutting down gracefully", "timeout", shutdownTimeout)

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	if err := presence.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown failed", "error", err)
		os.Exit(1)
	}

	if runErr != nil {
		os.Exit(1)
	}
	slog.Info("presence service stopped successfully")
}
