// Package main is the entry point for the orchestrator. It loads
// configuration (generating a default file on first start), assembles the
// application, starts the HTTP server, and handles graceful shutdown on
// SIGINT/SIGTERM.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/dskow/orchestrator-core/internal/app"
	"github.com/dskow/orchestrator-core/internal/config"
	"github.com/dskow/orchestrator-core/internal/logging"
	"github.com/dskow/orchestrator-core/internal/metrics"
)

func main() {
	configPath := flag.String("config", "configs/orchestrator.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger for config-load failures; replaced once the config's
	// logging section is known.
	bootstrap := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))

	cfg, created, err := config.LoadOrCreate(*configPath)
	if err != nil {
		bootstrap.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	logger, logCloser, err := logging.Setup(cfg.Logging)
	if err != nil {
		bootstrap.Error("failed to set up logging", "error", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}

	if created {
		logger.Info("default configuration written", "path", *configPath)
	}
	for _, w := range cfg.Warnings {
		logger.Warn("config warning", "message", w)
	}

	logger.Info("configuration loaded",
		"port", cfg.Server.Port,
		"endpoints", len(cfg.Endpoints),
		"health_check_enabled", cfg.HealthCheck.IsEnabled(),
		"rate_limit_enabled", cfg.RateLimit.Enabled,
		"admin_enabled", cfg.Admin.Enabled,
		"metrics_enabled", cfg.Metrics.IsEnabled(),
	)

	if cfg.Metrics.IsEnabled() {
		metrics.Init()
	}

	a := app.New(cfg, logger)

	reloader := config.NewReloader(*configPath, cfg, logger)
	reloader.Start()
	defer reloader.Stop()
	reloader.OnReload(a.ApplyConfig)

	errCh := a.Start(a.Handler(reloader))

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	logger.Info("draining in-flight requests", "timeout", cfg.Server.ShutdownTimeout)
	if err := a.Shutdown(ctx); err != nil {
		logger.Error("forced shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("orchestrator stopped gracefully")
}
