// Package main is the entry point for the Helmsman portfolio decision service.
// It wires the decision pipeline (ingestion, translation, solvers behind the
// fallback breaker), the safety gate with its live metrics feed, the signed
// decision ledger, the backtest work processor and the supervisory scheduler,
// then serves the HTTP API.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/helmsman/internal/config"
	"github.com/aristath/helmsman/internal/di"
	"github.com/aristath/helmsman/internal/server"
	"github.com/aristath/helmsman/pkg/logger"
)

func main() {
	// Load configuration first to get the log level
	cfg, err := config.Load()
	if err != nil {
		// Use fallback logger if config fails
		fallbackLog := logger.New(logger.Config{
			Level:  "info",
			Pretty: true,
		})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: true,
	})

	log.Info().Msg("Starting Helmsman")

	// Wire all dependencies using DI container
	// This initializes databases, the decision pipeline, the safety gate,
	// the ledger, the work processor and the background job scheduler.
	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}

	// Both databases must be closed on exit so WAL checkpoints are written
	defer container.Close()

	// Start the safety metrics feed when configured. A failed first dial
	// keeps retrying in the background, so startup proceeds either way.
	if container.MetricsFeed != nil {
		if err := container.MetricsFeed.Start(); err != nil {
			log.Warn().Err(err).Msg("Metrics feed not connected yet, retrying in background")
		}
	}

	// Start work processor for queued backtest runs
	go container.WorkProcessor.Run()
	log.Info().Msg("Work processor started")

	// Start the supervisory scheduler (staleness sweeps, database upkeep, archival)
	container.Scheduler.Start()

	// Initialize HTTP server
	srv := server.New(server.Config{
		Log:       log,
		Cfg:       cfg,
		Container: container,
		Port:      cfg.Port,
		DevMode:   cfg.DevMode,
	})

	// Start server in goroutine so shutdown handling below can run
	go func() {
		if err := srv.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	log.Info().Int("port", cfg.Port).Msg("Server started successfully")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	// Stop background work first so nothing races the closing databases
	container.Scheduler.Stop()

	if container.MetricsFeed != nil {
		if err := container.MetricsFeed.Stop(); err != nil {
			log.Error().Err(err).Msg("Error stopping metrics feed")
		} else {
			log.Info().Msg("Metrics feed stopped")
		}
	}

	container.WorkProcessor.Stop()
	log.Info().Msg("Work processor stopped")

	// In-flight requests get up to 10 seconds to finish
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	log.Info().Msg("Server stopped")
}
