// Package main is the entry point for the titan coordination core.
// The core hosts every worker module of the trading platform: the signal
// pipeline, execution boundary, capital control, guards, health supervision,
// and the ops HTTP plane, all coordinating over a shared Redis-style bus.
//
// The process follows a strict startup sequence:
// - Load configuration from environment variables (.env supported)
// - Initialize structured logging
// - Wire all dependencies via the DI container (bus, journal, modules, jobs)
// - Start the supervisor, scheduler, ops server, and config watcher
// - Wait for a shutdown signal and drain everything gracefully
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/titanlabs/titan/internal/config"
	"github.com/titanlabs/titan/internal/di"
	"github.com/titanlabs/titan/pkg/logger"
)

func main() {
	// Load configuration first to get the log level. Configuration comes
	// from environment variables; a .env file is honored when present.
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still logged.
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{Level: cfg.LogLevel, Pretty: cfg.LogPretty})
	log.Info().
		Str("tenant", cfg.TenantID).
		Strs("tenants", cfg.Tenants).
		Str("symbol", cfg.Symbol).
		Msg("Starting titan core")

	// runCtx bounds everything that should stop on shutdown: the module
	// supervisor and the config watcher. Cancelling it begins the drain.
	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Wire all dependencies: bus (with optional failover secondary),
	// journal, shared stores, worker modules, cron jobs, and the ops server.
	container, err := di.Wire(runCtx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	// The supervisor runs every worker module until the context ends.
	// Each worker registers itself, ticks on its own cadence, and consumes
	// its declared subscriptions.
	supDone := make(chan error, 1)
	go func() { supDone <- container.Supervisor.Run(runCtx) }()

	// Cron jobs: session close, allocation optimizer, config drift check,
	// latency report, monthly tax report.
	container.Scheduler.Start()

	// Ops server: health probes, read-only status API, prometheus metrics,
	// and the websocket event stream.
	go func() {
		if err := container.Server.Start(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start ops server")
		}
	}()
	log.Info().Str("addr", cfg.OpsAddr).Msg("Ops server started")

	// Config watcher: re-reads the .env document on change and swaps the
	// versioned store. The drift guard and client publisher react on their
	// next run; no worker restarts are needed.
	go func() {
		if err := container.Watcher.Run(runCtx); err != nil && runCtx.Err() == nil {
			log.Warn().Err(err).Msg("Config watcher stopped")
		}
	}()

	// Block until SIGINT or SIGTERM.
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	// The shutdown deadline bounds the whole drain: in-flight ops requests,
	// running cron jobs, and worker subscription queues.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Runtime.ShutdownDeadline)
	defer shutdownCancel()

	// Stop intake first so no new requests or jobs start during the drain.
	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Ops server forced to shutdown")
	}
	container.Scheduler.Stop()

	// Cancel the run context: workers drain their queues, publish their
	// stopped events, and deregister.
	cancel()
	select {
	case err := <-supDone:
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Supervisor exited with error")
		}
	case <-shutdownCtx.Done():
		log.Warn().Msg("Shutdown deadline exceeded with workers still draining")
	}

	log.Info().Msg("Core stopped")
}
