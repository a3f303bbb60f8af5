// Funding-rate arbitrage bot — delta-neutral hedges across perp-futures DEXes.
//
// Architecture:
//
//	main.go              — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go     — orchestrator: monitor → close → open cycle over all subsystems
//	scanner/scanner.go   — ranks funding opportunities from the external store, sizes hedges
//	executor/executor.go — atomic two-leg execution with price alignment and rollback
//	risk/controller.go   — exit waterfall (flip, erosion, age) plus critical detectors
//	profit/monitor.go    — BBO-driven opportunistic closes while a hedge is profitable
//	venue/client.go      — Binance-style REST client per venue (signed, rate limited)
//	venue/connector.go   — public/private WebSocket feeds with auto-reconnect
//	prices/provider.go   — venue-spanning BBO lookup with TTL cache
//	store/store.go       — SQLite persistence for positions, fills, funding, sessions
//	api/server.go        — dashboard HTTP/WebSocket surface with control commands
//
// How it makes money:
//
//	Perp venues charge funding between longs and shorts at different rates.
//	When the short side of venue A pays more than the long side of venue B
//	costs, the bot opens a long on B and a short on A in the same asset.
//	Price moves cancel across the two legs; the funding-rate divergence is
//	collected until it erodes, flips, or the hedge ages out.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"funding-arb/internal/api"
	"funding-arb/internal/config"
	"funding-arb/internal/engine"
)

func main() {
	// Load config
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("ARB_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	// Set up logger
	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	// Create and start engine
	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	// Start dashboard API server if enabled
	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(*cfg, eng, eng, eng.Store(), eng.SessionID(), logger)
		eng.SetDashboard(apiServer)
		go func() {
			if err := apiServer.Start(); err != nil {
				logger.Error("dashboard server failed", "error", err)
			}
		}()
		logger.Info("dashboard started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}

	logger.Info("funding arbitrage bot started",
		"venues", len(cfg.Venues),
		"max_positions", cfg.Strategy.MaxPositions,
		"max_exposure_usd", cfg.Strategy.MaxTotalExposureUSD,
		"dry_run", cfg.DryRun,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop dashboard first
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop dashboard", "error", err)
		}
	}

	eng.Stop()
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
