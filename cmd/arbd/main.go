// Crossarb — a cross-venue arbitrage pipeline that turns quote spreads into
// simulated trades over a streams-based message bus.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires scanner → risk → executor → sim → assembler
//	scanner/scanner.go    — compares two venues' quotes, emits opportunities to the bus
//	instrument/options.go — canonical option ids so venues with different encodings pair up
//	risk/risk.go          — policy gate: approves opportunities onto arb.approved
//	executor/executor.go  — multi-leg router: protective leg first, IOC orders, realized PnL
//	sim/sim.go            — paper venue: answers every order with a full fill at estPx
//	assembler/assembler.go— joins fills into trade records, persists and republishes them
//	toggles/              — runtime autoTrade/mode switches read from the bus every second
//	bus/                  — Redis Streams transport with an in-memory twin for paper runs
//	store/store.go        — SQLite persistence for completed trades
//	api/                  — ops server: health, metrics, toggles, trades, WebSocket tail
//
// How it trades:
//
//	The scanner finds instruments quoted on both venues and looks for a
//	crossed book: one venue's bid above the other's ask. Each candidate is
//	priced in basis points, filtered, and published. The executor sells on
//	the expensive venue first, then buys on the cheap one, so a failed
//	second leg leaves no unhedged long. Everything runs against the order
//	simulator until live venue adapters are plugged into the same streams.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"crossarb/internal/api"
	"crossarb/internal/config"
	"crossarb/internal/engine"
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

	// Start ops server if enabled
	var opsServer *api.Server
	if cfg.Ops.Enabled {
		opsServer = api.NewServer(cfg.Ops, eng.Bus(), eng.Toggles(), eng.TradeStore(), logger)
		go func() {
			if err := opsServer.Start(); err != nil {
				logger.Error("ops server failed", "error", err)
			}
		}()
		logger.Info("ops server started", "url", fmt.Sprintf("http://localhost:%d", cfg.Ops.Port))
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	logger.Info("crossarb started",
		"venues", fmt.Sprintf("%s/%s", cfg.Scanner.VenueA, cfg.Scanner.VenueB),
		"scan_interval", cfg.Scanner.ScanInterval,
		"min_net_bps", cfg.Scanner.MinNetBps,
	)

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	// Stop the ops server first
	if opsServer != nil {
		if err := opsServer.Stop(); err != nil {
			logger.Error("failed to stop ops server", "error", err)
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
