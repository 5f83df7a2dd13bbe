// Deluthium Liquidity Bridge — republishes a single upstream RFQ
// liquidity source onto heterogeneous downstream trading venues.
//
// Architecture:
//
//	main.go                — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go       — orchestrator: wires upstream → cache/lifecycle → venues, owns all goroutines
//	upstream/client.go     — REST client for the RFQ source (pairs, indicative, firm) with retry + breaker
//	ratecache/             — per-pair rate cache with TTL and the periodic publisher loop
//	lifecycle/engine.go    — the quote state machine: Quoted → Accepted → Executed → Settled
//	fix/                   — FIX 4.4 acceptor: framing, checksum, sequence discipline, quote routing
//	orderbook/             — reconciliation loop mirroring upstream mids as downstream limit orders
//	splitrouter/           — two-phase optimiser allocating a trade across RFQ and AMM venues
//	wsrfq/                 — WebSocket RFQ network connector (price levels out, signed quotes back)
//	aggregator/            — REST pool surface polled by aggregators, signed calldata on demand
//	journal/ + audit/      — append-only event journal behind the audit trail
//	admin/                 — health, status and Prometheus metrics
//
// How it serves flow:
//
//	Counterparties pull quotes over FIX or the RFQ network; the bridge
//	prices them from the upstream source, holds the lifecycle state,
//	and executes accepted quotes through upstream firm quotes. Passive
//	venues (aggregator pools, order books) are fed by the rate cache
//	and the bridge reconciler instead.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"deluthium-bridge/internal/config"
	"deluthium-bridge/internal/engine"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("BRIDGE_CONFIG"); p != "" {
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

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	logger := slog.New(handler)

	eng, err := engine.New(*cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no downstream orders will be placed")
	}

	logger.Info("liquidity bridge started",
		"chain_id", cfg.Upstream.ChainID,
		"fix_enabled", cfg.FIX.Enabled,
		"bridge_enabled", cfg.Bridge.Enabled,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

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
