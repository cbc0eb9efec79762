// Tradeflow — an event-driven trading engine for US equities with demo
// (paper) matching and live routing through the Alpaca brokerage API.
//
// Architecture:
//
//	main.go               — entry point: loads config, starts engine, waits for SIGINT/SIGTERM
//	engine/engine.go      — orchestrator: wires provider → strategies → converter → execution over the event bus
//	bus/bus.go            — typed pub/sub event bus: market data, signals, orders, fills, status
//	marketdata/           — Alpaca WebSocket stream + historical REST client, or the random-walk simulator
//	backfill/backfill.go  — replays historical bars through the bus so indicators warm up before live data
//	strategy/             — VWAP bounce and opening-range breakout, built on shared indicator state
//	converter/converter.go— turns strategy signals into risk-checked orders
//	risk/risk.go          — order notional, daily volume, order count, concentration, and loss limits
//	execution/execution.go— demo matcher against a synthesized book, or order routing to the broker
//	portfolio/portfolio.go— positions, realized/unrealized PnL, equity
//	storage/file.go       — JSON file persistence for orders, trades, positions, audit log
//	api/server.go         — dashboard REST + WebSocket event stream + Prometheus metrics
//
// How a trade happens:
//
//	Bars arrive from the provider and fan out on the bus. A strategy keeps
//	per-symbol indicator state and emits a signal when its setup triggers.
//	The converter gates the signal on confidence, validates it against the
//	risk limits, and publishes an order. The execution engine fills it
//	against the synthesized book (demo) or routes it to the broker (live),
//	and the fill flows back through the portfolio, the risk ledger, and
//	every strategy that wants to know.
package main

import (
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"tradeflow/internal/config"
	"tradeflow/internal/engine"
)

func main() {
	// .env is optional; real deployments set the environment directly.
	_ = godotenv.Load()

	cfgPath := "configs/config.yaml"
	if p := os.Getenv("TRADEFLOW_CONFIG"); p != "" {
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

	eng, err := engine.New(cfg, logger)
	if err != nil {
		logger.Error("failed to create engine", "error", err)
		os.Exit(1)
	}

	if err := eng.Start(); err != nil {
		logger.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	if cfg.Execution.Mode == config.ModeDemo {
		logger.Warn("DEMO MODE — orders are matched internally, nothing reaches a venue")
	}

	logger.Info("tradeflow started",
		"mode", cfg.Execution.Mode,
		"provider", cfg.Provider.Kind,
		"strategies", len(cfg.Strategies),
		"symbols", cfg.Symbols(),
	)

	// Wait for shutdown signal
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
