// Package engine is the central orchestrator of the trading system.
//
// It wires together all subsystems:
//
//  1. A market data provider (live WebSocket feed or seeded simulator)
//     publishes bars onto the event bus.
//  2. Strategies consume bars and publish signals; the converter validates
//     signals against the risk manager and publishes orders.
//  3. The execution engine fills orders (demo matching or a live broker
//     route) and reports fills back to strategies and the portfolio.
//  4. Persistence (orders, positions, trades, audit trail) goes through
//     circuit breakers so storage trouble degrades instead of stopping
//     the trading path.
//  5. An optional dashboard server exposes snapshots, metrics and a
//     WebSocket stream of every bus event.
//
// Startup is ordered consumers-first so the first published bar already
// has its full pipeline; shutdown is the reverse.
//
// Lifecycle: New() → Start() → [runs until SIGINT] → Stop()
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"tradeflow/internal/api"
	"tradeflow/internal/audit"
	"tradeflow/internal/backfill"
	"tradeflow/internal/breaker"
	"tradeflow/internal/broker"
	alpacabroker "tradeflow/internal/broker/alpaca"
	"tradeflow/internal/bus"
	"tradeflow/internal/config"
	"tradeflow/internal/converter"
	"tradeflow/internal/execution"
	"tradeflow/internal/marketdata"
	"tradeflow/internal/portfolio"
	"tradeflow/internal/risk"
	"tradeflow/internal/storage"
	"tradeflow/internal/strategy"
	"tradeflow/pkg/types"
)

// Engine orchestrates all components of the trading system. It owns their
// lifecycles and implements the dashboard's state source.
type Engine struct {
	cfg    *config.Config
	logger *slog.Logger

	bus        *bus.Bus
	breakers   *breaker.Manager
	store      *storage.FileStore
	auditLog   *audit.Logger
	pf         *portfolio.Store
	riskMgr    *risk.Manager
	provider   marketdata.Provider
	replay     *backfill.Runner
	conv       *converter.Converter
	exec       *execution.Engine
	strategies []strategy.Strategy
	apiServer  *api.Server

	// symbols is the union of all strategy symbols; the provider
	// subscription and the backfill replay both run against it.
	symbols []string

	mu      sync.Mutex
	started bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New creates and wires all engine components. The config must already be
// validated; timezone or storage problems still surface here.
func New(cfg *config.Config, logger *slog.Logger) (*Engine, error) {
	marketLoc, err := cfg.MarketLocation()
	if err != nil {
		return nil, fmt.Errorf("market timezone: %w", err)
	}
	riskLoc, err := cfg.RiskLocation()
	if err != nil {
		return nil, fmt.Errorf("risk timezone: %w", err)
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "engine"),
		symbols: cfg.Symbols(),
	}

	e.bus = bus.New(cfg.Bus.Buffer, logger)

	e.breakers = breaker.NewManager(breaker.Config{
		FailureThreshold:  cfg.Breaker.FailureThreshold,
		OpenDuration:      cfg.Breaker.OpenDuration,
		HalfOpenSuccesses: cfg.Breaker.HalfOpenSuccesses,
	}, e.onBreakerChange, logger)

	st, err := storage.Open(cfg.Storage.DataDir)
	if err != nil {
		e.bus.Close()
		return nil, fmt.Errorf("open storage: %w", err)
	}
	e.store = st

	e.auditLog = audit.New(st, 0, logger)

	// Close whatever is already running when wiring fails later on.
	fail := func(err error) (*Engine, error) {
		e.auditLog.Close()
		e.bus.Close()
		if cerr := e.store.Close(); cerr != nil {
			logger.Error("store close error", "error", cerr)
		}
		return nil, err
	}

	e.pf = portfolio.NewStore(cfg.Risk.BaseEquity, st, e.breakers, logger)
	if err := e.pf.Load(); err != nil {
		return fail(fmt.Errorf("load portfolio: %w", err))
	}

	e.riskMgr = risk.New(risk.Limits{
		MaxPositionNotional:    cfg.Risk.MaxPositionNotional,
		MaxOrdersPerDay:        cfg.Risk.MaxOrdersPerDay,
		MaxDailyDollarVolume:   cfg.Risk.MaxDailyDollarVolume,
		MaxSymbolConcentration: cfg.Risk.MaxSymbolConcentration,
		MaxDailyLoss:           cfg.Risk.MaxDailyLoss,
	}, e.pf.TotalEquity, riskLoc, logger)

	e.provider, err = buildProvider(cfg, e.bus, logger)
	if err != nil {
		return fail(err)
	}

	if cfg.Backfill.Enabled {
		e.replay = backfill.New(backfill.Config{
			LookbackDays: cfg.Backfill.LookbackDays,
			Timeframe:    cfg.Backfill.Timeframe,
			BatchSize:    cfg.Backfill.BatchSize,
			BatchPause:   cfg.Backfill.BatchPause,
			FetchTimeout: cfg.Backfill.FetchTimeout,
		}, e.provider, e.bus, logger)
	}

	e.conv = converter.New(cfg.Converter.MinConfidence, e.bus, e.riskMgr, e.auditLog, logger)
	if !cfg.Converter.Enabled {
		e.conv.SetEnabled(false)
	}

	var route broker.Broker
	if cfg.Execution.Mode == config.ModeLive {
		route = alpacabroker.New(alpacabroker.Config{
			Key:     cfg.Broker.Key,
			Secret:  cfg.Broker.Secret,
			BaseURL: cfg.Broker.BaseURL,
		}, logger)
	}

	e.exec = execution.New(execution.Config{
		Mode:          cfg.Execution.Mode,
		SpreadPct:     cfg.Execution.SpreadPct,
		SlippagePct:   cfg.Execution.SlippagePct,
		Commission:    cfg.Execution.Commission,
		MatchInterval: cfg.Execution.MatchInterval,
	}, e.bus, e.riskMgr, e.pf, st, e.breakers, e.auditLog, route, logger)

	for _, sc := range cfg.Strategies {
		s, err := strategy.New(sc.Kind, sc.ID, sc.Symbols, strategy.Params(sc.Params), strategy.Deps{
			Bus:      e.bus,
			Logger:   logger,
			MarketTZ: marketLoc,
		})
		if err != nil {
			return fail(fmt.Errorf("strategy %q: %w", sc.ID, err))
		}
		e.strategies = append(e.strategies, s)
	}

	if cfg.API.Enabled {
		e.apiServer = api.NewServer(api.Config{
			Port:           cfg.API.Port,
			AllowedOrigins: cfg.API.AllowedOrigins,
		}, e, e.bus, logger)
	}

	e.ctx, e.cancel = context.WithCancel(context.Background())

	return e, nil
}

func buildProvider(cfg *config.Config, b *bus.Bus, logger *slog.Logger) (marketdata.Provider, error) {
	switch cfg.Provider.Kind {
	case config.ProviderSim:
		return marketdata.NewSimProvider(marketdata.SimConfig{
			Seed:       cfg.Provider.Sim.Seed,
			Interval:   cfg.Provider.Sim.Interval,
			StartPrice: cfg.Provider.Sim.StartPrice,
			Drift:      cfg.Provider.Sim.Drift,
			Volatility: cfg.Provider.Sim.Volatility,
			BaseVolume: cfg.Provider.Sim.BaseVolume,
		}, b, logger), nil

	case config.ProviderAlpaca:
		history := marketdata.NewHistoryClient(marketdata.HistoryConfig{
			BaseURL:        cfg.Provider.History.BaseURL,
			Key:            cfg.Provider.Key,
			Secret:         cfg.Provider.Secret,
			RequestTimeout: cfg.Provider.History.RequestTimeout,
			PageLimit:      cfg.Provider.History.PageLimit,
			Burst:          cfg.Provider.History.Burst,
			RatePerSecond:  cfg.Provider.History.RatePerSecond,
		}, logger)
		return marketdata.NewFeed(marketdata.StreamConfig{
			URL:                  cfg.Provider.Stream.URL,
			Key:                  cfg.Provider.Key,
			Secret:               cfg.Provider.Secret,
			ReconnectDelay:       cfg.Provider.Stream.ReconnectDelay,
			MaxReconnectDelay:    cfg.Provider.Stream.MaxReconnectDelay,
			MaxReconnectAttempts: cfg.Provider.Stream.MaxReconnectAttempts,
		}, history, b, logger), nil
	}
	return nil, fmt.Errorf("unknown provider kind %q", cfg.Provider.Kind)
}

// Start brings components up in dependency order: execution and converter
// first, then strategies, then the market data provider, so the first bar
// published already has its full pipeline listening. Backfill and the
// dashboard run in background goroutines.
func (e *Engine) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return errors.New("engine already started")
	}
	if e.cancel == nil {
		return errors.New("engine already stopped")
	}

	e.bus.Publish(bus.NewSystemStatus("engine", bus.StatusStarting, "starting components"))

	if err := e.exec.Start(e.ctx); err != nil {
		return e.failStart(fmt.Errorf("start execution: %w", err))
	}
	if err := e.conv.Start(e.ctx); err != nil {
		return e.failStart(fmt.Errorf("start converter: %w", err))
	}

	for _, st := range e.strategies {
		if err := st.Initialize(e.ctx); err != nil {
			return e.failStart(fmt.Errorf("initialize strategy %s: %w", st.ID(), err))
		}
		if err := st.Start(e.ctx); err != nil {
			return e.failStart(fmt.Errorf("start strategy %s: %w", st.ID(), err))
		}
	}

	if err := e.provider.Connect(e.ctx); err != nil {
		return e.failStart(fmt.Errorf("connect provider: %w", err))
	}
	if err := e.provider.Subscribe(e.symbols...); err != nil {
		return e.failStart(fmt.Errorf("subscribe symbols: %w", err))
	}

	// Replay history in the background; strategies treat replayed bars
	// like any others, so warmup happens while live bars queue behind.
	if e.replay != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.replay.Run(e.ctx, e.symbols); err != nil && e.ctx.Err() == nil {
				e.logger.Error("backfill failed", "error", err)
			}
		}()
	}

	if e.apiServer != nil {
		e.wg.Add(1)
		go func() {
			defer e.wg.Done()
			if err := e.apiServer.Start(); err != nil {
				e.logger.Error("dashboard server error", "error", err)
			}
		}()
	}

	e.started = true
	e.bus.Publish(bus.NewSystemStatus("engine", bus.StatusRunning, "all components started"))
	e.logger.Info("engine started",
		"mode", e.cfg.Execution.Mode,
		"provider", e.cfg.Provider.Kind,
		"strategies", len(e.strategies),
		"symbols", e.symbols,
	)
	return nil
}

// failStart unwinds a partial startup. Called with e.mu held; component
// Stops are no-ops for components that never started.
func (e *Engine) failStart(err error) error {
	e.stopComponents()
	return err
}

// Stop gracefully shuts down: intake first (dashboard, provider), then the
// pipeline back to front, then waits for goroutines and closes resources.
// Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.started = false
	e.mu.Unlock()
	if cancel == nil {
		return
	}

	e.logger.Info("shutting down...")
	e.bus.Publish(bus.NewSystemStatus("engine", bus.StatusStopped, "shutting down"))

	cancel() // ends the backfill replay
	e.stopComponents()
	e.wg.Wait()

	e.auditLog.Close()
	e.bus.Close()
	if err := e.store.Close(); err != nil {
		e.logger.Error("store close error", "error", err)
	}

	e.logger.Info("shutdown complete")
}

func (e *Engine) stopComponents() {
	if e.apiServer != nil {
		if err := e.apiServer.Stop(); err != nil {
			e.logger.Error("dashboard shutdown error", "error", err)
		}
	}
	if err := e.provider.Disconnect(); err != nil {
		e.logger.Error("provider disconnect error", "error", err)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for _, st := range e.strategies {
		if err := st.Stop(stopCtx); err != nil {
			e.logger.Error("strategy stop error", "strategy", st.ID(), "error", err)
		}
	}
	if err := e.conv.Stop(stopCtx); err != nil {
		e.logger.Error("converter stop error", "error", err)
	}
	e.exec.Stop()
}

// onBreakerChange reports breaker transitions as system status events so
// dashboards see persistence degrade and recover.
func (e *Engine) onBreakerChange(name string, from, to gobreaker.State) {
	status := bus.StatusRunning
	if to == gobreaker.StateOpen {
		status = bus.StatusError
	}
	e.bus.Publish(bus.NewSystemStatus("breaker:"+name, status,
		fmt.Sprintf("%s -> %s", from, to)))
}

// Bus returns the engine's event bus.
func (e *Engine) Bus() *bus.Bus { return e.bus }

// Positions returns all open positions for the dashboard.
func (e *Engine) Positions() []types.Position { return e.pf.Positions() }

// PendingOrders returns orders still working in the execution engine.
func (e *Engine) PendingOrders() []execution.PendingOrder { return e.exec.Pending() }

// Quotes returns the synthesized top-of-book per subscribed symbol.
func (e *Engine) Quotes() []types.MarketPrice { return e.exec.Quotes() }

// RiskLedger returns today's order count, dollar volume and realized PnL.
func (e *Engine) RiskLedger() risk.LedgerSnapshot { return e.riskMgr.Snapshot() }

// BreakerStates returns the circuit state per persistence resource.
func (e *Engine) BreakerStates() map[string]string { return e.breakers.States() }

// StrategyStates reports each strategy instance's lifecycle state.
func (e *Engine) StrategyStates() []api.StrategyStatus {
	out := make([]api.StrategyStatus, 0, len(e.strategies))
	for _, st := range e.strategies {
		out = append(out, api.StrategyStatus{
			ID:      st.ID(),
			Name:    st.Name(),
			Symbols: st.Symbols(),
			Running: st.IsRunning(),
		})
	}
	return out
}

// BusDrops returns the dropped-event count per bus event type.
func (e *Engine) BusDrops() map[string]uint64 {
	out := make(map[string]uint64, len(bus.AllEventTypes))
	for _, t := range bus.AllEventTypes {
		out[string(t)] = e.bus.Dropped(t)
	}
	return out
}

// TotalEquity is base equity plus realized and unrealized PnL.
func (e *Engine) TotalEquity() float64 { return e.pf.TotalEquity() }

// RealizedPnL is the cumulative realized PnL across all closed quantity.
func (e *Engine) RealizedPnL() float64 { return e.pf.RealizedPnL() }

// ConverterEnabled reports whether signals currently become orders.
func (e *Engine) ConverterEnabled() bool { return e.conv.Enabled() }

// SetConverterEnabled flips the engine between trading and observation.
func (e *Engine) SetConverterEnabled(enabled bool) { e.conv.SetEnabled(enabled) }
