package strategy

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"tradeflow/internal/bus"
	"tradeflow/internal/metrics"
	"tradeflow/pkg/types"
)

// Base owns a strategy's bus plumbing: subscriptions to market data and
// order fills, the event loop, and signal emission. Concrete strategies
// embed it and install callbacks before Start.
//
// Callbacks run on the loop goroutine, so per-symbol strategy state needs
// no locking. Events for symbols the strategy does not track are dropped
// before the callback; fill events are additionally filtered to this
// strategy's own orders.
type Base struct {
	id      string
	name    string
	symbols map[string]bool
	order   []string // Symbols() in configured order
	bus     *bus.Bus
	logger  *slog.Logger

	OnMarketData  func(bus.MarketDataEvent)
	OnOrderFilled func(bus.OrderFilledEvent)

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running atomic.Bool
}

// NewBase creates the runner for one strategy instance.
func NewBase(id, name string, symbols []string, b *bus.Bus, logger *slog.Logger) *Base {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &Base{
		id:      id,
		name:    name,
		symbols: set,
		order:   append([]string(nil), symbols...),
		bus:     b,
		logger:  logger.With("component", "strategy", "strategy", id),
	}
}

func (b *Base) ID() string   { return b.id }
func (b *Base) Name() string { return b.name }

// Symbols returns the tracked symbols in configured order.
func (b *Base) Symbols() []string {
	return append([]string(nil), b.order...)
}

// IsRunning reports whether the event loop is live.
func (b *Base) IsRunning() bool { return b.running.Load() }

// Start subscribes to the bus and launches the event loop.
func (b *Base) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		return errors.New("strategy already running")
	}

	mdSub, err := b.bus.Subscribe(bus.EventMarketData)
	if err != nil {
		return err
	}
	fillSub, err := b.bus.Subscribe(bus.EventOrderFilled)
	if err != nil {
		b.bus.Unsubscribe(mdSub)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	b.cancel = cancel
	b.running.Store(true)

	b.wg.Add(1)
	go b.loop(loopCtx, mdSub, fillSub)

	b.logger.Info("strategy started", "symbols", b.order)
	return nil
}

// Stop halts the loop and drops the subscriptions. Blocks until the loop
// has exited.
func (b *Base) Stop(ctx context.Context) error {
	b.mu.Lock()
	cancel := b.cancel
	b.cancel = nil
	b.mu.Unlock()
	if cancel == nil {
		return nil
	}

	b.running.Store(false)
	cancel()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.logger.Info("strategy stopped")
	return nil
}

func (b *Base) loop(ctx context.Context, mdSub, fillSub *bus.Subscription) {
	defer b.wg.Done()
	defer b.bus.Unsubscribe(mdSub)
	defer b.bus.Unsubscribe(fillSub)

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-mdSub.Events():
			if !ok {
				return
			}
			md, isBar := ev.(bus.MarketDataEvent)
			if !isBar || !b.symbols[md.Bar.Symbol] {
				continue
			}
			if b.OnMarketData != nil {
				b.OnMarketData(md)
			}

		case ev, ok := <-fillSub.Events():
			if !ok {
				return
			}
			fill, isFill := ev.(bus.OrderFilledEvent)
			if !isFill || fill.StrategyID != b.id || !b.symbols[fill.Symbol] {
				continue
			}
			if b.OnOrderFilled != nil {
				b.OnOrderFilled(fill)
			}
		}
	}
}

// PublishSignal emits a trading signal. Signals are dropped once the
// strategy is stopped so a draining loop cannot trade after Stop.
func (b *Base) PublishSignal(symbol string, action types.Action, confidence, price, qty float64, reason string) {
	if !b.running.Load() {
		b.logger.Debug("signal dropped, strategy not running", "symbol", symbol, "action", action)
		return
	}

	b.bus.Publish(bus.NewSignal(b.id, symbol, action, confidence, price, qty, reason))
	metrics.SignalsEmitted.WithLabelValues(b.name, string(action)).Inc()

	b.logger.Info("signal emitted",
		"symbol", symbol,
		"action", action,
		"confidence", confidence,
		"qty", qty,
		"reason", reason,
	)
}
