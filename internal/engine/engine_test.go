package engine

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"tradeflow/internal/bus"
	"tradeflow/internal/config"
	"tradeflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// testConfig wires a fully offline engine: a sim provider that stays
// quiet for an hour so only bars published by the test reach the
// strategies, no backfill, no dashboard, demo execution, no risk limits.
// The matcher ticks fast so a market order that raced ahead of the first
// quote still fills promptly.
func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := &config.Config{
		Logging: config.LoggingConfig{Level: "info", Format: "text"},
		Market:  config.MarketConfig{Timezone: "UTC"},
		Bus:     config.BusConfig{Buffer: 256},
		Provider: config.ProviderConfig{
			Kind: config.ProviderSim,
			Sim:  config.SimConfig{Seed: 7, Interval: time.Hour, StartPrice: 100},
		},
		Strategies: []config.StrategyConfig{
			{ID: "v1", Kind: "vwap_bounce", Symbols: []string{"AAPL"}},
		},
		Converter: config.ConverterConfig{MinConfidence: 0.7, Enabled: true},
		Risk:      config.RiskConfig{Timezone: "UTC", BaseEquity: 100000},
		Execution: config.ExecutionConfig{
			Mode:          config.ModeDemo,
			SpreadPct:     0.1,
			SlippagePct:   0.05,
			MatchInterval: 50 * time.Millisecond,
		},
		Breaker: config.BreakerConfig{
			FailureThreshold:  5,
			OpenDuration:      10 * time.Second,
			HalfOpenSuccesses: 2,
		},
		Storage: config.StorageConfig{DataDir: t.TempDir()},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatal(err)
	}
	return cfg
}

func publishClose(e *Engine, ts time.Time, closePrice float64) {
	e.Bus().Publish(bus.NewMarketData(types.Bar{
		Symbol:    "AAPL",
		Timestamp: ts,
		Open:      closePrice,
		High:      closePrice,
		Low:       closePrice,
		Close:     closePrice,
		Volume:    1000,
	}))
}

func TestEngineStartStop(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}

	if !eng.provider.IsConnected() {
		t.Error("provider not connected after Start")
	}
	states := eng.StrategyStates()
	if len(states) != 1 || !states[0].Running {
		t.Errorf("strategy states = %+v, want v1 running", states)
	}
	if !eng.ConverterEnabled() {
		t.Error("converter should start enabled")
	}
	if err := eng.Start(); err == nil {
		t.Error("second Start must fail")
	}

	drops := eng.BusDrops()
	for _, et := range bus.AllEventTypes {
		if _, ok := drops[string(et)]; !ok {
			t.Errorf("BusDrops missing %s", et)
		}
	}

	eng.Stop()

	if eng.provider.IsConnected() {
		t.Error("provider still connected after Stop")
	}
	if states := eng.StrategyStates(); states[0].Running {
		t.Error("strategy still running after Stop")
	}

	// Stop is idempotent and Start cannot revive a stopped engine.
	eng.Stop()
	if err := eng.Start(); err == nil {
		t.Error("Start after Stop must fail")
	}
}

// TestEngineTradesEndToEnd drives the full pipeline: bars in, strategy
// signal, risk-checked order, demo fill, portfolio and ledger updated.
func TestEngineTradesEndToEnd(t *testing.T) {
	t.Parallel()

	eng, err := New(testConfig(t), testLogger())
	if err != nil {
		t.Fatal(err)
	}

	fills, err := eng.Bus().Subscribe(bus.EventOrderFilled)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Stop)

	// Twenty flat bars warm the indicators, then a close 0.2% above VWAP
	// inside the entry band triggers the bounce entry.
	base := time.Date(2026, time.January, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		publishClose(eng, base.Add(time.Duration(i)*time.Minute), 100.0)
	}
	publishClose(eng, base.Add(20*time.Minute), 100.2)

	var fill bus.OrderFilledEvent
	select {
	case ev := <-fills.Events():
		fill = ev.(bus.OrderFilledEvent)
	case <-time.After(5 * time.Second):
		t.Fatal("no fill before timeout")
	}

	if fill.Symbol != "AAPL" || fill.Side != types.SideBuy {
		t.Fatalf("fill = %+v, want AAPL BUY", fill)
	}
	if fill.StrategyID != "v1" {
		t.Errorf("StrategyID = %q, want v1", fill.StrategyID)
	}
	if fill.FilledQty != 100 {
		t.Errorf("FilledQty = %v, want 100", fill.FilledQty)
	}
	// Ask plus slippage lands a touch over the close.
	if fill.FillPrice <= 100 || fill.FillPrice >= 101 {
		t.Errorf("FillPrice = %v, want just above 100", fill.FillPrice)
	}

	// The portfolio is updated before the fill event is published.
	positions := eng.Positions()
	if len(positions) != 1 {
		t.Fatalf("positions = %+v, want one", positions)
	}
	pos := positions[0]
	if pos.Symbol != "AAPL" || pos.Side != types.PositionLong || pos.Quantity != 100 {
		t.Fatalf("position = %+v, want 100 long AAPL", pos)
	}
	if pos.AveragePrice != fill.FillPrice {
		t.Errorf("AveragePrice = %v, want fill price %v", pos.AveragePrice, fill.FillPrice)
	}

	if len(eng.PendingOrders()) != 0 {
		t.Errorf("pending orders = %+v, want none after full fill", eng.PendingOrders())
	}

	if got := eng.RiskLedger().OrdersToday; got != 1 {
		t.Errorf("OrdersToday = %d, want 1", got)
	}
	if got := eng.RealizedPnL(); got != 0 {
		t.Errorf("RealizedPnL = %v, want 0 while the position is open", got)
	}
}

// TestEngineObservationMode checks that converter.enabled=false lets
// signals flow while no orders are created, and that the runtime toggle
// brings trading back.
func TestEngineObservationMode(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Converter.Enabled = false

	eng, err := New(cfg, testLogger())
	if err != nil {
		t.Fatal(err)
	}

	signals, err := eng.Bus().Subscribe(bus.EventSignal)
	if err != nil {
		t.Fatal(err)
	}
	orders, err := eng.Bus().Subscribe(bus.EventOrder)
	if err != nil {
		t.Fatal(err)
	}

	if err := eng.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Stop)

	if eng.ConverterEnabled() {
		t.Fatal("converter should start disabled")
	}

	base := time.Date(2026, time.January, 5, 14, 30, 0, 0, time.UTC)
	for i := 0; i < 20; i++ {
		publishClose(eng, base.Add(time.Duration(i)*time.Minute), 100.0)
	}
	publishClose(eng, base.Add(20*time.Minute), 100.2)

	// The strategy still signals.
	select {
	case <-signals.Events():
	case <-time.After(2 * time.Second):
		t.Fatal("no signal before timeout")
	}

	// But nothing becomes an order.
	select {
	case ev := <-orders.Events():
		t.Fatalf("unexpected order while observing: %+v", ev)
	case <-time.After(300 * time.Millisecond):
	}
	if got := eng.RiskLedger().OrdersToday; got != 0 {
		t.Errorf("OrdersToday = %d, want 0 in observation mode", got)
	}

	// Toggle trading on; the strategy exit path now produces an order.
	eng.SetConverterEnabled(true)

	// The optimistic long from the unfilled entry exits on a trend
	// break, which is a SELL signal the converter may now convert.
	publishClose(eng, base.Add(21*time.Minute), 99.9)

	select {
	case ev := <-orders.Events():
		order := ev.(bus.OrderEvent).Order
		if order.Side != types.SideSell || order.Symbol != "AAPL" {
			t.Fatalf("order = %+v, want AAPL SELL", order)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no order after enabling trading")
	}
}
