package execution

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/audit"
	"tradeflow/internal/broker"
	"tradeflow/internal/bus"
	"tradeflow/internal/portfolio"
	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type captureRepo struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (r *captureRepo) Write(e audit.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *captureRepo) byCategory(c audit.Category) []audit.Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []audit.Entry
	for _, e := range r.entries {
		if e.Category == c {
			out = append(out, e)
		}
	}
	return out
}

// memOrders is an in-memory OrdersRepo with FileStore fill semantics.
type memOrders struct {
	mu     sync.Mutex
	orders map[string]types.Order
	trades []types.Trade
}

func newMemOrders() *memOrders {
	return &memOrders{orders: make(map[string]types.Order)}
}

func (m *memOrders) UpsertOrder(order types.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[order.ID] = order
	return nil
}

func (m *memOrders) UpdateOrderStatus(id string, status types.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[id]
	order.Status = status
	m.orders[id] = order
	return nil
}

func (m *memOrders) FillOrder(id string, filledQty, price float64, filledAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	order := m.orders[id]
	if filledQty >= order.Quantity {
		order.Status = types.StatusFilled
		order.FilledAt = filledAt
	} else if filledQty > 0 {
		order.Status = types.StatusPartial
	}
	m.orders[id] = order
	return nil
}

func (m *memOrders) CreateTrade(trade types.Trade) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.trades = append(m.trades, trade)
	return nil
}

func (m *memOrders) order(id string) (types.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[id]
	return order, ok
}

func (m *memOrders) tradeQty(orderID string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	var sum float64
	for _, tr := range m.trades {
		if tr.OrderID == orderID {
			sum += tr.Quantity
		}
	}
	return sum
}

type failingOrders struct{}

var errRepoDown = errors.New("repository down")

func (failingOrders) UpsertOrder(types.Order) error { return errRepoDown }

func (failingOrders) UpdateOrderStatus(string, types.OrderStatus) error { return errRepoDown }

func (failingOrders) FillOrder(string, float64, float64, time.Time) error { return errRepoDown }

func (failingOrders) CreateTrade(types.Trade) error { return errRepoDown }

type fixture struct {
	bus   *bus.Bus
	fills *bus.Subscription
	repo  *memOrders
	audit *captureRepo
	pf    *portfolio.Store
	eng   *Engine
}

func newFixture(t *testing.T, cfg Config, limits risk.Limits, route broker.Broker) *fixture {
	t.Helper()

	b := bus.New(256, testLogger())
	t.Cleanup(b.Close)

	fills, err := b.Subscribe(bus.EventOrderFilled)
	if err != nil {
		t.Fatal(err)
	}

	pf := portfolio.NewStore(100_000, nil, nil, testLogger())
	riskMgr := risk.New(limits, pf.TotalEquity, time.UTC, testLogger())

	auditRepo := &captureRepo{}
	auditLog := audit.New(auditRepo, 64, testLogger())

	repo := newMemOrders()
	eng := New(cfg, b, riskMgr, pf, repo, nil, auditLog, route, testLogger())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		eng.Stop()
		auditLog.Close()
	})

	return &fixture{bus: b, fills: fills, repo: repo, audit: auditRepo, pf: pf, eng: eng}
}

func openLimits() risk.Limits {
	return risk.Limits{
		MaxPositionNotional:    1_000_000,
		MaxOrdersPerDay:        1000,
		MaxDailyDollarVolume:   100_000_000,
		MaxSymbolConcentration: 1.0,
		MaxDailyLoss:           1_000_000,
	}
}

func fastDemo() Config {
	return Config{SpreadPct: 0.1, SlippagePct: 0.05, MatchInterval: 10 * time.Millisecond}
}

func pendingMarketOrder(symbol string, side types.Side, qty float64) types.Order {
	return types.Order{
		ID:          uuid.NewString(),
		StrategyID:  "s1",
		Symbol:      symbol,
		Side:        side,
		OrderType:   types.OrderMarket,
		Quantity:    qty,
		Status:      types.StatusPending,
		SubmittedAt: time.Now(),
	}
}

func pendingLimitOrder(symbol string, side types.Side, qty, limit float64) types.Order {
	order := pendingMarketOrder(symbol, side, qty)
	order.OrderType = types.OrderLimit
	order.LimitPrice = limit
	return order
}

func (f *fixture) publishBar(symbol string, closePrice float64) {
	f.bus.Publish(bus.NewMarketData(types.Bar{
		Symbol:    symbol,
		Timestamp: time.Now(),
		Open:      closePrice,
		High:      closePrice,
		Low:       closePrice,
		Close:     closePrice,
		Volume:    1000,
	}))
}

func (f *fixture) awaitFill(t *testing.T) bus.OrderFilledEvent {
	t.Helper()
	select {
	case ev := <-f.fills.Events():
		fill, ok := ev.(bus.OrderFilledEvent)
		if !ok {
			t.Fatalf("event %T on the fill subscription", ev)
		}
		return fill
	case <-time.After(2 * time.Second):
		t.Fatal("no fill before timeout")
		return bus.OrderFilledEvent{}
	}
}

func (f *fixture) requireNoFill(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case ev := <-f.fills.Events():
		t.Fatalf("unexpected fill: %+v", ev)
	case <-time.After(wait):
	}
}

func (f *fixture) awaitPendingCount(t *testing.T, n int) []PendingOrder {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if open := f.eng.Pending(); len(open) == n {
			return open
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("pending count never reached %d, have %d", n, len(f.eng.Pending()))
	return nil
}

// awaitQuote waits until a bar for the symbol has reached the price book,
// pinning the bar-before-order interleaving a test needs.
func (f *fixture) awaitQuote(t *testing.T, symbol string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, q := range f.eng.Quotes() {
			if q.Symbol == symbol {
				return
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("quote for %s never appeared", symbol)
}

func (f *fixture) awaitStoredStatus(t *testing.T, id string, status types.OrderStatus) types.Order {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if order, ok := f.repo.order(id); ok && order.Status == status {
			return order
		}
		time.Sleep(10 * time.Millisecond)
	}
	order, _ := f.repo.order(id)
	t.Fatalf("order %s never reached %s, stuck at %s", id, status, order.Status)
	return types.Order{}
}

func TestMarketBuyFillsAtAskPlusSlippage(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	f.publishBar("AAPL", 100.2)
	f.awaitQuote(t, "AAPL")
	order := pendingMarketOrder("AAPL", types.SideBuy, 100)
	f.bus.Publish(bus.NewOrder(order))

	fill := f.awaitFill(t)

	// Ask is the close plus half the 0.1% spread, then 0.05% slippage on
	// top, about 100.30.
	half := 0.1 / 200
	slip := 0.05 / 100
	want := 100.2 * (1 + half) * (1 + slip)
	if fill.FillPrice != want {
		t.Errorf("FillPrice = %v, want %v", fill.FillPrice, want)
	}
	if fill.OrderID != order.ID || fill.StrategyID != "s1" || fill.Side != types.SideBuy {
		t.Errorf("fill routed wrong: %+v", fill)
	}
	if fill.FilledQty != 100 || fill.RequestedQty != 100 {
		t.Errorf("quantities = %v/%v, want 100/100", fill.FilledQty, fill.RequestedQty)
	}

	pos, ok := f.pf.Position("AAPL")
	if !ok {
		t.Fatal("no position after the fill")
	}
	if pos.Quantity != 100 || pos.Side != types.PositionLong {
		t.Errorf("position = %+v, want 100 LONG", pos)
	}
	if pos.AveragePrice != want {
		t.Errorf("AveragePrice = %v, want %v", pos.AveragePrice, want)
	}

	stored := f.awaitStoredStatus(t, order.ID, types.StatusFilled)
	if stored.FilledAt.IsZero() {
		t.Error("stored order has no fill time")
	}
	if got := f.repo.tradeQty(order.ID); got != 100 {
		t.Errorf("trade quantity sum = %v, want 100", got)
	}
	if open := f.eng.Pending(); len(open) != 0 {
		t.Errorf("pending after complete fill: %+v", open)
	}

	// The matcher tick must not fill the same quantity twice.
	f.requireNoFill(t, 150*time.Millisecond)
}

func TestMarketOrderWaitsForQuote(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	order := pendingMarketOrder("TSLA", types.SideSell, 50)
	f.bus.Publish(bus.NewOrder(order))

	open := f.awaitPendingCount(t, 1)
	if open[0].Status != types.StatusSubmitted {
		t.Errorf("Status = %s, want SUBMITTED", open[0].Status)
	}
	f.requireNoFill(t, 100*time.Millisecond)

	// First quote lets the next tick execute it at bid minus slippage.
	f.publishBar("TSLA", 200)

	fill := f.awaitFill(t)
	half := 0.1 / 200
	slip := 0.05 / 100
	if want := 200 * (1 - half) * (1 - slip); fill.FillPrice != want {
		t.Errorf("FillPrice = %v, want %v", fill.FillPrice, want)
	}
}

func TestLimitBuyFillsOnCross(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	// Ask starts at 100.05, above the 99.9 limit.
	f.publishBar("AAPL", 100)
	order := pendingLimitOrder("AAPL", types.SideBuy, 100, 99.9)
	f.bus.Publish(bus.NewOrder(order))

	f.awaitPendingCount(t, 1)
	f.requireNoFill(t, 100*time.Millisecond)

	// Close 99.8 pulls the ask to 99.85, through the limit. The fill
	// price is the limit, not the touch.
	f.publishBar("AAPL", 99.8)

	fill := f.awaitFill(t)
	if fill.FillPrice != 99.9 {
		t.Errorf("FillPrice = %v, want the 99.9 limit", fill.FillPrice)
	}
	f.awaitPendingCount(t, 0)
}

func TestLimitSellFillsOnCross(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	f.publishBar("MSFT", 400)
	order := pendingLimitOrder("MSFT", types.SideSell, 25, 400.5)
	f.bus.Publish(bus.NewOrder(order))

	f.awaitPendingCount(t, 1)
	f.requireNoFill(t, 100*time.Millisecond)

	// Bid reaches 400.8 minus half spread, above the limit.
	f.publishBar("MSFT", 400.8)

	fill := f.awaitFill(t)
	if fill.FillPrice != 400.5 {
		t.Errorf("FillPrice = %v, want the 400.5 limit", fill.FillPrice)
	}
}

func TestRejectsOversizedOrderAtIntake(t *testing.T) {
	t.Parallel()

	limits := openLimits()
	limits.MaxPositionNotional = 1000
	f := newFixture(t, fastDemo(), limits, nil)

	f.publishBar("AAPL", 50)
	f.awaitQuote(t, "AAPL")
	order := pendingMarketOrder("AAPL", types.SideBuy, 100) // 5000 notional
	f.bus.Publish(bus.NewOrder(order))

	stored := f.awaitStoredStatus(t, order.ID, types.StatusRejected)
	if stored.Symbol != "AAPL" {
		t.Errorf("stored order = %+v", stored)
	}
	f.requireNoFill(t, 150*time.Millisecond)
	if open := f.eng.Pending(); len(open) != 0 {
		t.Errorf("rejected order is pending: %+v", open)
	}
	if _, ok := f.pf.Position("AAPL"); ok {
		t.Error("rejected order changed the position book")
	}

	// The audit writer lands entries asynchronously.
	rejected := func() []audit.Entry {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if entries := f.audit.byCategory(audit.OrderRejected); len(entries) > 0 {
				return entries
			}
			time.Sleep(10 * time.Millisecond)
		}
		return nil
	}()
	if len(rejected) != 1 {
		t.Fatalf("ORDER_REJECTED entries = %d, want 1", len(rejected))
	}
	if rejected[0].Status != audit.StatusFailure || rejected[0].Resource != order.ID {
		t.Errorf("audit entry = %+v", rejected[0])
	}
}

func TestIgnoresNonPendingOrders(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	f.publishBar("AAPL", 100)
	order := pendingMarketOrder("AAPL", types.SideBuy, 100)
	order.Status = types.StatusSubmitted // not intake's to process
	f.bus.Publish(bus.NewOrder(order))

	f.requireNoFill(t, 150*time.Millisecond)
	if open := f.eng.Pending(); len(open) != 0 {
		t.Errorf("pending = %+v, want none", open)
	}
}

func TestFillSurvivesPersistenceFailure(t *testing.T) {
	t.Parallel()

	b := bus.New(256, testLogger())
	t.Cleanup(b.Close)
	fills, err := b.Subscribe(bus.EventOrderFilled)
	if err != nil {
		t.Fatal(err)
	}

	pf := portfolio.NewStore(100_000, nil, nil, testLogger())
	riskMgr := risk.New(openLimits(), pf.TotalEquity, time.UTC, testLogger())
	auditLog := audit.New(&captureRepo{}, 64, testLogger())
	t.Cleanup(auditLog.Close)

	eng := New(fastDemo(), b, riskMgr, pf, failingOrders{}, nil, auditLog, nil, testLogger())
	if err := eng.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(eng.Stop)

	b.Publish(bus.NewMarketData(types.Bar{Symbol: "AAPL", Timestamp: time.Now(), Close: 100, Volume: 1000}))
	b.Publish(bus.NewOrder(pendingMarketOrder("AAPL", types.SideBuy, 100)))

	select {
	case ev := <-fills.Events():
		fill := ev.(bus.OrderFilledEvent)
		if fill.FilledQty != 100 {
			t.Errorf("FilledQty = %v, want 100", fill.FilledQty)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("persistence failure blocked the fill")
	}

	if pos, ok := pf.Position("AAPL"); !ok || pos.Quantity != 100 {
		t.Errorf("position not applied, got %+v", pos)
	}
}

func TestBuyThenSellAtSamePriceGoesFlat(t *testing.T) {
	t.Parallel()

	f := newFixture(t, fastDemo(), openLimits(), nil)

	// Both limit orders fill at exactly 100.1, so the round trip nets
	// zero shares and zero realized profit.
	f.publishBar("AAPL", 100)
	buy := pendingLimitOrder("AAPL", types.SideBuy, 100, 100.1)
	f.bus.Publish(bus.NewOrder(buy))
	if fill := f.awaitFill(t); fill.FillPrice != 100.1 {
		t.Fatalf("buy fill = %v, want 100.1", fill.FillPrice)
	}

	f.publishBar("AAPL", 100.3)
	sell := pendingLimitOrder("AAPL", types.SideSell, 100, 100.1)
	f.bus.Publish(bus.NewOrder(sell))
	if fill := f.awaitFill(t); fill.FillPrice != 100.1 {
		t.Fatalf("sell fill = %v, want 100.1", fill.FillPrice)
	}

	if pos, ok := f.pf.Position("AAPL"); ok {
		t.Errorf("position survives a flat round trip: %+v", pos)
	}
	if got := f.pf.RealizedPnL(); got != 0 {
		t.Errorf("RealizedPnL = %v, want 0", got)
	}
}

// scriptedBroker serves OrderStatus responses that the test swaps in.
type scriptedBroker struct {
	mu        sync.Mutex
	submitted []types.Order
	fill      broker.Fill
	done      bool
}

func (s *scriptedBroker) SubmitOrder(_ context.Context, order types.Order) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitted = append(s.submitted, order)
	return "venue-1", nil
}

func (s *scriptedBroker) CancelOrder(context.Context, string) error { return nil }

func (s *scriptedBroker) OrderStatus(context.Context, string) (broker.Fill, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fill, s.done, nil
}

func (s *scriptedBroker) report(fill broker.Fill, done bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fill = fill
	s.done = done
}

func TestLiveModeRequiresBroker(t *testing.T) {
	t.Parallel()

	b := bus.New(16, testLogger())
	t.Cleanup(b.Close)
	pf := portfolio.NewStore(100_000, nil, nil, testLogger())
	riskMgr := risk.New(openLimits(), pf.TotalEquity, time.UTC, testLogger())
	auditLog := audit.New(&captureRepo{}, 16, testLogger())
	t.Cleanup(auditLog.Close)

	eng := New(Config{Mode: ModeLive}, b, riskMgr, pf, nil, nil, auditLog, nil, testLogger())
	if err := eng.Start(context.Background()); err == nil {
		t.Fatal("live engine started without a broker")
	}
}

func TestLiveModePollsVenueFills(t *testing.T) {
	t.Parallel()

	venue := &scriptedBroker{}
	cfg := fastDemo()
	cfg.Mode = ModeLive
	f := newFixture(t, cfg, openLimits(), venue)

	order := pendingMarketOrder("AAPL", types.SideBuy, 100)
	f.bus.Publish(bus.NewOrder(order))

	f.awaitPendingCount(t, 1)
	venue.mu.Lock()
	routed := len(venue.submitted) == 1 && venue.submitted[0].ID == order.ID
	venue.mu.Unlock()
	if !routed {
		t.Fatal("order was not routed to the venue")
	}
	f.requireNoFill(t, 100*time.Millisecond)

	// First poll sees a partial at 187.50.
	venue.report(broker.Fill{FilledQty: 60, AvgPrice: 187.5}, false)
	first := f.awaitFill(t)
	if first.FilledQty != 60 || first.FillPrice != 187.5 {
		t.Fatalf("first fill = %v @ %v, want 60 @ 187.5", first.FilledQty, first.FillPrice)
	}

	// Venue average moves to 187.40 over 100 shares, which prices the
	// 40-share increment at 187.25.
	venue.report(broker.Fill{FilledQty: 100, AvgPrice: 187.4}, true)
	second := f.awaitFill(t)
	if second.FilledQty != 40 {
		t.Fatalf("second fill qty = %v, want 40", second.FilledQty)
	}
	if diff := second.FillPrice - 187.25; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("second fill price = %v, want 187.25", second.FillPrice)
	}

	f.awaitPendingCount(t, 0)
	pos, ok := f.pf.Position("AAPL")
	if !ok || pos.Quantity != 100 {
		t.Fatalf("position = %+v, want 100 long", pos)
	}
	if diff := pos.AveragePrice - 187.4; diff > 1e-6 || diff < -1e-6 {
		t.Errorf("AveragePrice = %v, want the venue average 187.4", pos.AveragePrice)
	}
}

func TestLiveModeClosesCancelledRemainder(t *testing.T) {
	t.Parallel()

	venue := &scriptedBroker{}
	cfg := fastDemo()
	cfg.Mode = ModeLive
	f := newFixture(t, cfg, openLimits(), venue)

	order := pendingLimitOrder("AAPL", types.SideBuy, 100, 99.5)
	f.bus.Publish(bus.NewOrder(order))
	f.awaitPendingCount(t, 1)

	// Venue cancels the order untouched, for example at session end.
	venue.report(broker.Fill{}, true)

	f.awaitPendingCount(t, 0)
	f.awaitStoredStatus(t, order.ID, types.StatusCancelled)
	f.requireNoFill(t, 100*time.Millisecond)
}
