// Package execution fills orders against a synthesized top-of-book and owns
// every order state transition after intake.
//
// Flow:
//
//  1. Order events (status PENDING) are re-validated against risk limits as
//     defence in depth, recorded in the pending map with status SUBMITTED,
//     and persisted.
//  2. Market orders match immediately at the synthesized ask/bid plus demo
//     slippage; limit orders wait for a matcher tick on which the quote
//     crosses the limit. A market order with no quote yet stays pending
//     until a tick finds one.
//  3. A fill updates the pending order (quantity-weighted average price),
//     persists the fill and a trade record through the database breaker,
//     applies the trade to the portfolio, publishes OrderFilled, and audits
//     TRADE_EXECUTED plus ORDER_FILLED.
//
// In live mode orders are routed to the broker instead of matched here; the
// matcher tick polls the venue and feeds any new fill quantity through the
// same post-fill pipeline.
//
// Persistence failures are soft: the pending map and the portfolio stay
// authoritative while the database breaker is open. Only this engine's
// goroutine mutates pending orders and positions, which is what makes the
// at-most-once fill bound hold.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/audit"
	"tradeflow/internal/breaker"
	"tradeflow/internal/broker"
	"tradeflow/internal/bus"
	"tradeflow/internal/metrics"
	"tradeflow/internal/portfolio"
	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

// Execution modes. Demo matches orders internally against the synthesized
// book; live routes them to the configured broker.
const (
	ModeDemo = "demo"
	ModeLive = "live"
)

const defaultMatchInterval = time.Second

// Config tunes matching behaviour.
type Config struct {
	Mode          string
	SpreadPct     float64 // synthesized full spread, percent
	SlippagePct   float64 // demo market-order slippage, percent
	Commission    float64 // flat commission per trade
	MatchInterval time.Duration
}

// OrdersRepo is the order persistence surface the engine writes through.
// All calls go through the database breaker and failures are soft.
type OrdersRepo interface {
	UpsertOrder(order types.Order) error
	UpdateOrderStatus(id string, status types.OrderStatus) error
	FillOrder(id string, filledQty, price float64, filledAt time.Time) error
	CreateTrade(trade types.Trade) error
}

// PendingOrder is the engine's working copy of an order until it reaches a
// terminal state. FilledQty never exceeds the order quantity; the order
// leaves the pending map exactly when they are equal.
type PendingOrder struct {
	Order         types.Order
	FilledQty     float64
	AvgFillPrice  float64
	Status        types.OrderStatus
	BrokerOrderID string
	SubmittedAt   time.Time
}

// Remaining is the unfilled quantity.
func (p *PendingOrder) Remaining() float64 { return p.Order.Quantity - p.FilledQty }

// Engine consumes order and market-data events and produces fills.
type Engine struct {
	cfg    Config
	bus    *bus.Bus
	risk   *risk.Manager
	book   *PriceBook
	pf     *portfolio.Store
	orders OrdersRepo
	brk    *breaker.Manager
	audit  *audit.Logger
	route  broker.Broker
	logger *slog.Logger

	// pending is mutated only from the engine goroutine; the mutex
	// protects concurrent dashboard reads.
	mu      sync.Mutex
	pending map[string]*PendingOrder

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates the execution engine. orders and route may be nil: a nil
// repo disables persistence, a nil route restricts the engine to demo mode.
func New(cfg Config, b *bus.Bus, riskMgr *risk.Manager, pf *portfolio.Store, orders OrdersRepo, brk *breaker.Manager, auditLog *audit.Logger, route broker.Broker, logger *slog.Logger) *Engine {
	if cfg.Mode == "" {
		cfg.Mode = ModeDemo
	}
	if cfg.MatchInterval <= 0 {
		cfg.MatchInterval = defaultMatchInterval
	}
	return &Engine{
		cfg:     cfg,
		bus:     b,
		risk:    riskMgr,
		book:    NewPriceBook(cfg.SpreadPct),
		pf:      pf,
		orders:  orders,
		brk:     brk,
		audit:   auditLog,
		route:   route,
		logger:  logger.With("component", "execution"),
		pending: make(map[string]*PendingOrder),
		now:     time.Now,
	}
}

// Start subscribes to order and market-data events and launches the
// matching loop.
func (e *Engine) Start(ctx context.Context) error {
	if e.cfg.Mode == ModeLive && e.route == nil {
		return errors.New("live mode requires a broker")
	}

	e.lifeMu.Lock()
	defer e.lifeMu.Unlock()
	if e.cancel != nil {
		return errors.New("execution engine already running")
	}

	orderSub, err := e.bus.Subscribe(bus.EventOrder)
	if err != nil {
		return err
	}
	mdSub, err := e.bus.Subscribe(bus.EventMarketData)
	if err != nil {
		e.bus.Unsubscribe(orderSub)
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	e.cancel = cancel

	e.wg.Add(1)
	go e.loop(loopCtx, orderSub, mdSub)

	e.logger.Info("execution engine started",
		"mode", e.cfg.Mode,
		"spread_pct", e.cfg.SpreadPct,
		"slippage_pct", e.cfg.SlippagePct,
	)
	return nil
}

// Stop halts the loop. Blocks until it has exited.
func (e *Engine) Stop() {
	e.lifeMu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	e.wg.Wait()
	e.logger.Info("execution engine stopped")
}

func (e *Engine) loop(ctx context.Context, orderSub, mdSub *bus.Subscription) {
	defer e.wg.Done()
	defer e.bus.Unsubscribe(orderSub)
	defer e.bus.Unsubscribe(mdSub)

	ticker := time.NewTicker(e.cfg.MatchInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case ev, ok := <-orderSub.Events():
			if !ok {
				return
			}
			if oe, isOrder := ev.(bus.OrderEvent); isOrder {
				e.handleOrder(ctx, oe.Order)
			}

		case ev, ok := <-mdSub.Events():
			if !ok {
				return
			}
			if md, isBar := ev.(bus.MarketDataEvent); isBar {
				e.handleBar(md.Bar)
			}

		case <-ticker.C:
			e.matchPending(ctx)
		}
	}
}

// handleBar refreshes the synthesized quote and marks the position book.
func (e *Engine) handleBar(bar types.Bar) {
	e.book.ApplyBar(bar)
	e.pf.Mark(bar.Symbol, bar.Close)
}

// handleOrder is order intake: re-validate, record as pending, persist,
// and for demo market orders attempt the fill right away.
func (e *Engine) handleOrder(ctx context.Context, order types.Order) {
	if order.Status != types.StatusPending {
		return
	}

	if verdict := e.risk.ValidateOrder(e.requestFor(order)); !verdict.Approved {
		e.reject(order, verdict.Rejections)
		return
	}

	po := &PendingOrder{
		Order:       order,
		Status:      types.StatusSubmitted,
		SubmittedAt: e.now(),
	}

	if e.cfg.Mode == ModeLive {
		brokerOrderID, err := e.route.SubmitOrder(ctx, order)
		if err != nil {
			e.reject(order, []string{fmt.Sprintf("broker submit failed: %v", err)})
			return
		}
		po.BrokerOrderID = brokerOrderID
	}

	e.mu.Lock()
	e.pending[order.ID] = po
	e.mu.Unlock()
	metrics.PendingOrders.Set(float64(e.pendingCount()))

	order.Status = types.StatusSubmitted
	e.persist("order submit", func() error { return e.orders.UpsertOrder(order) })

	e.logger.Info("order accepted",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.OrderType,
		"qty", order.Quantity,
	)

	if e.cfg.Mode == ModeDemo && order.OrderType == types.OrderMarket {
		e.executeMarket(po)
	}
}

// requestFor rebuilds the risk request. Notional is computed against the
// limit price when there is one, else the last traded price if known.
func (e *Engine) requestFor(order types.Order) types.OrderRequest {
	price := order.LimitPrice
	if price <= 0 {
		if quote, ok := e.book.Quote(order.Symbol); ok {
			price = quote.Last
		}
	}
	return types.OrderRequest{
		StrategyID: order.StrategyID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      price,
		OrderType:  order.OrderType,
	}
}

func (e *Engine) reject(order types.Order, reasons []string) {
	order.Status = types.StatusRejected
	e.persist("order rejection", func() error { return e.orders.UpsertOrder(order) })

	metrics.OrdersRejected.WithLabelValues("execution").Inc()
	e.audit.Failure(audit.OrderRejected, order.ID, "execute", map[string]any{
		"strategy_id": order.StrategyID,
		"symbol":      order.Symbol,
		"rejections":  reasons,
	})

	e.logger.Warn("order rejected at execution",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"rejections", reasons,
	)
}

// matchPending runs one matcher tick over a snapshot of the pending map.
func (e *Engine) matchPending(ctx context.Context) {
	e.mu.Lock()
	open := make([]*PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		open = append(open, po)
	}
	e.mu.Unlock()

	sort.Slice(open, func(i, j int) bool { return open[i].SubmittedAt.Before(open[j].SubmittedAt) })

	for _, po := range open {
		if e.cfg.Mode == ModeLive {
			e.pollBroker(ctx, po)
			continue
		}
		switch po.Order.OrderType {
		case types.OrderMarket:
			e.executeMarket(po)
		case types.OrderLimit:
			e.matchLimit(po)
		}
	}
}

// executeMarket fills a market order at the synthesized touch plus demo
// slippage. Without a quote the order stays pending for the next tick.
func (e *Engine) executeMarket(po *PendingOrder) {
	quote, ok := e.book.Quote(po.Order.Symbol)
	if !ok {
		e.logger.Debug("no market price yet, order stays pending",
			"order_id", po.Order.ID, "symbol", po.Order.Symbol)
		return
	}

	slip := e.cfg.SlippagePct / 100
	var price float64
	if po.Order.Side == types.SideBuy {
		price = quote.Ask * (1 + slip)
	} else {
		price = quote.Bid * (1 - slip)
	}
	e.fill(po, po.Remaining(), price)
}

// matchLimit fills a limit order at its limit price once the touch crosses.
func (e *Engine) matchLimit(po *PendingOrder) {
	quote, ok := e.book.Quote(po.Order.Symbol)
	if !ok {
		return
	}

	limit := po.Order.LimitPrice
	crossed := (po.Order.Side == types.SideBuy && quote.Ask <= limit) ||
		(po.Order.Side == types.SideSell && quote.Bid >= limit)
	if !crossed {
		return
	}
	e.fill(po, po.Remaining(), limit)
}

// pollBroker reconciles one routed order against the venue and feeds any
// new fill quantity through the local pipeline.
func (e *Engine) pollBroker(ctx context.Context, po *PendingOrder) {
	venueFill, done, err := e.route.OrderStatus(ctx, po.BrokerOrderID)
	if err != nil {
		e.logger.Warn("broker status poll failed",
			"order_id", po.Order.ID,
			"broker_order_id", po.BrokerOrderID,
			"error", err,
		)
		return
	}

	if delta := venueFill.FilledQty - po.FilledQty; delta > 0 {
		// The venue reports a cumulative average; back out the price of
		// just this increment.
		price := venueFill.AvgPrice
		if po.FilledQty > 0 {
			price = (venueFill.AvgPrice*venueFill.FilledQty - po.AvgFillPrice*po.FilledQty) / delta
		}
		e.fill(po, delta, price)
	}

	if done && po.Status != types.StatusFilled {
		e.closeUnfilled(po)
	}
}

// closeUnfilled removes an order the venue terminated short of full size.
func (e *Engine) closeUnfilled(po *PendingOrder) {
	e.mu.Lock()
	po.Status = types.StatusCancelled
	delete(e.pending, po.Order.ID)
	e.mu.Unlock()

	e.persist("order cancel", func() error {
		return e.orders.UpdateOrderStatus(po.Order.ID, types.StatusCancelled)
	})
	metrics.PendingOrders.Set(float64(e.pendingCount()))

	e.logger.Warn("order closed unfilled at venue",
		"order_id", po.Order.ID,
		"broker_order_id", po.BrokerOrderID,
		"filled_qty", po.FilledQty,
	)
}

// fill settles qty shares at price and drives the post-fill pipeline.
func (e *Engine) fill(po *PendingOrder, qty, price float64) {
	if qty <= 0 {
		return
	}

	order := po.Order
	filledAt := e.now()

	e.mu.Lock()
	prev := po.FilledQty
	po.FilledQty += qty
	po.AvgFillPrice = (po.AvgFillPrice*prev + price*qty) / po.FilledQty
	complete := po.FilledQty >= order.Quantity-1e-9
	if complete {
		po.Status = types.StatusFilled
		delete(e.pending, order.ID)
	} else {
		po.Status = types.StatusPartial
	}
	cumQty, avgPrice := po.FilledQty, po.AvgFillPrice
	e.mu.Unlock()

	trade := types.Trade{
		ID:         uuid.NewString(),
		OrderID:    order.ID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   qty,
		Price:      price,
		Commission: e.cfg.Commission,
		ExecutedAt: filledAt,
	}

	e.persist("order fill", func() error { return e.orders.FillOrder(order.ID, cumQty, avgPrice, filledAt) })
	e.persist("trade create", func() error { return e.orders.CreateTrade(trade) })

	pos, realized := e.pf.ApplyFill(order.Symbol, order.Side, qty, price)
	if realized != 0 {
		e.risk.RecordRealizedPnL(realized)
	}

	e.bus.Publish(bus.OrderFilledEvent{
		OrderID:      order.ID,
		StrategyID:   order.StrategyID,
		Symbol:       order.Symbol,
		Side:         order.Side,
		RequestedQty: order.Quantity,
		FilledQty:    qty,
		FillPrice:    price,
		Commission:   e.cfg.Commission,
		FillTime:     filledAt,
		OccurredAt:   e.now(),
	})

	metrics.Fills.Inc()
	metrics.ExecutionVolume.Add(qty * price)
	metrics.PendingOrders.Set(float64(e.pendingCount()))

	e.audit.Success(audit.TradeExecuted, trade.ID, "execute", map[string]any{
		"order_id": order.ID,
		"symbol":   order.Symbol,
		"side":     string(order.Side),
		"qty":      qty,
		"price":    price,
	})
	e.audit.Success(audit.OrderFilled, order.ID, "fill", map[string]any{
		"filled_qty":   cumQty,
		"avg_price":    avgPrice,
		"position_qty": pos.Quantity,
		"realized_pnl": realized,
	})

	e.logger.Info("order filled",
		"order_id", order.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", qty,
		"price", price,
		"position_qty", pos.Quantity,
		"realized_pnl", realized,
	)
}

// persist runs one repository write through the database breaker. Failures
// are logged and swallowed: in-memory state stays authoritative.
func (e *Engine) persist(op string, fn func() error) {
	if e.orders == nil {
		return
	}
	var err error
	if e.brk != nil {
		err = e.brk.Execute("database", fn)
	} else {
		err = fn()
	}
	if err != nil {
		e.logger.Warn("persistence failed, in-memory state stays authoritative",
			"op", op, "error", err)
	}
}

func (e *Engine) pendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.pending)
}

// Pending returns a copy of the open orders, oldest first.
func (e *Engine) Pending() []PendingOrder {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PendingOrder, 0, len(e.pending))
	for _, po := range e.pending {
		out = append(out, *po)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Quotes returns the synthesized top-of-book for every symbol seen so far.
func (e *Engine) Quotes() []types.MarketPrice {
	return e.book.Quotes()
}
