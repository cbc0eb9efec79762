// Package converter turns strategy signals into risk-checked orders.
//
// The pipeline per signal: drop HOLD actions, gate on minimum confidence,
// reject malformed actions and quantities, derive the order type (a
// positive signal price means LIMIT, otherwise MARKET), validate against
// the risk manager, then publish a PENDING order with a fresh id. Every
// rejection is audited; approved orders are recorded in the risk ledger
// before they reach the bus.
package converter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/audit"
	"tradeflow/internal/bus"
	"tradeflow/internal/metrics"
	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

var (
	ErrInvalidAction   = errors.New("invalid signal action")
	ErrInvalidQuantity = errors.New("invalid signal quantity")
)

// Converter consumes Signal events and emits Order events.
type Converter struct {
	bus    *bus.Bus
	risk   *risk.Manager
	audit  *audit.Logger
	logger *slog.Logger

	minConfidence float64
	enabled       atomic.Bool

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now func() time.Time
}

// New creates a converter. It starts enabled; SetEnabled(false) switches
// the system to manual mode where every signal is dropped.
func New(minConfidence float64, b *bus.Bus, riskMgr *risk.Manager, auditLog *audit.Logger, logger *slog.Logger) *Converter {
	c := &Converter{
		bus:           b,
		risk:          riskMgr,
		audit:         auditLog,
		logger:        logger.With("component", "converter"),
		minConfidence: minConfidence,
		now:           time.Now,
	}
	c.enabled.Store(true)
	return c
}

// SetEnabled toggles signal processing at runtime.
func (c *Converter) SetEnabled(enabled bool) {
	old := c.enabled.Swap(enabled)
	if old != enabled {
		c.logger.Info("converter toggled", "enabled", enabled)
	}
}

// Enabled reports whether signals are being converted.
func (c *Converter) Enabled() bool { return c.enabled.Load() }

// Start subscribes to signals and launches the conversion loop.
func (c *Converter) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return errors.New("converter already running")
	}

	sub, err := c.bus.Subscribe(bus.EventSignal)
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.wg.Add(1)
	go c.loop(loopCtx, sub)

	c.logger.Info("converter started", "min_confidence", c.minConfidence)
	return nil
}

// Stop halts the loop and drops the subscription.
func (c *Converter) Stop(context.Context) error {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	c.wg.Wait()
	c.logger.Info("converter stopped")
	return nil
}

func (c *Converter) loop(ctx context.Context, sub *bus.Subscription) {
	defer c.wg.Done()
	defer c.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if sig, isSignal := ev.(bus.SignalEvent); isSignal {
				c.handleSignal(sig)
			}
		}
	}
}

func (c *Converter) handleSignal(sig bus.SignalEvent) {
	if !c.enabled.Load() {
		c.logger.Debug("signal dropped, converter disabled", "strategy", sig.StrategyID, "symbol", sig.Symbol)
		return
	}
	if sig.Action == types.ActionHold {
		return
	}
	if sig.Confidence < c.minConfidence {
		c.logger.Debug("signal below confidence gate",
			"strategy", sig.StrategyID,
			"symbol", sig.Symbol,
			"confidence", sig.Confidence,
			"min_confidence", c.minConfidence,
		)
		metrics.OrdersRejected.WithLabelValues("confidence").Inc()
		return
	}

	req, err := c.buildRequest(sig)
	if err != nil {
		c.logger.Error("malformed signal", "strategy", sig.StrategyID, "symbol", sig.Symbol, "error", err)
		metrics.OrdersRejected.WithLabelValues("invalid").Inc()
		c.audit.Failure(audit.OrderRejected, sig.Symbol, "convert", map[string]any{
			"strategy_id": sig.StrategyID,
			"reason":      err.Error(),
		})
		return
	}

	verdict := c.risk.ValidateOrder(req)
	if !verdict.Approved {
		c.logger.Warn("signal rejected by risk",
			"strategy", sig.StrategyID,
			"symbol", sig.Symbol,
			"rejections", verdict.Rejections,
			"risk_score", verdict.RiskScore,
		)
		metrics.OrdersRejected.WithLabelValues("risk").Inc()
		c.audit.Failure(audit.OrderRejected, sig.Symbol, "validate", map[string]any{
			"strategy_id": sig.StrategyID,
			"rejections":  verdict.Rejections,
			"risk_score":  verdict.RiskScore,
		})
		return
	}
	c.risk.RecordOrder(req)

	order := types.Order{
		ID:          uuid.NewString(),
		StrategyID:  sig.StrategyID,
		Symbol:      sig.Symbol,
		Side:        req.Side,
		OrderType:   req.OrderType,
		Quantity:    req.Quantity,
		LimitPrice:  req.Price,
		Status:      types.StatusPending,
		SubmittedAt: c.now(),
	}

	c.bus.Publish(bus.NewOrder(order))
	metrics.OrdersCreated.Inc()
	c.audit.Success(audit.OrderCreated, order.ID, "create", map[string]any{
		"strategy_id": order.StrategyID,
		"symbol":      order.Symbol,
		"side":        order.Side,
		"order_type":  order.OrderType,
		"qty":         order.Quantity,
		"limit_price": order.LimitPrice,
		"confidence":  sig.Confidence,
	})

	c.logger.Info("order created",
		"order_id", order.ID,
		"strategy", order.StrategyID,
		"symbol", order.Symbol,
		"side", order.Side,
		"type", order.OrderType,
		"qty", order.Quantity,
	)
}

// buildRequest validates the signal's shape and derives the order type.
func (c *Converter) buildRequest(sig bus.SignalEvent) (types.OrderRequest, error) {
	side, ok := sig.Action.Side()
	if !ok {
		return types.OrderRequest{}, fmt.Errorf("%w: %q", ErrInvalidAction, sig.Action)
	}
	if sig.Quantity <= 0 {
		return types.OrderRequest{}, fmt.Errorf("%w: %v", ErrInvalidQuantity, sig.Quantity)
	}

	orderType := types.OrderMarket
	if sig.Price > 0 {
		orderType = types.OrderLimit
	}
	return types.OrderRequest{
		StrategyID: sig.StrategyID,
		Symbol:     sig.Symbol,
		Side:       side,
		Quantity:   sig.Quantity,
		Price:      sig.Price,
		OrderType:  orderType,
	}, nil
}
