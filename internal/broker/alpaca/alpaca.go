// Package alpaca routes orders to the Alpaca trading API. Paper trading
// uses the same surface as live, switched by base URL.
package alpaca

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/alpacahq/alpaca-trade-api-go/v3/alpaca"
	"github.com/shopspring/decimal"

	"tradeflow/internal/broker"
	"tradeflow/pkg/types"
)

const paperBaseURL = "https://paper-api.alpaca.markets"

// Config carries the trading API credentials. An empty BaseURL targets the
// paper endpoint, never live by accident.
type Config struct {
	Key     string
	Secret  string
	BaseURL string
}

// Broker implements broker.Broker on the Alpaca v3 SDK.
type Broker struct {
	client *alpaca.Client
	logger *slog.Logger
}

var _ broker.Broker = (*Broker)(nil)

// New creates an Alpaca broker adapter.
func New(cfg Config, logger *slog.Logger) *Broker {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = paperBaseURL
	}
	return &Broker{
		client: alpaca.NewClient(alpaca.ClientOpts{
			APIKey:     cfg.Key,
			APISecret:  cfg.Secret,
			BaseURL:    baseURL,
			RetryLimit: 3,
			RetryDelay: time.Second,
		}),
		logger: logger.With("component", "broker"),
	}
}

// SubmitOrder places the order and returns Alpaca's order id. The internal
// order id rides along as the client order id, so a resubmit after a lost
// response is rejected by the venue instead of doubling the position.
func (b *Broker) SubmitOrder(ctx context.Context, order types.Order) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	req, err := placeOrderRequest(order)
	if err != nil {
		return "", err
	}

	placed, err := b.client.PlaceOrder(req)
	if err != nil {
		return "", fmt.Errorf("placing order %s: %w", order.ID, err)
	}

	b.logger.Info("order routed",
		"order_id", order.ID,
		"broker_order_id", placed.ID,
		"symbol", order.Symbol,
		"side", order.Side,
		"qty", order.Quantity,
	)
	return placed.ID, nil
}

// CancelOrder cancels a routed order at the venue.
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := b.client.CancelOrder(brokerOrderID); err != nil {
		return fmt.Errorf("cancelling order %s: %w", brokerOrderID, err)
	}
	return nil
}

// OrderStatus reports the cumulative fill and whether the order is done.
func (b *Broker) OrderStatus(ctx context.Context, brokerOrderID string) (broker.Fill, bool, error) {
	if err := ctx.Err(); err != nil {
		return broker.Fill{}, false, err
	}

	order, err := b.client.GetOrder(brokerOrderID)
	if err != nil {
		return broker.Fill{}, false, fmt.Errorf("fetching order %s: %w", brokerOrderID, err)
	}
	if order == nil {
		return broker.Fill{}, false, broker.ErrOrderNotFound
	}
	return fillFromOrder(order), terminalStatus(order.Status), nil
}

// placeOrderRequest converts the internal order to the SDK request. Alpaca
// prices and quantities are decimals.
func placeOrderRequest(order types.Order) (alpaca.PlaceOrderRequest, error) {
	var side alpaca.Side
	switch order.Side {
	case types.SideBuy:
		side = alpaca.Buy
	case types.SideSell:
		side = alpaca.Sell
	default:
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("unsupported side %q", order.Side)
	}

	qty := decimal.NewFromFloat(order.Quantity)
	req := alpaca.PlaceOrderRequest{
		Symbol:        order.Symbol,
		Qty:           &qty,
		Side:          side,
		TimeInForce:   alpaca.Day,
		ClientOrderID: order.ID,
	}

	switch order.OrderType {
	case types.OrderMarket:
		req.Type = alpaca.Market
	case types.OrderLimit:
		req.Type = alpaca.Limit
		limit := decimal.NewFromFloat(order.LimitPrice)
		req.LimitPrice = &limit
	default:
		return alpaca.PlaceOrderRequest{}, fmt.Errorf("unsupported order type %q", order.OrderType)
	}

	return req, nil
}

func fillFromOrder(order *alpaca.Order) broker.Fill {
	fill := broker.Fill{FilledQty: order.FilledQty.InexactFloat64()}
	if order.FilledAvgPrice != nil {
		fill.AvgPrice = order.FilledAvgPrice.InexactFloat64()
	}
	if order.FilledAt != nil {
		fill.FilledAt = *order.FilledAt
	}
	return fill
}

// terminalStatus reports whether the venue will never fill more of this
// order.
func terminalStatus(status string) bool {
	switch status {
	case "filled", "canceled", "expired", "rejected", "done_for_day", "stopped":
		return true
	}
	return false
}
