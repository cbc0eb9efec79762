package api

import (
	"time"

	"tradeflow/internal/bus"
)

// StreamMessage is the wrapper for everything pushed to dashboard clients.
// Type is "snapshot" for the initial state dump sent on connect, then one
// of the bus event type names.
type StreamMessage struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// BarPayload mirrors one OHLCV bar for the wire.
type BarPayload struct {
	Symbol    string    `json:"symbol"`
	Timestamp time.Time `json:"timestamp"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// SignalPayload mirrors a strategy's trade recommendation.
type SignalPayload struct {
	StrategyID string  `json:"strategy_id"`
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	Price      float64 `json:"price,omitempty"`
	Quantity   float64 `json:"quantity"`
	Reason     string  `json:"reason"`
}

// FillPayload mirrors a completed fill.
type FillPayload struct {
	OrderID    string    `json:"order_id"`
	StrategyID string    `json:"strategy_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	FilledQty  float64   `json:"filled_qty"`
	FillPrice  float64   `json:"fill_price"`
	Commission float64   `json:"commission"`
	FillTime   time.Time `json:"fill_time"`
}

// StatusPayload mirrors a component lifecycle change.
type StatusPayload struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
}

// streamMessage converts a bus event into its wire form.
func streamMessage(ev bus.Event) StreamMessage {
	return StreamMessage{
		Type:      string(ev.Type()),
		Timestamp: ev.Time(),
		Data:      streamPayload(ev),
	}
}

func streamPayload(ev bus.Event) any {
	switch e := ev.(type) {
	case bus.MarketDataEvent:
		return BarPayload{
			Symbol:    e.Bar.Symbol,
			Timestamp: e.Bar.Timestamp,
			Open:      e.Bar.Open,
			High:      e.Bar.High,
			Low:       e.Bar.Low,
			Close:     e.Bar.Close,
			Volume:    e.Bar.Volume,
		}
	case bus.SignalEvent:
		return SignalPayload{
			StrategyID: e.StrategyID,
			Symbol:     e.Symbol,
			Action:     string(e.Action),
			Confidence: e.Confidence,
			Price:      e.Price,
			Quantity:   e.Quantity,
			Reason:     e.Reason,
		}
	case bus.OrderEvent:
		// types.Order already carries wire tags.
		return e.Order
	case bus.OrderFilledEvent:
		return FillPayload{
			OrderID:    e.OrderID,
			StrategyID: e.StrategyID,
			Symbol:     e.Symbol,
			Side:       string(e.Side),
			FilledQty:  e.FilledQty,
			FillPrice:  e.FillPrice,
			Commission: e.Commission,
			FillTime:   e.FillTime,
		}
	case bus.SystemStatusEvent:
		return StatusPayload{
			Component: e.Component,
			Status:    string(e.Status),
			Message:   e.Message,
		}
	}
	return nil
}
