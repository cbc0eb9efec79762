// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the engine — order and position
// enums, OHLCV bars, persisted order/trade/position shapes, and the wire
// payloads of the market-data vendor. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import "time"

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Valid reports whether the side is one of the two tradable directions.
func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

// Action is the recommendation carried by a strategy signal. Unlike Side it
// includes HOLD, which never reaches the order path.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
	ActionHold Action = "HOLD"
)

// Side converts a tradable action to its order side. HOLD has no side.
func (a Action) Side() (Side, bool) {
	switch a {
	case ActionBuy:
		return SideBuy, true
	case ActionSell:
		return SideSell, true
	}
	return "", false
}

// OrderType enumerates the supported order kinds.
type OrderType string

const (
	OrderMarket OrderType = "MARKET"
	OrderLimit  OrderType = "LIMIT"
	OrderStop   OrderType = "STOP"
)

// OrderStatus is the lifecycle state of an order. PENDING orders have been
// created but not yet accepted by the execution engine; SUBMITTED orders are
// live; PARTIAL orders have some quantity filled; FILLED, CANCELLED and
// REJECTED are terminal.
type OrderStatus string

const (
	StatusPending   OrderStatus = "PENDING"
	StatusSubmitted OrderStatus = "SUBMITTED"
	StatusPartial   OrderStatus = "PARTIAL"
	StatusFilled    OrderStatus = "FILLED"
	StatusCancelled OrderStatus = "CANCELLED"
	StatusRejected  OrderStatus = "REJECTED"
)

// Terminal reports whether the status is absorbing: once an order reaches a
// terminal status it never transitions again.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected:
		return true
	}
	return false
}

// PositionSide is the direction of a net holding. A position with quantity
// zero is flat and is removed from the store rather than kept with a side.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Bar is a fixed-interval OHLCV sample for one symbol. VWAP and TradeCount
// are populated only when the vendor provides them and are zero otherwise.
type Bar struct {
	Symbol     string
	Timestamp  time.Time // bar interval start, vendor clock
	Open       float64
	High       float64
	Low        float64
	Close      float64
	Volume     float64
	VWAP       float64
	TradeCount int
}

// MarketPrice is the synthesized top-of-book for one symbol, derived from the
// latest bar close. Maintained by the execution engine; never persisted.
type MarketPrice struct {
	Symbol string
	Bid    float64
	Ask    float64
	Last   float64
	TS     time.Time
}

// ————————————————————————————————————————————————————————————————————————
// Orders, trades, positions
// ————————————————————————————————————————————————————————————————————————

// OrderRequest is the pre-order shape handed to risk validation. Price is the
// limit price for LIMIT orders and the estimated market price otherwise; it
// is what notional checks are computed against.
type OrderRequest struct {
	StrategyID string
	Symbol     string
	Side       Side
	Quantity   float64
	Price      float64
	OrderType  OrderType
}

// Notional returns the dollar value of the request.
func (r OrderRequest) Notional() float64 {
	return r.Quantity * r.Price
}

// Order is the persisted order record.
type Order struct {
	ID          string      `json:"id"`
	StrategyID  string      `json:"strategy_id"`
	Symbol      string      `json:"symbol"`
	Side        Side        `json:"side"`
	OrderType   OrderType   `json:"order_type"`
	Quantity    float64     `json:"qty"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	Status      OrderStatus `json:"status"`
	SubmittedAt time.Time   `json:"submitted_at"`
	FilledAt    time.Time   `json:"filled_at,omitzero"`
}

// Trade is one fill of an order. An order maps to one trade per fill event;
// with all-or-nothing matching that is exactly one trade per filled order.
type Trade struct {
	ID         string    `json:"id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       Side      `json:"side"`
	Quantity   float64   `json:"qty"`
	Price      float64   `json:"price"`
	Commission float64   `json:"commission"`
	ExecutedAt time.Time `json:"executed_at"`
}

// Position is the net signed holding of one symbol. Quantity is positive for
// LONG and negative for SHORT; Side always agrees with the sign.
type Position struct {
	Symbol       string       `json:"symbol"`
	Quantity     float64      `json:"qty"`
	AveragePrice float64      `json:"avg_price"`
	CurrentPrice float64      `json:"current_price"`
	Side         PositionSide `json:"side"`
	OpenedAt     time.Time    `json:"opened_at"`
	LastUpdated  time.Time    `json:"last_updated"`
}

// UnrealizedPnL is the mark-to-market profit against the average entry.
func (p Position) UnrealizedPnL() float64 {
	return (p.CurrentPrice - p.AveragePrice) * p.Quantity
}

// ————————————————————————————————————————————————————————————————————————
// Vendor wire payloads
// ————————————————————————————————————————————————————————————————————————
// The streaming session delivers JSON arrays of envelopes tagged by "T":
// control messages ("success", "error", "subscription") and bar messages
// ("b"). The historical REST endpoint returns pages of the same bar shape
// keyed by symbol.

// WireBar is the vendor bar payload shared by the stream and REST surfaces.
type WireBar struct {
	Timestamp  time.Time `json:"t"`
	Open       float64   `json:"o"`
	High       float64   `json:"h"`
	Low        float64   `json:"l"`
	Close      float64   `json:"c"`
	Volume     float64   `json:"v"`
	VWAP       float64   `json:"vw"`
	TradeCount int       `json:"n"`
}

// Bar converts a wire bar to the internal representation.
func (w WireBar) Bar(symbol string) Bar {
	return Bar{
		Symbol:     symbol,
		Timestamp:  w.Timestamp,
		Open:       w.Open,
		High:       w.High,
		Low:        w.Low,
		Close:      w.Close,
		Volume:     w.Volume,
		VWAP:       w.VWAP,
		TradeCount: w.TradeCount,
	}
}

// StreamEnvelope is the minimal decode used to route incoming stream
// messages before full unmarshalling.
type StreamEnvelope struct {
	MsgType string `json:"T"`
	Msg     string `json:"msg,omitempty"`
	Code    int    `json:"code,omitempty"`
}

// Stream envelope tags.
const (
	StreamMsgSuccess      = "success"
	StreamMsgError        = "error"
	StreamMsgSubscription = "subscription"
	StreamMsgBar          = "b"
)

// StreamBar is a live bar message from the stream ("T":"b").
type StreamBar struct {
	MsgType string `json:"T"`
	Symbol  string `json:"S"`
	WireBar
}

// StreamAuth is the credential message sent after the connection greeting.
type StreamAuth struct {
	Action string `json:"action"` // always "auth"
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// StreamSubscription subscribes or unsubscribes bar channels. The server
// echoes the full active set back in a "subscription" envelope.
type StreamSubscription struct {
	Action string   `json:"action"` // "subscribe" or "unsubscribe"
	Bars   []string `json:"bars"`
}

// BarsPage is one page of the historical bars REST response.
type BarsPage struct {
	Symbol        string    `json:"symbol"`
	Bars          []WireBar `json:"bars"`
	NextPageToken *string   `json:"next_page_token"`
}
