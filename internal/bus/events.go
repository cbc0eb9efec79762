package bus

import (
	"time"

	"tradeflow/pkg/types"
)

// EventType routes an event to its subscriber set. Each type has its own
// payload variant below; subscribers type-switch on the concrete type.
type EventType string

const (
	EventMarketData   EventType = "market_data"
	EventSignal       EventType = "signal"
	EventOrder        EventType = "order"
	EventOrderFilled  EventType = "order_filled"
	EventSystemStatus EventType = "system_status"
)

// AllEventTypes lists every routable type, in no particular order.
var AllEventTypes = []EventType{
	EventMarketData,
	EventSignal,
	EventOrder,
	EventOrderFilled,
	EventSystemStatus,
}

// Event is the sealed payload variant carried by the bus. Time is the
// wall-clock instant the event was constructed, not the domain timestamp:
// a backfilled bar constructed now carries an old DataTimestamp but a
// current Time.
type Event interface {
	Type() EventType
	Time() time.Time
}

// MarketDataEvent carries one OHLCV bar, live or replayed. DataTimestamp
// (the bar's own timestamp) is the only field strategies may use to order
// the stream.
type MarketDataEvent struct {
	Bar        types.Bar
	OccurredAt time.Time
}

func NewMarketData(bar types.Bar) MarketDataEvent {
	return MarketDataEvent{Bar: bar, OccurredAt: time.Now()}
}

func (e MarketDataEvent) Type() EventType          { return EventMarketData }
func (e MarketDataEvent) Time() time.Time          { return e.OccurredAt }
func (e MarketDataEvent) Symbol() string           { return e.Bar.Symbol }
func (e MarketDataEvent) DataTimestamp() time.Time { return e.Bar.Timestamp }

// SignalEvent is a strategy's trade recommendation. Price zero means
// "at market"; a positive price requests a limit order at that price.
type SignalEvent struct {
	StrategyID string
	Symbol     string
	Action     types.Action
	Confidence float64 // [0,1]
	Price      float64
	Quantity   float64
	Reason     string
	OccurredAt time.Time
}

func NewSignal(strategyID, symbol string, action types.Action, confidence, price, qty float64, reason string) SignalEvent {
	return SignalEvent{
		StrategyID: strategyID,
		Symbol:     symbol,
		Action:     action,
		Confidence: confidence,
		Price:      price,
		Quantity:   qty,
		Reason:     reason,
		OccurredAt: time.Now(),
	}
}

func (e SignalEvent) Type() EventType { return EventSignal }
func (e SignalEvent) Time() time.Time { return e.OccurredAt }

// OrderEvent carries a validated order from the converter to the execution
// engine. Status is PENDING on the bus; the execution engine owns every
// transition after intake.
type OrderEvent struct {
	Order      types.Order
	OccurredAt time.Time
}

func NewOrder(order types.Order) OrderEvent {
	return OrderEvent{Order: order, OccurredAt: time.Now()}
}

func (e OrderEvent) Type() EventType { return EventOrder }
func (e OrderEvent) Time() time.Time { return e.OccurredAt }

// OrderFilledEvent reports a completed fill back to strategies.
type OrderFilledEvent struct {
	OrderID      string
	StrategyID   string
	Symbol       string
	Side         types.Side
	RequestedQty float64
	FilledQty    float64
	FillPrice    float64
	Commission   float64
	FillTime     time.Time
	OccurredAt   time.Time
}

func (e OrderFilledEvent) Type() EventType { return EventOrderFilled }
func (e OrderFilledEvent) Time() time.Time { return e.OccurredAt }

// ComponentStatus is the lifecycle state reported in system status events.
type ComponentStatus string

const (
	StatusStarting ComponentStatus = "STARTING"
	StatusRunning  ComponentStatus = "RUNNING"
	StatusStopped  ComponentStatus = "STOPPED"
	StatusError    ComponentStatus = "ERROR"
)

// SystemStatusEvent announces a component lifecycle change or degradation.
// These are the only events published with PublishBlocking.
type SystemStatusEvent struct {
	Component  string
	Status     ComponentStatus
	Message    string
	OccurredAt time.Time
}

func NewSystemStatus(component string, status ComponentStatus, message string) SystemStatusEvent {
	return SystemStatusEvent{
		Component:  component,
		Status:     status,
		Message:    message,
		OccurredAt: time.Now(),
	}
}

func (e SystemStatusEvent) Type() EventType { return EventSystemStatus }
func (e SystemStatusEvent) Time() time.Time { return e.OccurredAt }
