package api

import (
	"time"

	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

// Snapshot represents the complete dashboard state
type Snapshot struct {
	Timestamp time.Time `json:"timestamp"`

	// Aggregate account state
	Equity        float64 `json:"equity"`
	RealizedPnL   float64 `json:"realized_pnl"`
	UnrealizedPnL float64 `json:"unrealized_pnl"`

	// False while the engine observes signals without trading them.
	TradingEnabled bool `json:"trading_enabled"`

	Positions     []types.Position   `json:"positions"`
	PendingOrders []PendingOrderView `json:"pending_orders"`
	Quotes        []QuoteView        `json:"quotes"`
	Strategies    []StrategyStatus   `json:"strategies"`

	// Risk ledger for the current trading day
	Risk risk.LedgerSnapshot `json:"risk"`

	// Health: breaker state per resource, dropped events per bus type
	Breakers map[string]string `json:"breakers"`
	BusDrops map[string]uint64 `json:"bus_drops"`
}

// PendingOrderView is an order still working inside the execution engine.
type PendingOrderView struct {
	Order     types.Order `json:"order"`
	FilledQty float64     `json:"filled_qty"`
}

// QuoteView is the synthesized top-of-book for one symbol.
type QuoteView struct {
	Symbol    string    `json:"symbol"`
	Bid       float64   `json:"bid"`
	Ask       float64   `json:"ask"`
	Last      float64   `json:"last"`
	Timestamp time.Time `json:"timestamp"`
}

// StrategyStatus reports one strategy instance's lifecycle state.
type StrategyStatus struct {
	ID      string   `json:"id"`
	Name    string   `json:"name"`
	Symbols []string `json:"symbols"`
	Running bool     `json:"running"`
}
