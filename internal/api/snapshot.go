package api

import (
	"time"

	"tradeflow/internal/execution"
	"tradeflow/internal/risk"
	"tradeflow/pkg/types"
)

// Source exposes the engine state the dashboard renders. The engine
// implements it; handlers never reach into components directly.
type Source interface {
	Positions() []types.Position
	PendingOrders() []execution.PendingOrder
	Quotes() []types.MarketPrice
	RiskLedger() risk.LedgerSnapshot
	BreakerStates() map[string]string
	StrategyStates() []StrategyStatus
	BusDrops() map[string]uint64
	TotalEquity() float64
	RealizedPnL() float64
	ConverterEnabled() bool
	SetConverterEnabled(enabled bool)
}

// BuildSnapshot aggregates state from all components into a dashboard snapshot
func BuildSnapshot(src Source) Snapshot {
	positions := src.Positions()
	var unrealized float64
	for _, p := range positions {
		unrealized += p.UnrealizedPnL()
	}

	pending := src.PendingOrders()
	orders := make([]PendingOrderView, 0, len(pending))
	for _, p := range pending {
		orders = append(orders, PendingOrderView{Order: p.Order, FilledQty: p.FilledQty})
	}

	quotes := src.Quotes()
	views := make([]QuoteView, 0, len(quotes))
	for _, q := range quotes {
		views = append(views, QuoteView{
			Symbol:    q.Symbol,
			Bid:       q.Bid,
			Ask:       q.Ask,
			Last:      q.Last,
			Timestamp: q.TS,
		})
	}

	return Snapshot{
		Timestamp:      time.Now(),
		Equity:         src.TotalEquity(),
		RealizedPnL:    src.RealizedPnL(),
		UnrealizedPnL:  unrealized,
		TradingEnabled: src.ConverterEnabled(),
		Positions:      positions,
		PendingOrders:  orders,
		Quotes:         views,
		Strategies:     src.StrategyStates(),
		Risk:           src.RiskLedger(),
		Breakers:       src.BreakerStates(),
		BusDrops:       src.BusDrops(),
	}
}
