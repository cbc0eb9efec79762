package strategy

import (
	"context"
	"fmt"
	"math"
	"time"

	"tradeflow/internal/bus"
	"tradeflow/internal/indicator"
	"tradeflow/pkg/types"
)

// VWAP bounce: a long-only day-trade strategy that buys pullbacks to the
// session VWAP while the trend (EMA) is above it, and exits on target,
// trend break, overextension, or stop.
func init() {
	Register("vwap_bounce", ParamSchema{
		"ema_period":           {Kind: KindNumber, Default: 20.0},
		"bounce_tolerance_pct": {Kind: KindNumber, Default: 0.3},
		"target_profit_pct":    {Kind: KindNumber, Default: 1.0},
		"stop_loss_pct":        {Kind: KindNumber, Default: -0.5},
		"quantity":             {Kind: KindNumber, Default: 100.0},
	}, newVWAPBounce)
}

type vwapSymbolState struct {
	vwap *indicator.VWAP
	ema  *indicator.EMA

	// hasPosition flips optimistically when a signal is emitted and is
	// overwritten authoritatively by the order fill.
	hasPosition bool
	entryPrice  float64
}

// VWAPBounce holds per-symbol indicator state. All state is touched only
// from the Base loop goroutine.
type VWAPBounce struct {
	*Base

	tolerance float64 // percent band around VWAP for entries
	target    float64 // percent take-profit
	stop      float64 // percent stop, negative
	qty       float64
	emaPeriod int
	loc       *time.Location

	state map[string]*vwapSymbolState
}

func newVWAPBounce(id string, symbols []string, params Params, deps Deps) (Strategy, error) {
	loc := deps.MarketTZ
	if loc == nil {
		loc = time.UTC
	}

	s := &VWAPBounce{
		tolerance: params.Float("bounce_tolerance_pct"),
		target:    params.Float("target_profit_pct"),
		stop:      params.Float("stop_loss_pct"),
		qty:       params.Float("quantity"),
		emaPeriod: params.Int("ema_period"),
		loc:       loc,
		state:     make(map[string]*vwapSymbolState),
	}
	if s.tolerance <= 0 {
		return nil, fmt.Errorf("bounce_tolerance_pct must be positive, got %v", s.tolerance)
	}
	if s.qty <= 0 {
		return nil, fmt.Errorf("quantity must be positive, got %v", s.qty)
	}

	s.Base = NewBase(id, "vwap_bounce", symbols, deps.Bus, deps.Logger)
	s.Base.OnMarketData = s.onBar
	s.Base.OnOrderFilled = s.onFill
	return s, nil
}

// Initialize builds fresh indicator state for every tracked symbol.
func (s *VWAPBounce) Initialize(context.Context) error {
	for _, symbol := range s.Symbols() {
		s.state[symbol] = &vwapSymbolState{
			vwap: indicator.NewVWAP(s.loc),
			ema:  indicator.NewEMA(s.emaPeriod),
		}
	}
	return nil
}

func (s *VWAPBounce) onBar(md bus.MarketDataEvent) {
	st := s.state[md.Bar.Symbol]
	if st == nil {
		return
	}

	st.vwap.Update(md.Bar)
	st.ema.Update(md.Bar.Close)
	if !st.vwap.Ready() || !st.ema.Ready() {
		return
	}

	close := md.Bar.Close
	vwap := st.vwap.Value()
	distance := st.vwap.DistancePct(close)

	if !st.hasPosition {
		s.tryEnter(md.Bar.Symbol, st, close, vwap, distance)
		return
	}
	s.tryExit(md.Bar.Symbol, st, close, vwap, distance)
}

// tryEnter buys when price sits just above a rising VWAP: close above
// VWAP, EMA confirming the uptrend, and the distance inside the bounce
// tolerance. Confidence grows as the price hugs the VWAP.
func (s *VWAPBounce) tryEnter(symbol string, st *vwapSymbolState, close, vwap, distance float64) {
	if close <= vwap || st.ema.Value() <= vwap {
		return
	}
	if math.Abs(distance) > s.tolerance {
		return
	}

	confidence := 0.75 + (s.tolerance-math.Abs(distance))/s.tolerance*0.15
	if confidence > 0.90 {
		confidence = 0.90
	}

	s.PublishSignal(symbol, types.ActionBuy, confidence, 0, s.qty,
		fmt.Sprintf("bounce %.3f%% above vwap %.4f", distance, vwap))
	st.hasPosition = true
	st.entryPrice = close
}

func (s *VWAPBounce) tryExit(symbol string, st *vwapSymbolState, close, vwap, distance float64) {
	profit := (close - st.entryPrice) / st.entryPrice * 100

	var confidence float64
	var reason string
	switch {
	case profit >= s.target:
		confidence, reason = 0.80, fmt.Sprintf("target reached %.2f%%", profit)
	case close < vwap:
		confidence, reason = 0.85, fmt.Sprintf("trend break below vwap %.4f", vwap)
	case distance > 2*s.target:
		confidence, reason = 0.80, fmt.Sprintf("overextended %.2f%% above vwap", distance)
	case profit <= s.stop:
		confidence, reason = 0.90, fmt.Sprintf("stop loss %.2f%%", profit)
	default:
		return
	}

	s.PublishSignal(symbol, types.ActionSell, confidence, 0, s.qty, reason)
	st.hasPosition = false
	st.entryPrice = 0
}

// onFill is the authoritative position update: entry fills re-anchor the
// entry price at the actual execution, exit fills flatten.
func (s *VWAPBounce) onFill(fill bus.OrderFilledEvent) {
	st := s.state[fill.Symbol]
	if st == nil {
		return
	}
	if fill.Side == types.SideBuy {
		st.hasPosition = true
		st.entryPrice = fill.FillPrice
		return
	}
	st.hasPosition = false
	st.entryPrice = 0
}
