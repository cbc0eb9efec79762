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

// Opening range breakout: record the high/low envelope of the first N
// minutes after the open, then trade the first close beyond it. One
// entry per symbol per day, ATR-derived stop, hard flat by session end.
// The short side exists but ships disabled.
func init() {
	Register("orb", ParamSchema{
		"range_minutes":     {Kind: KindNumber, Default: 15.0},
		"atr_period":        {Kind: KindNumber, Default: 14.0},
		"atr_stop_multiple": {Kind: KindNumber, Default: 2.0},
		"quantity":          {Kind: KindNumber, Default: 100.0},
		"allow_short":       {Kind: KindBool, Default: false},
		"market_open":       {Kind: KindString, Default: "09:30"},
		"exit_time":         {Kind: KindString, Default: "15:55"},
	}, newORB)
}

// openingRange is the high/low envelope accumulated over the range window.
type openingRange struct {
	high     float64
	low      float64
	hasData  bool
	complete bool
}

func (r *openingRange) observe(bar types.Bar) {
	if !r.hasData {
		r.high, r.low, r.hasData = bar.High, bar.Low, true
		return
	}
	r.high = math.Max(r.high, bar.High)
	r.low = math.Min(r.low, bar.Low)
}

type orbSymbolState struct {
	rng openingRange
	atr *indicator.ATR

	// direction: +1 long, -1 short, 0 flat. Optimistic on emission,
	// authoritative on fill, like the VWAP bounce position flag.
	direction   int
	entryPrice  float64
	stopPrice   float64
	tradedToday bool
	day         time.Time
}

// ORB trades the opening range breakout per symbol. State is touched only
// from the Base loop goroutine.
type ORB struct {
	*Base

	rangeMinutes int
	atrPeriod    int
	stopMultiple float64
	qty          float64
	allowShort   bool
	openMinute   int // minutes past midnight, market time
	exitMinute   int
	loc          *time.Location

	state map[string]*orbSymbolState
}

func newORB(id string, symbols []string, params Params, deps Deps) (Strategy, error) {
	loc := deps.MarketTZ
	if loc == nil {
		loc = time.UTC
	}

	openMinute, err := parseClock(params.String("market_open"))
	if err != nil {
		return nil, fmt.Errorf("market_open: %w", err)
	}
	exitMinute, err := parseClock(params.String("exit_time"))
	if err != nil {
		return nil, fmt.Errorf("exit_time: %w", err)
	}

	s := &ORB{
		rangeMinutes: params.Int("range_minutes"),
		atrPeriod:    params.Int("atr_period"),
		stopMultiple: params.Float("atr_stop_multiple"),
		qty:          params.Float("quantity"),
		allowShort:   params.Bool("allow_short"),
		openMinute:   openMinute,
		exitMinute:   exitMinute,
		loc:          loc,
		state:        make(map[string]*orbSymbolState),
	}
	if s.rangeMinutes <= 0 {
		return nil, fmt.Errorf("range_minutes must be positive, got %d", s.rangeMinutes)
	}
	if exitMinute <= openMinute+s.rangeMinutes {
		return nil, fmt.Errorf("exit_time %q not after the opening range", params.String("exit_time"))
	}

	s.Base = NewBase(id, "orb", symbols, deps.Bus, deps.Logger)
	s.Base.OnMarketData = s.onBar
	s.Base.OnOrderFilled = s.onFill
	return s, nil
}

// Initialize builds fresh per-symbol state.
func (s *ORB) Initialize(context.Context) error {
	for _, symbol := range s.Symbols() {
		s.state[symbol] = &orbSymbolState{atr: indicator.NewATR(s.atrPeriod)}
	}
	return nil
}

func (s *ORB) onBar(md bus.MarketDataEvent) {
	st := s.state[md.Bar.Symbol]
	if st == nil {
		return
	}

	local := md.Bar.Timestamp.In(s.loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc)
	if !day.Equal(st.day) {
		st.rng = openingRange{}
		st.direction = 0
		st.entryPrice, st.stopPrice = 0, 0
		st.tradedToday = false
		st.day = day
	}

	// ATR smooths across sessions.
	st.atr.Update(md.Bar)

	minute := local.Hour()*60 + local.Minute()
	if minute < s.openMinute {
		return
	}

	symbol := md.Bar.Symbol
	close := md.Bar.Close

	// Range-building window.
	if minute < s.openMinute+s.rangeMinutes {
		st.rng.observe(md.Bar)
		return
	}
	if st.rng.hasData && !st.rng.complete {
		st.rng.complete = true
		s.logger.Info("opening range complete",
			"symbol", symbol,
			"high", st.rng.high,
			"low", st.rng.low,
		)
	}

	// Session end: flatten whatever is open, never enter.
	if minute >= s.exitMinute {
		s.forceClose(symbol, st, close)
		return
	}

	if st.direction != 0 {
		s.checkStop(symbol, st, close)
		return
	}
	if !st.tradedToday && st.rng.complete {
		s.tryBreakout(symbol, st, close)
	}
}

func (s *ORB) tryBreakout(symbol string, st *orbSymbolState, close float64) {
	switch {
	case close > st.rng.high:
		breakoutPct := (close - st.rng.high) / st.rng.high * 100
		confidence := 0.80
		if breakoutPct > 0.5 {
			confidence = 0.85
		}
		s.PublishSignal(symbol, types.ActionBuy, confidence, 0, s.qty,
			fmt.Sprintf("breakout %.2f%% above range high %.2f", breakoutPct, st.rng.high))
		st.direction = 1
		st.tradedToday = true
		st.entryPrice = close
		st.stopPrice = s.longStop(st, close)

	case s.allowShort && close < st.rng.low:
		breakoutPct := (st.rng.low - close) / st.rng.low * 100
		confidence := 0.80
		if breakoutPct > 0.5 {
			confidence = 0.85
		}
		s.PublishSignal(symbol, types.ActionSell, confidence, 0, s.qty,
			fmt.Sprintf("breakdown %.2f%% below range low %.2f", breakoutPct, st.rng.low))
		st.direction = -1
		st.tradedToday = true
		st.entryPrice = close
		st.stopPrice = s.shortStop(st, close)
	}
}

func (s *ORB) checkStop(symbol string, st *orbSymbolState, close float64) {
	switch {
	case st.direction > 0 && close <= st.stopPrice:
		s.PublishSignal(symbol, types.ActionSell, 0.85, 0, s.qty,
			fmt.Sprintf("stop hit at %.2f (stop %.2f)", close, st.stopPrice))
		st.direction = 0
		st.entryPrice, st.stopPrice = 0, 0

	case st.direction < 0 && close >= st.stopPrice:
		s.PublishSignal(symbol, types.ActionBuy, 0.85, 0, s.qty,
			fmt.Sprintf("stop hit at %.2f (stop %.2f)", close, st.stopPrice))
		st.direction = 0
		st.entryPrice, st.stopPrice = 0, 0
	}
}

func (s *ORB) forceClose(symbol string, st *orbSymbolState, close float64) {
	if st.direction == 0 {
		return
	}
	action := types.ActionSell
	if st.direction < 0 {
		action = types.ActionBuy
	}
	s.PublishSignal(symbol, action, 0.90, 0, s.qty,
		fmt.Sprintf("session close at %.2f", close))
	st.direction = 0
	st.entryPrice, st.stopPrice = 0, 0
}

// longStop is the tighter of the range low and an ATR multiple below
// entry. Before the ATR is ready only the range low applies.
func (s *ORB) longStop(st *orbSymbolState, entry float64) float64 {
	if !st.atr.Ready() {
		return st.rng.low
	}
	return math.Max(st.rng.low, entry-st.atr.StopDistance(s.stopMultiple))
}

func (s *ORB) shortStop(st *orbSymbolState, entry float64) float64 {
	if !st.atr.Ready() {
		return st.rng.high
	}
	return math.Min(st.rng.high, entry+st.atr.StopDistance(s.stopMultiple))
}

// onFill re-anchors entries at the actual fill price; any fill that does
// not match the optimistic direction is an exit and flattens.
func (s *ORB) onFill(fill bus.OrderFilledEvent) {
	st := s.state[fill.Symbol]
	if st == nil {
		return
	}
	switch {
	case fill.Side == types.SideBuy && st.direction > 0:
		st.entryPrice = fill.FillPrice
		st.stopPrice = s.longStop(st, fill.FillPrice)
	case fill.Side == types.SideSell && st.direction < 0:
		st.entryPrice = fill.FillPrice
		st.stopPrice = s.shortStop(st, fill.FillPrice)
	default:
		st.direction = 0
		st.entryPrice, st.stopPrice = 0, 0
	}
}

// parseClock converts "HH:MM" to minutes past midnight.
func parseClock(s string) (int, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, fmt.Errorf("want HH:MM, got %q", s)
	}
	return t.Hour()*60 + t.Minute(), nil
}
