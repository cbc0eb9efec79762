package strategy

import (
	"strings"
	"testing"
	"time"

	"tradeflow/internal/bus"
	"tradeflow/pkg/types"
)

func publishOHLC(b *bus.Bus, symbol string, ts time.Time, high, low, close float64) {
	b.Publish(bus.NewMarketData(types.Bar{
		Symbol:    symbol,
		Timestamp: ts,
		Open:      close,
		High:      high,
		Low:       low,
		Close:     close,
		Volume:    1000,
	}))
}

func tradingDay(day, hour, minute int) time.Time {
	est := time.FixedZone("EST", -5*3600)
	return time.Date(2026, time.January, day, hour, minute, 0, 0, est)
}

// publishOpeningRange feeds the full fifteen-minute range window with
// identical bars, so the envelope is exactly high/low.
func publishOpeningRange(b *bus.Bus, symbol string, day int, high, low, close float64) {
	for i := 0; i < 15; i++ {
		publishOHLC(b, symbol, tradingDay(day, 9, 30+i), high, low, close)
	}
}

func TestORBBreakoutStopAndDailyReset(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, nil)

	// Fifteen 101/99 bars build the range and seed the ATR at 2.0.
	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)

	// First close beyond the range high. 0.50% over 101 stays at base
	// confidence; the ATR stop (97.56) is looser than the range low, so
	// the stop anchors at 99.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 101.6, 101.3, 101.5)

	entry := awaitSignal(t, signals)
	if entry.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY", entry.Action)
	}
	if entry.Confidence != 0.80 {
		t.Errorf("Confidence = %v, want 0.80", entry.Confidence)
	}
	if entry.Quantity != 100 {
		t.Errorf("Quantity = %v, want 100", entry.Quantity)
	}
	if !strings.Contains(entry.Reason, "above range high 101.00") {
		t.Errorf("Reason = %q", entry.Reason)
	}

	// Holding above the stop: silence.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 47), 100.8, 100.2, 100.5)

	// Close through the stop level.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 48), 100.6, 98.4, 98.5)

	exit := awaitSignal(t, signals)
	if exit.Action != types.ActionSell {
		t.Fatalf("Action = %v, want SELL", exit.Action)
	}
	if exit.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", exit.Confidence)
	}
	if !strings.Contains(exit.Reason, "stop hit at 98.50 (stop 99.00)") {
		t.Errorf("Reason = %q", exit.Reason)
	}

	// A second breakout the same day must not trade again.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 49), 101.9, 101.6, 101.8)

	// Next session resets the one-trade latch and rebuilds the range.
	// Its entry arriving as the very next signal proves the re-breakout
	// above emitted nothing. 0.59% over 102 earns the higher confidence.
	publishOpeningRange(b, "AAPL", 6, 102, 100, 101)
	publishOHLC(b, "AAPL", tradingDay(6, 9, 45), 102.7, 102.4, 102.6)

	next := awaitSignal(t, signals)
	if next.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY on the new session", next.Action)
	}
	if next.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", next.Confidence)
	}
	if !strings.Contains(next.Reason, "above range high 102.00") {
		t.Errorf("Reason = %q", next.Reason)
	}
}

func TestORBForceCloseAtSessionEnd(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, nil)

	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 101.6, 101.3, 101.5)
	if sig := awaitSignal(t, signals); sig.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY", sig.Action)
	}

	// Session cutoff flattens the open position at 0.90.
	publishOHLC(b, "AAPL", tradingDay(5, 15, 55), 101.4, 101.1, 101.2)

	exit := awaitSignal(t, signals)
	if exit.Action != types.ActionSell {
		t.Fatalf("Action = %v, want SELL", exit.Action)
	}
	if exit.Confidence != 0.90 {
		t.Errorf("Confidence = %v, want 0.90", exit.Confidence)
	}
	if !strings.Contains(exit.Reason, "session close at 101.20") {
		t.Errorf("Reason = %q", exit.Reason)
	}

	// After the cutoff nothing enters, breakout or not.
	publishOHLC(b, "AAPL", tradingDay(5, 15, 56), 103.2, 102.8, 103.0)
	requireNoSignal(t, signals, 150*time.Millisecond)
}

func TestORBShortDisabledByDefault(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, nil)

	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)

	// Breakdown below the range low is ignored without allow_short.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 98.7, 98.3, 98.5)

	// The long side still works afterwards, which also proves the
	// breakdown bar neither signalled nor burned the daily trade.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 47), 101.6, 101.2, 101.5)

	sig := awaitSignal(t, signals)
	if sig.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY only", sig.Action)
	}
	if !strings.Contains(sig.Reason, "above range high") {
		t.Errorf("Reason = %q", sig.Reason)
	}
}

func TestORBShortBreakoutAndStop(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, Params{"allow_short": true})

	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)

	// 0.51% below the 99 low clears the wide-breakout bar, and the ATR
	// stop (102.46) is looser than the range high, so the stop anchors
	// at 101.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 98.7, 98.3, 98.5)

	entry := awaitSignal(t, signals)
	if entry.Action != types.ActionSell {
		t.Fatalf("Action = %v, want SELL", entry.Action)
	}
	if entry.Confidence != 0.85 {
		t.Errorf("Confidence = %v, want 0.85", entry.Confidence)
	}
	if !strings.Contains(entry.Reason, "below range low 99.00") {
		t.Errorf("Reason = %q", entry.Reason)
	}

	// Close back up through the stop covers the short.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 47), 101.2, 100.7, 101.0)

	exit := awaitSignal(t, signals)
	if exit.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY", exit.Action)
	}
	if !strings.Contains(exit.Reason, "stop hit at 101.00 (stop 101.00)") {
		t.Errorf("Reason = %q", exit.Reason)
	}
}

func TestORBFillReanchorsStop(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, nil)

	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 101.6, 101.3, 101.5)
	if sig := awaitSignal(t, signals); sig.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY", sig.Action)
	}

	// A fill far above the close drags the ATR stop over the range low:
	// 105 minus twice the 1.97 ATR puts the stop at 101.06.
	b.Publish(bus.OrderFilledEvent{
		OrderID:    "o-fill",
		StrategyID: "o1",
		Symbol:     "AAPL",
		Side:       types.SideBuy,
		FilledQty:  100,
		FillPrice:  105,
		OccurredAt: tradingDay(5, 9, 46),
	})
	time.Sleep(100 * time.Millisecond)

	// 101.00 would have survived the optimistic stop at 99.
	publishOHLC(b, "AAPL", tradingDay(5, 9, 47), 101.3, 100.8, 101.0)

	exit := awaitSignal(t, signals)
	if exit.Action != types.ActionSell {
		t.Fatalf("Action = %v, want SELL", exit.Action)
	}
	if !strings.Contains(exit.Reason, "stop hit at 101.00 (stop 101.06)") {
		t.Errorf("Reason = %q", exit.Reason)
	}
}

func TestORBExitFillFlattens(t *testing.T) {
	t.Parallel()

	b, signals := startStrategy(t, "orb", "o1", []string{"AAPL"}, nil)

	publishOpeningRange(b, "AAPL", 5, 101, 99, 100)
	publishOHLC(b, "AAPL", tradingDay(5, 9, 46), 101.6, 101.3, 101.5)
	if sig := awaitSignal(t, signals); sig.Action != types.ActionBuy {
		t.Fatalf("Action = %v, want BUY", sig.Action)
	}

	// A sell fill means the position is already closed elsewhere. The
	// stop must not fire on a position the strategy no longer has.
	b.Publish(bus.OrderFilledEvent{
		OrderID:    "o-exit",
		StrategyID: "o1",
		Symbol:     "AAPL",
		Side:       types.SideSell,
		FilledQty:  100,
		FillPrice:  101.4,
		OccurredAt: tradingDay(5, 9, 46),
	})
	time.Sleep(100 * time.Millisecond)

	publishOHLC(b, "AAPL", tradingDay(5, 9, 48), 100.6, 98.4, 98.5)
	requireNoSignal(t, signals, 150*time.Millisecond)
}
