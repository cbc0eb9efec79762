package indicator

import (
	"math"
	"testing"

	"tradeflow/pkg/types"
)

func bar(high, low, closePrice float64) types.Bar {
	return types.Bar{High: high, Low: low, Close: closePrice}
}

func TestATRWilderSmoothing(t *testing.T) {
	t.Parallel()

	a := NewATR(3)

	// TR1 = 10 - 9 = 1 (no previous close)
	a.Update(bar(10, 9, 9.5))
	if a.Ready() {
		t.Fatal("ready after 1 bar")
	}
	// TR2 = max(0.7, |10.5-9.5|, |9.8-9.5|) = 1.0
	a.Update(bar(10.5, 9.8, 10.2))
	// TR3 = max(0.5, |10.4-10.2|, |9.9-10.2|) = 0.5
	a.Update(bar(10.4, 9.9, 10.0))

	if !a.Ready() {
		t.Fatal("not ready after 3 bars")
	}
	want := (1.0 + 1.0 + 0.5) / 3
	if got := a.Value(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("seed ATR = %v, want %v", got, want)
	}

	// TR4 = max(0.7, |10.2-10.0|, |9.5-10.0|) = 0.7
	// ATR = (0.833_*2 + 0.7)/3
	a.Update(bar(10.2, 9.5, 9.8))
	want = (want*2 + 0.7) / 3
	if got := a.Value(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("Wilder ATR = %v, want %v", got, want)
	}
}

func TestATRGapTrueRange(t *testing.T) {
	t.Parallel()

	a := NewATR(2)
	a.Update(bar(100, 99, 100))
	// Gap up: the range to the previous close dominates the bar's own range.
	a.Update(bar(106, 105, 105.5))

	want := (1.0 + 6.0) / 2
	if got := a.Value(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("ATR = %v, want %v (gap TR of 6)", got, want)
	}
}

func TestATRStopDistance(t *testing.T) {
	t.Parallel()

	a := NewATR(1)
	a.Update(bar(10, 8, 9))

	if got := a.StopDistance(2); math.Abs(got-4.0) > 1e-12 {
		t.Fatalf("StopDistance(2) = %v, want 4.0", got)
	}
}

func TestATRDeterministic(t *testing.T) {
	t.Parallel()

	bars := []types.Bar{
		bar(10, 9, 9.5), bar(10.5, 9.8, 10.2), bar(10.4, 9.9, 10.0),
		bar(10.2, 9.5, 9.8), bar(9.9, 9.4, 9.7),
	}

	x, y := NewATR(3), NewATR(3)
	for _, b := range bars {
		x.Update(b)
		y.Update(b)
		if x.Value() != y.Value() {
			t.Fatalf("instances diverged: %v vs %v", x.Value(), y.Value())
		}
	}
}
