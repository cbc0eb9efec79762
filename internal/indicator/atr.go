package indicator

import (
	"math"

	"tradeflow/pkg/types"
)

// ATR is the average true range with Wilder smoothing. The first value is
// the simple average of the first period true ranges; afterwards
// atr = (atr*(period-1) + tr) / period.
type ATR struct {
	period    int
	count     int
	prevClose float64
	hasPrev   bool
	trSum     float64
	value     float64
}

// NewATR creates an ATR over the given period. Periods below 1 are clamped
// to 1.
func NewATR(period int) *ATR {
	if period < 1 {
		period = 1
	}
	return &ATR{period: period}
}

// Update feeds one bar.
func (a *ATR) Update(bar types.Bar) {
	tr := bar.High - bar.Low
	if a.hasPrev {
		tr = math.Max(tr, math.Max(
			math.Abs(bar.High-a.prevClose),
			math.Abs(bar.Low-a.prevClose),
		))
	}
	a.prevClose = bar.Close
	a.hasPrev = true

	a.count++
	if a.count <= a.period {
		a.trSum += tr
		if a.count == a.period {
			a.value = a.trSum / float64(a.period)
		}
		return
	}
	a.value = (a.value*float64(a.period-1) + tr) / float64(a.period)
}

// Value returns the current range, zero until Ready.
func (a *ATR) Value() float64 { return a.value }

// Ready reports whether the warm-up period has been consumed.
func (a *ATR) Ready() bool { return a.count >= a.period }

// StopDistance returns k times the current range, the conventional
// volatility-scaled stop offset.
func (a *ATR) StopDistance(k float64) float64 { return k * a.value }

// Reset discards all state.
func (a *ATR) Reset() {
	a.count = 0
	a.prevClose = 0
	a.hasPrev = false
	a.trSum = 0
	a.value = 0
}
