package indicator

// EMA is an exponential moving average seeded with the simple average of
// the first period samples, smoothing factor 2/(period+1).
type EMA struct {
	period  int
	alpha   float64
	count   int
	seedSum float64
	value   float64
}

// NewEMA creates an EMA over the given period. Periods below 1 are clamped
// to 1.
func NewEMA(period int) *EMA {
	if period < 1 {
		period = 1
	}
	return &EMA{
		period: period,
		alpha:  2.0 / float64(period+1),
	}
}

// Update feeds one price sample.
func (e *EMA) Update(price float64) {
	e.count++
	if e.count <= e.period {
		e.seedSum += price
		if e.count == e.period {
			e.value = e.seedSum / float64(e.period)
		}
		return
	}
	e.value = e.alpha*price + (1-e.alpha)*e.value
}

// Value returns the current average, zero until Ready.
func (e *EMA) Value() float64 { return e.value }

// Ready reports whether the warm-up period has been consumed.
func (e *EMA) Ready() bool { return e.count >= e.period }

// Reset discards all state.
func (e *EMA) Reset() {
	e.count = 0
	e.seedSum = 0
	e.value = 0
}
