package indicator

// RollingWindow keeps the last n samples in a ring buffer and answers
// high/low/mean queries over them.
type RollingWindow struct {
	buf   []float64
	size  int
	next  int
	count int
}

// NewRollingWindow creates a window over the last n samples. Sizes below 1
// are clamped to 1.
func NewRollingWindow(n int) *RollingWindow {
	if n < 1 {
		n = 1
	}
	return &RollingWindow{buf: make([]float64, n), size: n}
}

// Update pushes one sample, evicting the oldest once the window is full.
func (w *RollingWindow) Update(v float64) {
	w.buf[w.next] = v
	w.next = (w.next + 1) % w.size
	if w.count < w.size {
		w.count++
	}
}

// Value returns the rolling mean, matching the common indicator surface.
func (w *RollingWindow) Value() float64 { return w.Mean() }

// Ready reports whether the window has filled once.
func (w *RollingWindow) Ready() bool { return w.count == w.size }

// High returns the maximum of the buffered samples, zero when empty.
func (w *RollingWindow) High() float64 {
	if w.count == 0 {
		return 0
	}
	high := w.buf[0]
	for i := 1; i < w.count; i++ {
		if w.buf[i] > high {
			high = w.buf[i]
		}
	}
	return high
}

// Low returns the minimum of the buffered samples, zero when empty.
func (w *RollingWindow) Low() float64 {
	if w.count == 0 {
		return 0
	}
	low := w.buf[0]
	for i := 1; i < w.count; i++ {
		if w.buf[i] < low {
			low = w.buf[i]
		}
	}
	return low
}

// Mean returns the average of the buffered samples, zero when empty.
func (w *RollingWindow) Mean() float64 {
	if w.count == 0 {
		return 0
	}
	sum := 0.0
	for i := 0; i < w.count; i++ {
		sum += w.buf[i]
	}
	return sum / float64(w.count)
}

// Reset discards all samples.
func (w *RollingWindow) Reset() {
	w.next = 0
	w.count = 0
}
