package indicator

import (
	"time"

	"tradeflow/pkg/types"
)

// VWAP is the session-cumulative volume-weighted average price, resetting
// when a bar's timestamp crosses into a new trading day in the configured
// zone. Typical price is (high+low+close)/3.
type VWAP struct {
	loc *time.Location

	day    time.Time // midnight of the current session in loc
	cumPV  float64
	cumVol float64
}

// NewVWAP creates a session VWAP using loc to detect day boundaries.
// A nil loc means UTC.
func NewVWAP(loc *time.Location) *VWAP {
	if loc == nil {
		loc = time.UTC
	}
	return &VWAP{loc: loc}
}

// Update feeds one bar, rolling the session when its timestamp is on a new
// trading day.
func (v *VWAP) Update(bar types.Bar) {
	day := dayOf(bar.Timestamp, v.loc)
	if !day.Equal(v.day) {
		v.day = day
		v.cumPV = 0
		v.cumVol = 0
	}

	typical := (bar.High + bar.Low + bar.Close) / 3
	v.cumPV += typical * bar.Volume
	v.cumVol += bar.Volume
}

// Value returns the session VWAP, zero before any volume has been seen.
func (v *VWAP) Value() float64 {
	if v.cumVol == 0 {
		return 0
	}
	return v.cumPV / v.cumVol
}

// Ready reports whether any volume has accumulated this session.
func (v *VWAP) Ready() bool { return v.cumVol > 0 }

// PriceAbove reports whether p trades above the session VWAP.
func (v *VWAP) PriceAbove(p float64) bool {
	return v.Ready() && p > v.Value()
}

// DistancePct returns how far p sits from the session VWAP, in percent of
// the VWAP. Zero before the session has volume.
func (v *VWAP) DistancePct(p float64) float64 {
	val := v.Value()
	if val == 0 {
		return 0
	}
	return (p - val) / val * 100
}

// Reset discards all state including the session marker.
func (v *VWAP) Reset() {
	v.day = time.Time{}
	v.cumPV = 0
	v.cumVol = 0
}

// dayOf truncates ts to midnight in loc.
func dayOf(ts time.Time, loc *time.Location) time.Time {
	local := ts.In(loc)
	y, m, d := local.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, loc)
}
