// Package risk enforces pre-trade limits and tracks daily trading
// activity.
//
// Validation runs every rule in a fixed order and accumulates messages;
// any hard rejection flips the verdict to rejected, warnings fire at 80%
// of a threshold without blocking. The daily ledger (order count, dollar
// volume, realized PnL) rolls over at midnight in the configured
// timezone, checked on every call.
package risk

import (
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"tradeflow/pkg/types"
)

const warnFraction = 0.8

// Limits are the hard thresholds. A zero value disables its rule.
type Limits struct {
	MaxPositionNotional    float64 // per-order notional cap
	MaxOrdersPerDay        int
	MaxDailyDollarVolume   float64
	MaxSymbolConcentration float64 // fraction of portfolio equity
	MaxDailyLoss           float64 // positive dollars of realized loss
}

// EquityFunc supplies current portfolio equity for the concentration rule.
type EquityFunc func() float64

// Verdict is the outcome of validating one order request.
type Verdict struct {
	Approved   bool
	Rejections []string
	Warnings   []string
	RiskScore  float64 // max threshold ratio, clamped to [0,1]
}

// LedgerSnapshot is a read-only view of today's activity.
type LedgerSnapshot struct {
	Day         time.Time `json:"day"`
	OrdersToday int       `json:"orders_today"`
	VolumeToday float64   `json:"volume_today"`
	RealizedPnL float64   `json:"realized_pnl"`
}

// Manager validates orders against limits and owns the daily ledger.
type Manager struct {
	mu     sync.Mutex
	limits Limits
	equity EquityFunc
	loc    *time.Location
	logger *slog.Logger

	day         time.Time // midnight of the ledger day in loc
	ordersToday int
	volumeToday float64
	realized    float64 // signed; losses are negative

	now func() time.Time
}

// New creates a risk manager. loc controls the daily rollover boundary;
// nil means UTC.
func New(limits Limits, equity EquityFunc, loc *time.Location, logger *slog.Logger) *Manager {
	if loc == nil {
		loc = time.UTC
	}
	m := &Manager{
		limits: limits,
		equity: equity,
		loc:    loc,
		logger: logger.With("component", "risk"),
		now:    time.Now,
	}
	m.day = dayOf(m.now(), loc)
	return m
}

// ValidateOrder checks the request against every limit. All rules run so
// the verdict carries the full set of messages.
func (m *Manager) ValidateOrder(req types.OrderRequest) Verdict {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	v := Verdict{Approved: true}
	notional := req.Notional()
	maxRatio := 0.0

	check := func(ratio float64, reject bool, msg string) {
		maxRatio = math.Max(maxRatio, ratio)
		if reject {
			v.Approved = false
			v.Rejections = append(v.Rejections, msg)
		} else if ratio >= warnFraction {
			v.Warnings = append(v.Warnings, msg)
		}
	}

	if m.limits.MaxPositionNotional > 0 {
		ratio := notional / m.limits.MaxPositionNotional
		check(ratio, notional > m.limits.MaxPositionNotional,
			fmt.Sprintf("order notional %.2f against limit %.2f", notional, m.limits.MaxPositionNotional))
	}

	if m.limits.MaxOrdersPerDay > 0 {
		next := m.ordersToday + 1
		ratio := float64(next) / float64(m.limits.MaxOrdersPerDay)
		check(ratio, next > m.limits.MaxOrdersPerDay,
			fmt.Sprintf("order %d of %d allowed today", next, m.limits.MaxOrdersPerDay))
	}

	if m.limits.MaxDailyDollarVolume > 0 {
		projected := m.volumeToday + notional
		ratio := projected / m.limits.MaxDailyDollarVolume
		check(ratio, projected > m.limits.MaxDailyDollarVolume,
			fmt.Sprintf("daily volume %.2f against limit %.2f", projected, m.limits.MaxDailyDollarVolume))
	}

	if m.limits.MaxSymbolConcentration > 0 && m.equity != nil && notional > 0 {
		equity := m.equity()
		if equity <= 0 {
			check(math.Inf(1), true, "portfolio equity is not positive")
		} else {
			conc := notional / equity
			ratio := conc / m.limits.MaxSymbolConcentration
			check(ratio, conc > m.limits.MaxSymbolConcentration,
				fmt.Sprintf("concentration %.2f%% against limit %.2f%%", conc*100, m.limits.MaxSymbolConcentration*100))
		}
	}

	if m.limits.MaxDailyLoss > 0 {
		loss := math.Max(0, -m.realized)
		ratio := loss / m.limits.MaxDailyLoss
		check(ratio, loss >= m.limits.MaxDailyLoss,
			fmt.Sprintf("realized daily loss %.2f against limit %.2f", loss, m.limits.MaxDailyLoss))
	}

	v.RiskScore = clamp01(maxRatio)

	if !v.Approved {
		m.logger.Warn("order rejected",
			"symbol", req.Symbol,
			"strategy", req.StrategyID,
			"rejections", v.Rejections,
			"risk_score", v.RiskScore,
		)
	} else if len(v.Warnings) > 0 {
		m.logger.Info("order approved with warnings",
			"symbol", req.Symbol,
			"warnings", v.Warnings,
			"risk_score", v.RiskScore,
		)
	}
	return v
}

// RecordOrder adds an approved order to today's ledger.
func (m *Manager) RecordOrder(req types.OrderRequest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	m.ordersToday++
	m.volumeToday += req.Notional()
}

// RecordRealizedPnL folds a fill's realized PnL into today's ledger.
func (m *Manager) RecordRealizedPnL(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	m.realized += pnl
}

// Snapshot returns today's ledger for reporting.
func (m *Manager) Snapshot() LedgerSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rollover()

	return LedgerSnapshot{
		Day:         m.day,
		OrdersToday: m.ordersToday,
		VolumeToday: m.volumeToday,
		RealizedPnL: m.realized,
	}
}

// rollover resets the ledger when the configured day boundary passes.
// Callers hold m.mu.
func (m *Manager) rollover() {
	today := dayOf(m.now(), m.loc)
	if today.Equal(m.day) {
		return
	}
	m.logger.Info("daily ledger rollover",
		"previous_day", m.day.Format(time.DateOnly),
		"orders", m.ordersToday,
		"volume", m.volumeToday,
		"realized_pnl", m.realized,
	)
	m.day = today
	m.ordersToday = 0
	m.volumeToday = 0
	m.realized = 0
}

func dayOf(t time.Time, loc *time.Location) time.Time {
	t = t.In(loc)
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, loc)
}

func clamp01(x float64) float64 {
	return math.Min(1, math.Max(0, x))
}
