// Package breaker manages named circuit breakers around downstream I/O.
//
// Each named resource (orders store, portfolio store, audit sink, broker)
// gets its own breaker created lazily from one shared policy. Callers wrap
// the downstream call in Execute and treat ErrOpen as "skip and continue
// in-memory"; persistence failures never stop the trading path.
package breaker

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"tradeflow/internal/metrics"
)

// ErrOpen is returned without invoking the wrapped function while the
// breaker for that resource is open.
var ErrOpen = errors.New("breaker: open")

// Config is the shared breaker policy.
type Config struct {
	// FailureThreshold is how many consecutive failures trip the breaker.
	FailureThreshold uint32
	// OpenDuration is how long the breaker stays open before probing.
	OpenDuration time.Duration
	// HalfOpenSuccesses is how many consecutive successes close a probing
	// breaker.
	HalfOpenSuccesses uint32
}

// DatabaseDefaults is the policy applied to repository calls.
func DatabaseDefaults() Config {
	return Config{
		FailureThreshold:  5,
		OpenDuration:      10 * time.Second,
		HalfOpenSuccesses: 2,
	}
}

// StateChangeFunc observes breaker transitions, for status reporting.
type StateChangeFunc func(name string, from, to gobreaker.State)

// Manager holds one breaker per named resource, all sharing the same
// policy. Breakers are created on first use.
type Manager struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker

	cfg      Config
	onChange StateChangeFunc
	logger   *slog.Logger
}

// NewManager creates a breaker manager. onChange may be nil.
func NewManager(cfg Config, onChange StateChangeFunc, logger *slog.Logger) *Manager {
	return &Manager{
		breakers: make(map[string]*gobreaker.CircuitBreaker),
		cfg:      cfg,
		onChange: onChange,
		logger:   logger.With("component", "breaker"),
	}
}

// Execute runs fn through the breaker named name. While the breaker is open
// it returns ErrOpen without invoking fn; otherwise it returns fn's error.
func (m *Manager) Execute(name string, fn func() error) error {
	cb := m.get(name)
	_, err := cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("%s: %w", name, ErrOpen)
	}
	return err
}

// State reports the current state of the named breaker. Unused names read
// as closed.
func (m *Manager) State(name string) gobreaker.State {
	m.mu.Lock()
	cb, ok := m.breakers[name]
	m.mu.Unlock()
	if !ok {
		return gobreaker.StateClosed
	}
	return cb.State()
}

// States snapshots every known breaker, for dashboards.
func (m *Manager) States() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]string, len(m.breakers))
	for name, cb := range m.breakers {
		out[name] = cb.State().String()
	}
	return out
}

func (m *Manager) get(name string) *gobreaker.CircuitBreaker {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cb, ok := m.breakers[name]; ok {
		return cb
	}

	threshold := m.cfg.FailureThreshold
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: m.cfg.HalfOpenSuccesses,
		Timeout:     m.cfg.OpenDuration,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			m.logger.Warn("breaker state change",
				"name", name,
				"from", from.String(),
				"to", to.String(),
			)
			metrics.BreakerState.WithLabelValues(name).Set(stateGauge(to))
			if m.onChange != nil {
				m.onChange(name, from, to)
			}
		},
	})
	m.breakers[name] = cb
	metrics.BreakerState.WithLabelValues(name).Set(stateGauge(gobreaker.StateClosed))
	return cb
}

func stateGauge(s gobreaker.State) float64 {
	switch s {
	case gobreaker.StateOpen:
		return 2
	case gobreaker.StateHalfOpen:
		return 1
	default:
		return 0
	}
}
