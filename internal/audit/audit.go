// Package audit records the engine's audit trail: order lifecycle, trades,
// position changes and component status transitions.
//
// Recording is best-effort by design. Entries are queued onto a bounded
// channel without blocking and a single background goroutine drains them to
// the repository; when the queue is full the entry is dropped and counted.
// There is no circuit breaker here: a failing audit sink must never slow
// down or stop the trading path.
package audit

import (
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"tradeflow/internal/metrics"
)

// Category classifies an audit entry.
type Category string

const (
	OrderCreated         Category = "ORDER_CREATED"
	OrderRejected        Category = "ORDER_REJECTED"
	OrderFilled          Category = "ORDER_FILLED"
	TradeExecuted        Category = "TRADE_EXECUTED"
	PositionChanged      Category = "POSITION_CHANGED"
	StrategyStateChanged Category = "STRATEGY_STATE_CHANGED"
	SystemStatus         Category = "SYSTEM_STATUS"
)

// Status is the outcome recorded with an entry.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailure Status = "failure"
)

// Entry is one audit record.
type Entry struct {
	ID       string         `json:"id"`
	Category Category       `json:"event_type"`
	Resource string         `json:"resource"`
	Action   string         `json:"action"`
	Status   Status         `json:"status"`
	Details  map[string]any `json:"details,omitempty"`
	TS       time.Time      `json:"ts"`
}

// Repo is the persistence sink for audit entries.
type Repo interface {
	Write(Entry) error
}

// DefaultQueueSize bounds the in-flight audit queue.
const DefaultQueueSize = 1024

// Logger queues audit entries and writes them in the background.
type Logger struct {
	repo   Repo
	logger *slog.Logger

	mu     sync.RWMutex
	closed bool
	queue  chan Entry

	dropped atomic.Uint64
	wg      sync.WaitGroup
}

// New starts an audit logger draining into repo. queueSize <= 0 uses
// DefaultQueueSize.
func New(repo Repo, queueSize int, logger *slog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	l := &Logger{
		repo:   repo,
		logger: logger.With("component", "audit"),
		queue:  make(chan Entry, queueSize),
	}
	l.wg.Add(1)
	go l.drain()
	return l
}

// Record queues an entry without blocking. The ID and timestamp are filled
// in when absent. Entries queued after Close, or while the queue is full,
// are dropped and counted.
func (l *Logger) Record(e Entry) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.TS.IsZero() {
		e.TS = time.Now()
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.drop(e)
		return
	}
	select {
	case l.queue <- e:
	default:
		l.drop(e)
	}
}

// Success records a success-status entry.
func (l *Logger) Success(category Category, resource, action string, details map[string]any) {
	l.Record(Entry{Category: category, Resource: resource, Action: action, Status: StatusSuccess, Details: details})
}

// Failure records a failure-status entry.
func (l *Logger) Failure(category Category, resource, action string, details map[string]any) {
	l.Record(Entry{Category: category, Resource: resource, Action: action, Status: StatusFailure, Details: details})
}

// Dropped returns how many entries were discarded because the queue was
// full or the logger was closed.
func (l *Logger) Dropped() uint64 { return l.dropped.Load() }

// Close stops intake, flushes the queue and waits for the writer to exit.
func (l *Logger) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	close(l.queue)
	l.mu.Unlock()

	l.wg.Wait()
}

func (l *Logger) drop(e Entry) {
	l.dropped.Add(1)
	metrics.AuditDropped.Inc()
	l.logger.Warn("audit entry dropped", "category", e.Category, "resource", e.Resource)
}

func (l *Logger) drain() {
	defer l.wg.Done()
	for e := range l.queue {
		if err := l.repo.Write(e); err != nil {
			l.logger.Warn("audit write failed", "category", e.Category, "error", err)
		}
	}
}
