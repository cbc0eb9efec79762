// Package bus implements the typed in-process event bus every component
// communicates through.
//
// The bus has no dispatcher goroutine. Publishers enqueue into each
// subscriber's bounded channel synchronously on their own goroutine:
//
//  1. Publish tries a non-blocking send per subscriber and drops, for that
//     subscriber only, when its buffer is full. The publisher never stalls
//     on a slow consumer; drops are counted per subscription and per type.
//  2. PublishBlocking sends with cooperative cancellation and is reserved
//     for system status events that must not be silently lost.
//
// Ordering: a single publisher goroutine publishing events of one type
// observes per-subscriber FIFO. Nothing is guaranteed across publishers or
// across event types.
package bus

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"tradeflow/internal/metrics"
)

// DefaultBuffer is the per-subscriber channel capacity when the config
// does not override it.
const DefaultBuffer = 256

// ErrBusClosed is returned by Subscribe and PublishBlocking after Close.
var ErrBusClosed = errors.New("bus: closed")

// Subscription is one subscriber's bounded queue for a single event type.
// Receive from Events until it is closed by Unsubscribe or bus Close.
type Subscription struct {
	eventType EventType
	ch        chan Event
	dropped   atomic.Uint64
}

// Events returns the receive side of the subscription.
func (s *Subscription) Events() <-chan Event { return s.ch }

// EventType returns the type this subscription is bound to.
func (s *Subscription) EventType() EventType { return s.eventType }

// Dropped returns how many events were dropped for this subscriber because
// its buffer was full.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Bus fans events out to per-type subscriber lists. The subscriber map is
// guarded by a reader-writer lock: publishes hold the read side, so they
// run concurrently with each other; Subscribe, Unsubscribe and Close hold
// the write side.
type Bus struct {
	mu     sync.RWMutex
	subs   map[EventType][]*Subscription
	closed bool

	buffer  int
	dropped map[EventType]*atomic.Uint64
	logger  *slog.Logger
}

// New creates a bus with the given per-subscriber buffer capacity.
// A non-positive buffer falls back to DefaultBuffer.
func New(buffer int, logger *slog.Logger) *Bus {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	dropped := make(map[EventType]*atomic.Uint64, len(AllEventTypes))
	for _, t := range AllEventTypes {
		dropped[t] = &atomic.Uint64{}
	}
	return &Bus{
		subs:    make(map[EventType][]*Subscription),
		buffer:  buffer,
		dropped: dropped,
		logger:  logger.With("component", "bus"),
	}
}

// Subscribe registers a new bounded queue for the given event type.
func (b *Bus) Subscribe(t EventType) (*Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrBusClosed
	}
	sub := &Subscription{eventType: t, ch: make(chan Event, b.buffer)}
	b.subs[t] = append(b.subs[t], sub)
	return sub, nil
}

// Unsubscribe removes the subscription and closes its channel. Safe to call
// for a subscription that was already removed.
func (b *Bus) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	list := b.subs[sub.eventType]
	for i, s := range list {
		if s == sub {
			b.subs[sub.eventType] = append(list[:i], list[i+1:]...)
			close(sub.ch)
			return
		}
	}
}

// Publish delivers the event to every subscriber of its type without ever
// blocking. Subscribers whose buffers are full miss this event; the drop is
// recorded and delivery to the remaining subscribers continues.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}
	t := ev.Type()
	metrics.BusPublished.WithLabelValues(string(t)).Inc()
	for _, sub := range b.subs[t] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
			b.dropped[t].Add(1)
			metrics.BusDropped.WithLabelValues(string(t)).Inc()
		}
	}
}

// PublishBlocking delivers the event to every subscriber of its type,
// waiting for buffer space. It returns the context error if cancelled
// before all subscribers accepted the event; subscribers already reached
// keep their copy.
func (b *Bus) PublishBlocking(ctx context.Context, ev Event) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrBusClosed
	}
	t := ev.Type()
	metrics.BusPublished.WithLabelValues(string(t)).Inc()
	for _, sub := range b.subs[t] {
		select {
		case sub.ch <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Dropped returns the total number of drops recorded for an event type
// across all past and present subscribers.
func (b *Bus) Dropped(t EventType) uint64 {
	if c, ok := b.dropped[t]; ok {
		return c.Load()
	}
	return 0
}

// Close shuts the bus down: all subscriber channels are closed, the
// subscriber map is cleared, and further Subscribe calls fail with
// ErrBusClosed. Publish becomes a no-op. Callers must stop blocking
// publishers (cancel their contexts) before Close.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for t, list := range b.subs {
		for _, sub := range list {
			close(sub.ch)
		}
		delete(b.subs, t)
	}
	b.logger.Debug("bus closed")
}
