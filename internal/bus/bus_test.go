package bus

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"tradeflow/pkg/types"
)

func newTestBus(buffer int) *Bus {
	return New(buffer, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func barEvent(symbol string, seq int) MarketDataEvent {
	return MarketDataEvent{
		Bar:        types.Bar{Symbol: symbol, Close: float64(seq)},
		OccurredAt: time.Now(),
	}
}

func TestPublishFanOut(t *testing.T) {
	t.Parallel()

	b := newTestBus(4)
	defer b.Close()

	first, err := b.Subscribe(EventMarketData)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	second, err := b.Subscribe(EventMarketData)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	other, err := b.Subscribe(EventSignal)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	b.Publish(barEvent("AAPL", 1))

	for _, sub := range []*Subscription{first, second} {
		select {
		case ev := <-sub.Events():
			md, ok := ev.(MarketDataEvent)
			if !ok || md.Symbol() != "AAPL" {
				t.Fatalf("got %#v, want AAPL bar", ev)
			}
		default:
			t.Fatal("subscriber did not receive the event")
		}
	}

	select {
	case ev := <-other.Events():
		t.Fatalf("signal subscriber received %#v", ev)
	default:
	}
}

func TestPerSubscriberFIFO(t *testing.T) {
	t.Parallel()

	b := newTestBus(64)
	defer b.Close()

	sub, err := b.Subscribe(EventMarketData)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	const n = 50
	for i := 0; i < n; i++ {
		b.Publish(barEvent("SPY", i))
	}

	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.Events():
			if got := ev.(MarketDataEvent).Bar.Close; got != float64(i) {
				t.Fatalf("event %d arrived out of order: got seq %v", i, got)
			}
		default:
			t.Fatalf("missing event %d", i)
		}
	}
}

// A subscriber that never reads loses exactly the events beyond its buffer
// while a subscriber that keeps up receives everything in order.
func TestSlowSubscriberDrops(t *testing.T) {
	t.Parallel()

	const buffer = 8
	const rounds = 10

	b := newTestBus(buffer)
	defer b.Close()

	slow, err := b.Subscribe(EventMarketData)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	fast, err := b.Subscribe(EventMarketData)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	seq := 0
	var received []float64
	for r := 0; r < rounds; r++ {
		for i := 0; i < buffer; i++ {
			b.Publish(barEvent("QQQ", seq))
			seq++
		}
		// Drain the fast subscriber between rounds; the slow one never reads.
		for i := 0; i < buffer; i++ {
			select {
			case ev := <-fast.Events():
				received = append(received, ev.(MarketDataEvent).Bar.Close)
			default:
				t.Fatalf("fast subscriber missing event in round %d", r)
			}
		}
	}

	total := uint64(rounds * buffer)
	wantDropped := total - buffer
	if got := slow.Dropped(); got != wantDropped {
		t.Errorf("slow subscriber dropped %d, want %d", got, wantDropped)
	}
	if got := fast.Dropped(); got != 0 {
		t.Errorf("fast subscriber dropped %d, want 0", got)
	}
	if got := b.Dropped(EventMarketData); got != wantDropped {
		t.Errorf("bus drop total = %d, want %d", got, wantDropped)
	}

	if len(received) != int(total) {
		t.Fatalf("fast subscriber received %d events, want %d", len(received), total)
	}
	for i, v := range received {
		if v != float64(i) {
			t.Fatalf("fast subscriber got seq %v at position %d", v, i)
		}
	}
}

func TestPublishBlockingCancelled(t *testing.T) {
	t.Parallel()

	b := newTestBus(1)
	defer b.Close()

	if _, err := b.Subscribe(EventSystemStatus); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	// Fill the single-slot buffer so the next blocking publish must wait.
	b.Publish(NewSystemStatus("feed", StatusRunning, "up"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := b.PublishBlocking(ctx, NewSystemStatus("feed", StatusError, "down"))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("PublishBlocking = %v, want deadline exceeded", err)
	}
}

func TestPublishBlockingWaitsForSpace(t *testing.T) {
	t.Parallel()

	b := newTestBus(1)
	defer b.Close()

	sub, err := b.Subscribe(EventSystemStatus)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Publish(NewSystemStatus("feed", StatusRunning, "up"))

	go func() {
		time.Sleep(20 * time.Millisecond)
		<-sub.Events()
	}()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := b.PublishBlocking(ctx, NewSystemStatus("feed", StatusError, "down")); err != nil {
		t.Fatalf("PublishBlocking = %v, want nil", err)
	}
}

func TestSubscribeAfterClose(t *testing.T) {
	t.Parallel()

	b := newTestBus(4)
	b.Close()

	if _, err := b.Subscribe(EventOrder); !errors.Is(err, ErrBusClosed) {
		t.Fatalf("Subscribe after Close = %v, want ErrBusClosed", err)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	t.Parallel()

	b := newTestBus(4)
	defer b.Close()

	sub, err := b.Subscribe(EventOrderFilled)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	b.Unsubscribe(sub)

	if _, ok := <-sub.Events(); ok {
		t.Fatal("channel still open after Unsubscribe")
	}

	// Publishing after removal must not panic or deliver.
	b.Publish(OrderFilledEvent{OrderID: "x", OccurredAt: time.Now()})
}

func TestCloseClosesAllSubscribers(t *testing.T) {
	t.Parallel()

	b := newTestBus(4)
	one, _ := b.Subscribe(EventMarketData)
	two, _ := b.Subscribe(EventSignal)

	b.Close()

	if _, ok := <-one.Events(); ok {
		t.Error("market data subscription open after Close")
	}
	if _, ok := <-two.Events(); ok {
		t.Error("signal subscription open after Close")
	}

	// Idempotent.
	b.Close()
}
