package audit

import (
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

type captureRepo struct {
	mu      sync.Mutex
	entries []Entry
	block   chan struct{} // when non-nil, Write waits until it is closed
}

func (r *captureRepo) Write(e Entry) error {
	if r.block != nil {
		<-r.block
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *captureRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRecordWritesThrough(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	l := New(repo, 16, discard())

	l.Success(OrderCreated, "order:abc", "create", map[string]any{"symbol": "AAPL"})
	l.Failure(OrderRejected, "order:def", "validate", nil)
	l.Close()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.entries) != 2 {
		t.Fatalf("wrote %d entries, want 2", len(repo.entries))
	}
	first := repo.entries[0]
	if first.Category != OrderCreated || first.Status != StatusSuccess {
		t.Errorf("first entry = %+v", first)
	}
	if first.ID == "" || first.TS.IsZero() {
		t.Errorf("entry missing generated ID or timestamp: %+v", first)
	}
	if repo.entries[1].Status != StatusFailure {
		t.Errorf("second entry status = %q, want failure", repo.entries[1].Status)
	}
}

func TestRecordNeverBlocks(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	repo := &captureRepo{block: block}
	l := New(repo, 4, discard())
	defer func() {
		close(block)
		l.Close()
	}()

	// The writer is stuck on the first entry; the queue holds four more.
	// Everything beyond that must be dropped, not block the caller.
	done := make(chan struct{})
	go func() {
		for i := 0; i < 20; i++ {
			l.Success(TradeExecuted, "trade", "execute", nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Record blocked on a full queue")
	}
	if l.Dropped() == 0 {
		t.Error("expected drops with a stuck writer")
	}
}

func TestCloseFlushesQueue(t *testing.T) {
	t.Parallel()

	repo := &captureRepo{}
	l := New(repo, 64, discard())

	const n = 30
	for i := 0; i < n; i++ {
		l.Success(PositionChanged, "position:SPY", "upsert", nil)
	}
	l.Close()

	if got := repo.count(); got != n {
		t.Fatalf("flushed %d entries, want %d", got, n)
	}

	// Recording after Close is a counted drop, not a panic.
	l.Success(SystemStatus, "engine", "stop", nil)
	if got := l.Dropped(); got != 1 {
		t.Fatalf("dropped = %d, want 1", got)
	}
}
