// Package backfill replays historical bars through the event bus so
// strategies warm their indicators before live data arrives.
//
// Replayed events carry the original bar timestamp in the bar itself and
// the replay wall-clock time as the event time. Strategies consume them
// on the same channel as live bars and distinguish only by the bar's
// data timestamp.
package backfill

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"tradeflow/internal/bus"
	"tradeflow/internal/marketdata"
)

// Config controls the backfill window and replay pacing.
type Config struct {
	LookbackDays int           // default 1
	Timeframe    string        // default "1Min"
	BatchSize    int           // bars per burst, default 100
	BatchPause   time.Duration // pause between bursts, default 10ms
	FetchTimeout time.Duration // per-symbol fetch deadline, default 30s
}

func (c *Config) applyDefaults() {
	if c.LookbackDays <= 0 {
		c.LookbackDays = 1
	}
	if c.Timeframe == "" {
		c.Timeframe = "1Min"
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BatchPause <= 0 {
		c.BatchPause = 10 * time.Millisecond
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = 30 * time.Second
	}
}

// Runner fetches and replays historical bars one symbol at a time.
type Runner struct {
	cfg      Config
	provider marketdata.Provider
	bus      *bus.Bus
	logger   *slog.Logger

	now func() time.Time
}

// New creates a backfill runner.
func New(cfg Config, provider marketdata.Provider, b *bus.Bus, logger *slog.Logger) *Runner {
	cfg.applyDefaults()
	return &Runner{
		cfg:      cfg,
		provider: provider,
		bus:      b,
		logger:   logger.With("component", "backfill"),
		now:      time.Now,
	}
}

// Run backfills each symbol in turn. A failed fetch is logged and skipped
// so one bad symbol cannot starve the others; cancellation stops the run.
func (r *Runner) Run(ctx context.Context, symbols []string) error {
	end := r.now()
	start := end.AddDate(0, 0, -r.cfg.LookbackDays)

	r.logger.Info("backfill starting",
		"symbols", len(symbols),
		"lookback_days", r.cfg.LookbackDays,
		"timeframe", r.cfg.Timeframe,
	)

	for _, symbol := range symbols {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.replaySymbol(ctx, symbol, start, end); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			r.logger.Warn("backfill failed for symbol", "symbol", symbol, "error", err)
		}
	}
	return nil
}

func (r *Runner) replaySymbol(ctx context.Context, symbol string, start, end time.Time) error {
	fetchCtx, cancel := context.WithTimeout(ctx, r.cfg.FetchTimeout)
	bars, err := r.provider.HistoricalBars(fetchCtx, symbol, r.cfg.Timeframe, start, end)
	cancel()
	if err != nil {
		return fmt.Errorf("fetch %s: %w", symbol, err)
	}

	// Replay order is this runner's contract, whatever the provider did.
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })

	for i := 0; i < len(bars); i += r.cfg.BatchSize {
		batchEnd := i + r.cfg.BatchSize
		if batchEnd > len(bars) {
			batchEnd = len(bars)
		}
		for _, bar := range bars[i:batchEnd] {
			r.bus.Publish(bus.NewMarketData(bar))
		}
		if batchEnd < len(bars) {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.cfg.BatchPause):
			}
		}
	}

	r.logger.Info("backfill complete", "symbol", symbol, "bars", len(bars))
	return nil
}
