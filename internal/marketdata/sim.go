package marketdata

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"tradeflow/internal/bus"
	"tradeflow/internal/indicator"
	"tradeflow/pkg/types"
)

const componentSim = "sim_data"

// SimConfig configures the synthetic bar generator.
type SimConfig struct {
	Seed       int64
	Interval   time.Duration // bar cadence, default 1s
	StartPrice float64       // default 100
	Drift      float64       // per-bar expected return, default 0
	Volatility float64       // per-bar return stddev, default 0.002
	BaseVolume float64       // default 1000
}

func (c *SimConfig) applyDefaults() {
	if c.Interval <= 0 {
		c.Interval = time.Second
	}
	if c.StartPrice <= 0 {
		c.StartPrice = 100
	}
	if c.Volatility <= 0 {
		c.Volatility = 0.002
	}
	if c.BaseVolume <= 0 {
		c.BaseVolume = 1000
	}
}

// SimProvider publishes synthetic bars on a fixed cadence. Prices follow
// a seeded random walk pulled gently back toward a rolling mean, which
// keeps them range-bound enough for mean-reversion strategies to trade
// against. The same seed always produces the same price path, so runs
// are reproducible.
type SimProvider struct {
	cfg    SimConfig
	bus    *bus.Bus
	logger *slog.Logger

	mu      sync.Mutex
	rng     *rand.Rand
	symbols map[string]*simSeries
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	connected atomic.Bool
}

type simSeries struct {
	price  float64
	window *indicator.RollingWindow
}

// NewSimProvider creates a synthetic provider with the given seed.
func NewSimProvider(cfg SimConfig, b *bus.Bus, logger *slog.Logger) *SimProvider {
	cfg.applyDefaults()
	return &SimProvider{
		cfg:     cfg,
		bus:     b,
		logger:  logger.With("component", componentSim),
		rng:     rand.New(rand.NewSource(cfg.Seed)),
		symbols: make(map[string]*simSeries),
	}
}

// Connect starts the bar generator loop.
func (p *SimProvider) Connect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return errors.New("sim provider already connected")
	}

	genCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	p.cancel = cancel
	p.connected.Store(true)
	p.bus.Publish(bus.NewSystemStatus(componentSim, bus.StatusRunning, "generator started"))

	p.wg.Add(1)
	go p.run(genCtx)
	return nil
}

// Disconnect stops the generator.
func (p *SimProvider) Disconnect() error {
	p.mu.Lock()
	cancel := p.cancel
	p.cancel = nil
	p.mu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	p.wg.Wait()
	p.connected.Store(false)
	p.bus.Publish(bus.NewSystemStatus(componentSim, bus.StatusStopped, "generator stopped"))
	return nil
}

// Subscribe starts generating bars for the given symbols.
func (p *SimProvider) Subscribe(symbols ...string) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		if _, ok := p.symbols[s]; ok {
			continue
		}
		p.symbols[s] = &simSeries{
			price:  p.startPrice(s),
			window: indicator.NewRollingWindow(20),
		}
	}
	return nil
}

// Unsubscribe stops generating bars for the given symbols.
func (p *SimProvider) Unsubscribe(symbols ...string) error {
	if !p.connected.Load() {
		return ErrNotConnected
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range symbols {
		delete(p.symbols, s)
	}
	return nil
}

// HistoricalBars generates a deterministic series for the window. The
// walk is seeded from the configured seed plus the symbol, so the same
// request always yields the same bars.
func (p *SimProvider) HistoricalBars(_ context.Context, symbol, timeframe string, start, end time.Time) ([]types.Bar, error) {
	step := timeframeDuration(timeframe)
	rng := rand.New(rand.NewSource(p.cfg.Seed + int64(symbolHash(symbol))))
	price := p.startPrice(symbol)

	var bars []types.Bar
	for ts := start.Truncate(step); !ts.After(end); ts = ts.Add(step) {
		bar, next := p.nextBar(rng, symbol, price, 0, ts)
		bars = append(bars, bar)
		price = next
	}
	return bars, nil
}

// IsConnected reports whether the generator loop is running.
func (p *SimProvider) IsConnected() bool {
	return p.connected.Load()
}

// ————————————————————————————————————————————————————————————————————————
// Generation
// ————————————————————————————————————————————————————————————————————————

func (p *SimProvider) run(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			p.tick(now)
		}
	}
}

func (p *SimProvider) tick(now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for symbol, series := range p.symbols {
		// Pull toward the rolling mean so the walk stays range-bound.
		var pull float64
		if series.window.Ready() {
			pull = (series.window.Mean() - series.price) / series.price * 0.05
		}

		bar, next := p.nextBar(p.rng, symbol, series.price, pull, now)
		series.price = next
		series.window.Update(bar.Close)

		p.bus.Publish(bus.NewMarketData(bar))
	}
}

// nextBar builds one bar from the current price and returns the close as
// the next period's starting price.
func (p *SimProvider) nextBar(rng *rand.Rand, symbol string, price, pull float64, ts time.Time) (types.Bar, float64) {
	ret := p.cfg.Drift + pull + p.cfg.Volatility*rng.NormFloat64()
	open := price
	close := price * (1 + ret)
	wiggle := math.Abs(p.cfg.Volatility * rng.NormFloat64() / 2)
	high := math.Max(open, close) * (1 + wiggle)
	low := math.Min(open, close) * (1 - wiggle)
	volume := p.cfg.BaseVolume * (0.5 + rng.Float64())

	typical := (high + low + close) / 3
	return types.Bar{
		Symbol:     symbol,
		Timestamp:  ts,
		Open:       open,
		High:       high,
		Low:        low,
		Close:      close,
		Volume:     volume,
		VWAP:       typical,
		TradeCount: 1 + rng.Intn(200),
	}, close
}

// startPrice spreads symbols across distinct price levels so multi-symbol
// runs don't all trade at the same number.
func (p *SimProvider) startPrice(symbol string) float64 {
	return p.cfg.StartPrice * (1 + float64(symbolHash(symbol)%100)/200)
}

func symbolHash(symbol string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(symbol))
	return h.Sum32()
}

// timeframeDuration maps vendor timeframe strings to bar spacing.
func timeframeDuration(tf string) time.Duration {
	switch strings.ToLower(tf) {
	case "1min", "1m":
		return time.Minute
	case "5min", "5m":
		return 5 * time.Minute
	case "15min", "15m":
		return 15 * time.Minute
	case "1hour", "1h":
		return time.Hour
	case "1day", "1d":
		return 24 * time.Hour
	default:
		return time.Minute
	}
}
