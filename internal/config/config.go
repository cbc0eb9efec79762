// Package config defines all configuration for the trading engine.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TRADEFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Provider kinds accepted by provider.kind.
const (
	ProviderSim    = "sim"
	ProviderAlpaca = "alpaca"
)

// Execution modes accepted by execution.mode.
const (
	ModeDemo = "demo"
	ModeLive = "live"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	Logging    LoggingConfig    `mapstructure:"logging"`
	Market     MarketConfig     `mapstructure:"market"`
	Bus        BusConfig        `mapstructure:"bus"`
	Provider   ProviderConfig   `mapstructure:"provider"`
	Backfill   BackfillConfig   `mapstructure:"backfill"`
	Strategies []StrategyConfig `mapstructure:"strategies"`
	Converter  ConverterConfig  `mapstructure:"converter"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Broker     BrokerConfig     `mapstructure:"broker"`
	Breaker    BreakerConfig    `mapstructure:"breaker"`
	Storage    StorageConfig    `mapstructure:"storage"`
	API        APIConfig        `mapstructure:"api"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MarketConfig pins the trading-session clock. Timezone is the IANA zone
// session-anchored indicators (VWAP resets, opening ranges) run in.
type MarketConfig struct {
	Timezone string `mapstructure:"timezone"`
}

// BusConfig sizes the per-subscriber event channels. A slow subscriber
// starts dropping events once its channel holds Buffer undelivered events.
type BusConfig struct {
	Buffer int `mapstructure:"buffer"`
}

// ProviderConfig selects and tunes the market data source. Key/Secret are
// the data vendor credentials, shared by the stream and history clients
// (set TRADEFLOW_DATA_KEY / TRADEFLOW_DATA_SECRET).
type ProviderConfig struct {
	Kind    string        `mapstructure:"kind"`
	Key     string        `mapstructure:"key"`
	Secret  string        `mapstructure:"secret"`
	Stream  StreamConfig  `mapstructure:"stream"`
	History HistoryConfig `mapstructure:"history"`
	Sim     SimConfig     `mapstructure:"sim"`
}

// StreamConfig tunes the live WebSocket feed, including the reconnect
// backoff schedule applied when the vendor drops the session.
type StreamConfig struct {
	URL                  string        `mapstructure:"url"`
	ReconnectDelay       time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectDelay    time.Duration `mapstructure:"max_reconnect_delay"`
	MaxReconnectAttempts int           `mapstructure:"max_reconnect_attempts"`
}

// HistoryConfig tunes the REST client used for historical bars. The token
// bucket (Burst, RatePerSecond) guards the vendor's request cap.
type HistoryConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	PageLimit      int           `mapstructure:"page_limit"`
	Burst          float64       `mapstructure:"burst"`
	RatePerSecond  float64       `mapstructure:"rate_per_second"`
}

// SimConfig tunes the seeded random-walk provider used for offline runs.
type SimConfig struct {
	Seed       int64         `mapstructure:"seed"`
	Interval   time.Duration `mapstructure:"interval"`
	StartPrice float64       `mapstructure:"start_price"`
	Drift      float64       `mapstructure:"drift"`
	Volatility float64       `mapstructure:"volatility"`
	BaseVolume float64       `mapstructure:"base_volume"`
}

// BackfillConfig controls the historical replay run at startup so
// indicators are warm before the first live bar.
type BackfillConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	LookbackDays int           `mapstructure:"lookback_days"`
	Timeframe    string        `mapstructure:"timeframe"`
	BatchSize    int           `mapstructure:"batch_size"`
	BatchPause   time.Duration `mapstructure:"batch_pause"`
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
}

// StrategyConfig declares one strategy instance. Kind selects the
// registered algorithm, ID names this instance in signals and logs, and
// Params feeds the kind's parameter schema.
type StrategyConfig struct {
	ID      string         `mapstructure:"id"`
	Kind    string         `mapstructure:"kind"`
	Symbols []string       `mapstructure:"symbols"`
	Params  map[string]any `mapstructure:"params"`
}

// ConverterConfig tunes the signal-to-order stage. Starting with Enabled
// false runs the engine in observation mode: signals flow and are logged
// but no orders are created until the flag is flipped at runtime.
type ConverterConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	Enabled       bool    `mapstructure:"enabled"`
}

// RiskConfig sets the hard limits orders are validated against. A zero
// limit disables that rule. Timezone anchors the daily ledger rollover;
// BaseEquity seeds the concentration rule before any fills arrive.
type RiskConfig struct {
	Timezone               string  `mapstructure:"timezone"`
	BaseEquity             float64 `mapstructure:"base_equity"`
	MaxPositionNotional    float64 `mapstructure:"max_position_notional"`
	MaxOrdersPerDay        int     `mapstructure:"max_orders_per_day"`
	MaxDailyDollarVolume   float64 `mapstructure:"max_daily_dollar_volume"`
	MaxSymbolConcentration float64 `mapstructure:"max_symbol_concentration"`
	MaxDailyLoss           float64 `mapstructure:"max_daily_loss"`
}

// ExecutionConfig selects demo or live order handling.
//
//   - SpreadPct: full synthetic spread around the last close, in percent.
//   - SlippagePct: adverse fill adjustment for demo market orders, percent.
//   - Commission: flat commission charged per trade.
//   - MatchInterval: how often resting demo limit orders are re-checked.
type ExecutionConfig struct {
	Mode          string        `mapstructure:"mode"`
	SpreadPct     float64       `mapstructure:"spread_pct"`
	SlippagePct   float64       `mapstructure:"slippage_pct"`
	Commission    float64       `mapstructure:"commission"`
	MatchInterval time.Duration `mapstructure:"match_interval"`
}

// BrokerConfig holds live-mode broker credentials
// (set TRADEFLOW_BROKER_KEY / TRADEFLOW_BROKER_SECRET).
type BrokerConfig struct {
	Key     string `mapstructure:"key"`
	Secret  string `mapstructure:"secret"`
	BaseURL string `mapstructure:"base_url"`
}

// BreakerConfig is the circuit-breaker policy shared by all persistence
// and broker calls.
type BreakerConfig struct {
	FailureThreshold  uint32        `mapstructure:"failure_threshold"`
	OpenDuration      time.Duration `mapstructure:"open_duration"`
	HalfOpenSuccesses uint32        `mapstructure:"half_open_successes"`
}

// StorageConfig sets where orders, positions, trades and the audit trail
// are persisted (JSON files).
type StorageConfig struct {
	DataDir string `mapstructure:"data_dir"`
}

// APIConfig controls the dashboard HTTP server.
type APIConfig struct {
	Enabled        bool     `mapstructure:"enabled"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TRADEFLOW_DATA_KEY, TRADEFLOW_DATA_SECRET,
// TRADEFLOW_BROKER_KEY, TRADEFLOW_BROKER_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TRADEFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if key := os.Getenv("TRADEFLOW_DATA_KEY"); key != "" {
		cfg.Provider.Key = key
	}
	if secret := os.Getenv("TRADEFLOW_DATA_SECRET"); secret != "" {
		cfg.Provider.Secret = secret
	}
	if key := os.Getenv("TRADEFLOW_BROKER_KEY"); key != "" {
		cfg.Broker.Key = key
	}
	if secret := os.Getenv("TRADEFLOW_BROKER_SECRET"); secret != "" {
		cfg.Broker.Secret = secret
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "text")
	v.SetDefault("market.timezone", "America/New_York")
	v.SetDefault("bus.buffer", 256)
	v.SetDefault("provider.kind", ProviderSim)
	v.SetDefault("provider.stream.url", "wss://stream.data.alpaca.markets/v2/iex")
	v.SetDefault("provider.stream.reconnect_delay", "1s")
	v.SetDefault("provider.stream.max_reconnect_delay", "30s")
	v.SetDefault("provider.stream.max_reconnect_attempts", 10)
	v.SetDefault("provider.history.base_url", "https://data.alpaca.markets")
	v.SetDefault("provider.history.request_timeout", "30s")
	v.SetDefault("provider.history.page_limit", 1000)
	v.SetDefault("provider.history.burst", 30)
	v.SetDefault("provider.history.rate_per_second", 3)
	v.SetDefault("provider.sim.interval", "1s")
	v.SetDefault("provider.sim.start_price", 100.0)
	v.SetDefault("backfill.enabled", true)
	v.SetDefault("backfill.lookback_days", 1)
	v.SetDefault("backfill.timeframe", "1Min")
	v.SetDefault("backfill.batch_size", 100)
	v.SetDefault("backfill.batch_pause", "10ms")
	v.SetDefault("backfill.fetch_timeout", "30s")
	v.SetDefault("converter.min_confidence", 0.70)
	v.SetDefault("converter.enabled", true)
	v.SetDefault("risk.timezone", "UTC")
	v.SetDefault("risk.base_equity", 100000.0)
	v.SetDefault("execution.mode", ModeDemo)
	v.SetDefault("execution.spread_pct", 0.1)
	v.SetDefault("execution.slippage_pct", 0.05)
	v.SetDefault("execution.match_interval", "1s")
	v.SetDefault("breaker.failure_threshold", 5)
	v.SetDefault("breaker.open_duration", "10s")
	v.SetDefault("breaker.half_open_successes", 2)
	v.SetDefault("storage.data_dir", "data")
	v.SetDefault("api.port", 8080)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	switch c.Logging.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("logging.format must be text or json")
	}
	if _, err := time.LoadLocation(c.Market.Timezone); err != nil {
		return fmt.Errorf("market.timezone: %w", err)
	}
	if _, err := time.LoadLocation(c.Risk.Timezone); err != nil {
		return fmt.Errorf("risk.timezone: %w", err)
	}
	if c.Bus.Buffer <= 0 {
		return fmt.Errorf("bus.buffer must be > 0")
	}

	switch c.Provider.Kind {
	case ProviderSim:
	case ProviderAlpaca:
		if c.Provider.Key == "" || c.Provider.Secret == "" {
			return fmt.Errorf("provider.key and provider.secret are required for the alpaca provider (set TRADEFLOW_DATA_KEY / TRADEFLOW_DATA_SECRET)")
		}
		if c.Provider.Stream.URL == "" {
			return fmt.Errorf("provider.stream.url is required for the alpaca provider")
		}
	default:
		return fmt.Errorf("provider.kind must be one of: %s, %s", ProviderSim, ProviderAlpaca)
	}

	if len(c.Strategies) == 0 {
		return fmt.Errorf("at least one strategy is required")
	}
	ids := make(map[string]bool, len(c.Strategies))
	for i, s := range c.Strategies {
		if s.ID == "" {
			return fmt.Errorf("strategies[%d].id is required", i)
		}
		if ids[s.ID] {
			return fmt.Errorf("duplicate strategy id %q", s.ID)
		}
		ids[s.ID] = true
		if s.Kind == "" {
			return fmt.Errorf("strategies[%d].kind is required", i)
		}
		if len(s.Symbols) == 0 {
			return fmt.Errorf("strategy %q needs at least one symbol", s.ID)
		}
	}

	if c.Converter.MinConfidence < 0 || c.Converter.MinConfidence > 1 {
		return fmt.Errorf("converter.min_confidence must be in [0,1]")
	}
	if c.Risk.BaseEquity <= 0 {
		return fmt.Errorf("risk.base_equity must be > 0")
	}
	if c.Risk.MaxSymbolConcentration < 0 || c.Risk.MaxSymbolConcentration > 1 {
		return fmt.Errorf("risk.max_symbol_concentration must be in [0,1]")
	}

	switch c.Execution.Mode {
	case ModeDemo:
	case ModeLive:
		if c.Broker.Key == "" || c.Broker.Secret == "" {
			return fmt.Errorf("broker.key and broker.secret are required for live execution (set TRADEFLOW_BROKER_KEY / TRADEFLOW_BROKER_SECRET)")
		}
	default:
		return fmt.Errorf("execution.mode must be one of: %s, %s", ModeDemo, ModeLive)
	}

	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.API.Enabled && (c.API.Port <= 0 || c.API.Port > 65535) {
		return fmt.Errorf("api.port must be in (0,65535]")
	}
	return nil
}

// MarketLocation resolves market.timezone. Call after Validate.
func (c *Config) MarketLocation() (*time.Location, error) {
	return time.LoadLocation(c.Market.Timezone)
}

// RiskLocation resolves risk.timezone. Call after Validate.
func (c *Config) RiskLocation() (*time.Location, error) {
	return time.LoadLocation(c.Risk.Timezone)
}

// Symbols returns the union of all strategy symbols, sorted. This is the
// set the provider subscribes to and the backfill replays.
func (c *Config) Symbols() []string {
	seen := make(map[string]bool)
	var out []string
	for _, s := range c.Strategies {
		for _, sym := range s.Symbols {
			if !seen[sym] {
				seen[sym] = true
				out = append(out, sym)
			}
		}
	}
	sort.Strings(out)
	return out
}
