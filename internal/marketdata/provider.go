// Package marketdata implements the market data providers that feed the
// event bus.
//
// Two providers exist behind one interface:
//
//   - Feed: the live vendor binding. A WebSocket session streams one-minute
//     bars with auto-reconnect and re-subscribe; a REST client serves
//     historical bars with rate limiting and pagination.
//   - Sim: a seeded random-walk generator for demo mode and tests.
//
// Every received bar becomes a MarketDataEvent published non-blocking on
// the bus; slow strategy subscribers shed load at the bus, never here.
package marketdata

import (
	"context"
	"errors"
	"time"

	"tradeflow/pkg/types"
)

var (
	// ErrNotConnected is returned by stream operations before Connect.
	ErrNotConnected = errors.New("marketdata: not connected")
	// ErrAuthFailed is returned when the vendor rejects the credentials.
	// It is fatal: no reconnect is attempted.
	ErrAuthFailed = errors.New("marketdata: authentication rejected")
)

// Provider is the engine-facing market data contract.
type Provider interface {
	// Connect establishes the streaming session. The session lives until
	// Disconnect or until reconnect attempts are exhausted.
	Connect(ctx context.Context) error
	// Disconnect tears the session down and waits for internal goroutines.
	Disconnect() error
	// Subscribe starts bar delivery for the given symbols. Subscriptions
	// survive reconnects.
	Subscribe(symbols ...string) error
	// Unsubscribe stops bar delivery for the given symbols.
	Unsubscribe(symbols ...string) error
	// HistoricalBars returns bars for [start, end] sorted by timestamp
	// ascending.
	HistoricalBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Bar, error)
	// IsConnected reports whether the stream is currently live.
	IsConnected() bool
}
