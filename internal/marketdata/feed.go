package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"tradeflow/internal/bus"
	"tradeflow/pkg/types"
)

const (
	handshakeTimeout = 10 * time.Second
	pingInterval     = 50 * time.Second
	readTimeout      = 90 * time.Second
	writeTimeout     = 10 * time.Second

	componentFeed = "market_data"
)

// StreamConfig configures the websocket bar stream.
type StreamConfig struct {
	URL    string
	Key    string
	Secret string

	ReconnectDelay       time.Duration // initial backoff, default 1s
	MaxReconnectDelay    time.Duration // backoff cap, default 30s
	MaxReconnectAttempts int           // per outage, default 10
}

func (c *StreamConfig) applyDefaults() {
	if c.ReconnectDelay <= 0 {
		c.ReconnectDelay = time.Second
	}
	if c.MaxReconnectDelay <= 0 {
		c.MaxReconnectDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 10
	}
}

// Feed streams live bars over a websocket and publishes them to the bus.
//
// Lifecycle:
//  1. Connect dials, authenticates, and replays the current subscription
//     set. It returns only after the stream is live.
//  2. A manage goroutine owns the connection from then on. When a read
//     fails it publishes a SystemStatus ERROR, reconnects with doubling
//     backoff, and replays subscriptions before marking the feed
//     connected again.
//  3. After MaxReconnectAttempts consecutive failures (or a credential
//     rejection mid-run) it publishes SystemStatus STOPPED and exits.
//
// Subscribe and Unsubscribe mutate a symbol set that survives
// reconnects, so callers never need to resubscribe themselves.
type Feed struct {
	cfg     StreamConfig
	bus     *bus.Bus
	history *HistoryClient
	logger  *slog.Logger

	lifeMu sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connMu sync.Mutex
	conn   *websocket.Conn

	subMu      sync.Mutex
	subscribed map[string]bool

	connected atomic.Bool
}

// NewFeed creates a bar stream. The history client backs HistoricalBars
// and may be shared with the backfill runner.
func NewFeed(cfg StreamConfig, history *HistoryClient, b *bus.Bus, logger *slog.Logger) *Feed {
	cfg.applyDefaults()
	return &Feed{
		cfg:        cfg,
		bus:        b,
		history:    history,
		logger:     logger.With("component", componentFeed),
		subscribed: make(map[string]bool),
	}
}

// ————————————————————————————————————————————————————————————————————————
// Provider interface
// ————————————————————————————————————————————————————————————————————————

// Connect dials the stream and completes the auth handshake. A credential
// rejection returns ErrAuthFailed and is not retried.
func (f *Feed) Connect(ctx context.Context) error {
	f.lifeMu.Lock()
	defer f.lifeMu.Unlock()
	if f.cancel != nil {
		return errors.New("feed already connected")
	}

	conn, err := f.dial(ctx)
	if err != nil {
		return err
	}

	sessionCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	f.cancel = cancel
	f.setConn(conn)
	f.connected.Store(true)
	f.bus.Publish(bus.NewSystemStatus(componentFeed, bus.StatusRunning, "stream connected"))
	f.logger.Info("stream connected", "url", f.cfg.URL)

	f.wg.Add(1)
	go f.manage(sessionCtx, conn)
	return nil
}

// Disconnect stops the manage goroutine and closes the connection. It is
// safe to call when not connected.
func (f *Feed) Disconnect() error {
	f.lifeMu.Lock()
	cancel := f.cancel
	f.cancel = nil
	f.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}

	cancel()
	f.closeConn() // unblock the reader
	f.wg.Wait()
	f.connected.Store(false)
	f.logger.Info("stream disconnected")
	return nil
}

// Subscribe starts streaming bars for the given symbols. The symbols are
// remembered and replayed after every reconnect.
func (f *Feed) Subscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	if !f.connected.Load() {
		return ErrNotConnected
	}

	// Record first: if the write races a disconnect, the reconnect
	// handshake replays the full set anyway.
	f.subMu.Lock()
	for _, s := range symbols {
		f.subscribed[s] = true
	}
	f.subMu.Unlock()

	return f.writeJSON(types.StreamSubscription{Action: "subscribe", Bars: symbols})
}

// Unsubscribe stops streaming bars for the given symbols.
func (f *Feed) Unsubscribe(symbols ...string) error {
	if len(symbols) == 0 {
		return nil
	}
	if !f.connected.Load() {
		return ErrNotConnected
	}

	f.subMu.Lock()
	for _, s := range symbols {
		delete(f.subscribed, s)
	}
	f.subMu.Unlock()

	return f.writeJSON(types.StreamSubscription{Action: "unsubscribe", Bars: symbols})
}

// HistoricalBars fetches past bars through the REST client.
func (f *Feed) HistoricalBars(ctx context.Context, symbol, timeframe string, start, end time.Time) ([]types.Bar, error) {
	if f.history == nil {
		return nil, errors.New("feed has no history client")
	}
	return f.history.Bars(ctx, symbol, timeframe, start, end)
}

// IsConnected reports whether the stream is currently live.
func (f *Feed) IsConnected() bool {
	return f.connected.Load()
}

// ————————————————————————————————————————————————————————————————————————
// Connection management
// ————————————————————————————————————————————————————————————————————————

// dial opens a connection and runs the handshake: await the greeting,
// authenticate, then replay the subscription set. The returned connection
// is ready to read bars from.
func (f *Feed) dial(ctx context.Context) (*websocket.Conn, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.cfg.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", f.cfg.URL, err)
	}

	if err := f.handshake(conn); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

func (f *Feed) handshake(conn *websocket.Conn) error {
	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))

	// Greeting.
	if _, err := f.readEnvelopes(conn); err != nil {
		return fmt.Errorf("await greeting: %w", err)
	}

	// Authenticate.
	if err := conn.WriteJSON(types.StreamAuth{Action: "auth", Key: f.cfg.Key, Secret: f.cfg.Secret}); err != nil {
		return fmt.Errorf("send auth: %w", err)
	}
	envs, err := f.readEnvelopes(conn)
	if err != nil {
		return fmt.Errorf("await auth ack: %w", err)
	}
	for _, env := range envs {
		if env.MsgType == types.StreamMsgError {
			return fmt.Errorf("auth rejected (code %d): %w", env.Code, ErrAuthFailed)
		}
	}

	// Replay subscriptions so no bars are missed after a reconnect.
	f.subMu.Lock()
	symbols := make([]string, 0, len(f.subscribed))
	for s := range f.subscribed {
		symbols = append(symbols, s)
	}
	f.subMu.Unlock()
	if len(symbols) > 0 {
		if err := conn.WriteJSON(types.StreamSubscription{Action: "subscribe", Bars: symbols}); err != nil {
			return fmt.Errorf("resubscribe: %w", err)
		}
		f.logger.Info("subscriptions replayed", "symbols", symbols)
	}

	conn.SetReadDeadline(time.Time{})
	return nil
}

// readEnvelopes reads one websocket message and decodes the envelope
// array inside it.
func (f *Feed) readEnvelopes(conn *websocket.Conn) ([]types.StreamEnvelope, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	var envs []types.StreamEnvelope
	if err := json.Unmarshal(data, &envs); err != nil {
		return nil, fmt.Errorf("decode envelopes: %w", err)
	}
	return envs, nil
}

// manage owns the connection after Connect: it reads until the stream
// drops, then reconnects with backoff until the context is cancelled or
// the attempt budget is spent.
func (f *Feed) manage(ctx context.Context, conn *websocket.Conn) {
	defer f.wg.Done()

	for {
		err := f.readSession(ctx, conn)
		f.connected.Store(false)
		if ctx.Err() != nil {
			return
		}

		f.logger.Warn("stream dropped", "error", err)
		f.bus.Publish(bus.NewSystemStatus(componentFeed, bus.StatusError, "stream dropped, reconnecting"))

		conn = f.reconnect(ctx)
		if conn == nil {
			return
		}
		f.connected.Store(true)
		f.bus.Publish(bus.NewSystemStatus(componentFeed, bus.StatusRunning, "stream reconnected"))
	}
}

// readSession reads bars until the connection fails or ctx is cancelled.
func (f *Feed) readSession(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	pingCtx, cancelPing := context.WithCancel(ctx)
	defer cancelPing()
	go f.pingLoop(pingCtx, conn)

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		f.dispatch(data)
	}
}

func (f *Feed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.connMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			f.connMu.Unlock()
			if err != nil {
				f.logger.Debug("ping failed", "error", err)
				return
			}
		}
	}
}

// reconnect redials with doubling backoff. It returns nil when ctx is
// cancelled, credentials are rejected, or the attempt budget is spent;
// the terminal cases publish a STOPPED status so downstream components
// know live data has ceased.
func (f *Feed) reconnect(ctx context.Context) *websocket.Conn {
	backoff := f.cfg.ReconnectDelay

	for attempt := 1; attempt <= f.cfg.MaxReconnectAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}

		conn, err := f.dial(ctx)
		if err == nil {
			f.setConn(conn)
			f.logger.Info("stream reconnected", "attempt", attempt)
			return conn
		}
		if errors.Is(err, ErrAuthFailed) {
			f.logger.Error("credentials rejected on reconnect, giving up", "error", err)
			f.publishStopped(ctx, "credentials rejected")
			return nil
		}

		f.logger.Warn("reconnect failed",
			"attempt", attempt,
			"max_attempts", f.cfg.MaxReconnectAttempts,
			"backoff", backoff,
			"error", err,
		)
		backoff *= 2
		if backoff > f.cfg.MaxReconnectDelay {
			backoff = f.cfg.MaxReconnectDelay
		}
	}

	f.logger.Error("reconnect attempts exhausted", "attempts", f.cfg.MaxReconnectAttempts)
	f.publishStopped(ctx, "reconnect attempts exhausted")
	return nil
}

// publishStopped must reach subscribers even if the bus is briefly full;
// losing it would leave the engine believing live data still flows.
func (f *Feed) publishStopped(ctx context.Context, reason string) {
	pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := f.bus.PublishBlocking(pubCtx, bus.NewSystemStatus(componentFeed, bus.StatusStopped, reason)); err != nil {
		f.logger.Error("failed to publish stopped status", "error", err)
	}
}

// ————————————————————————————————————————————————————————————————————————
// Message dispatch
// ————————————————————————————————————————————————————————————————————————

// dispatch routes one websocket message. Messages are JSON arrays of
// envelopes; each element is typed by its "T" field.
func (f *Feed) dispatch(data []byte) {
	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		f.logger.Warn("unparseable stream message", "error", err)
		return
	}

	for _, item := range items {
		var env types.StreamEnvelope
		if err := json.Unmarshal(item, &env); err != nil {
			f.logger.Warn("unparseable stream envelope", "error", err)
			continue
		}

		switch env.MsgType {
		case types.StreamMsgBar:
			f.handleBar(item)
		case types.StreamMsgSubscription:
			f.logger.Debug("subscription confirmed")
		case types.StreamMsgSuccess:
			f.logger.Debug("stream ack", "msg", env.Msg)
		case types.StreamMsgError:
			f.logger.Warn("stream error message", "code", env.Code, "msg", env.Msg)
		default:
			f.logger.Debug("ignoring stream message", "type", env.MsgType)
		}
	}
}

func (f *Feed) handleBar(item json.RawMessage) {
	var sb types.StreamBar
	if err := json.Unmarshal(item, &sb); err != nil {
		f.logger.Warn("unparseable bar", "error", err)
		return
	}
	f.bus.Publish(bus.NewMarketData(sb.WireBar.Bar(sb.Symbol)))
}

// ————————————————————————————————————————————————————————————————————————
// Connection helpers
// ————————————————————————————————————————————————————————————————————————

func (f *Feed) setConn(conn *websocket.Conn) {
	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
}

func (f *Feed) closeConn() {
	f.connMu.Lock()
	if f.conn != nil {
		f.conn.Close()
	}
	f.connMu.Unlock()
}

func (f *Feed) writeJSON(v any) error {
	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn == nil {
		return ErrNotConnected
	}
	f.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return f.conn.WriteJSON(v)
}
