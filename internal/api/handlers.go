package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
)

// Handlers holds all HTTP handler dependencies
type Handlers struct {
	src    Source
	cfg    Config
	hub    *Hub
	logger *slog.Logger
}

// NewHandlers creates a new handlers instance
func NewHandlers(src Source, cfg Config, hub *Hub, logger *slog.Logger) *Handlers {
	return &Handlers{
		src:    src,
		cfg:    cfg,
		hub:    hub,
		logger: logger.With("component", "api-handlers"),
	}
}

// isOriginAllowed decides whether a browser origin may open the socket.
// Without an allowlist, local-development origins and same-host requests
// are accepted; configuring allowed_origins replaces that with exact
// matching.
func isOriginAllowed(origin string, cfg Config, reqHost string) bool {
	if origin == "" {
		return true
	}
	if len(cfg.AllowedOrigins) > 0 {
		for _, allowed := range cfg.AllowedOrigins {
			if origin == allowed {
				return true
			}
		}
		return false
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if u.Host == reqHost {
		return true
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return false
}

// HandleHealth returns a simple health check response
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// HandleSnapshot returns the current dashboard state
func (h *Handlers) HandleSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot := BuildSnapshot(h.src)

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		h.logger.Error("failed to encode snapshot", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
}

// HandleTrading reads or flips the signal-to-order switch. Disabling it
// puts the engine in observation mode without stopping strategies.
func (h *Handlers) HandleTrading(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
	case http.MethodPost:
		var req struct {
			Enabled bool `json:"enabled"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		h.src.SetConverterEnabled(req.Enabled)
		h.logger.Info("trading toggled", "enabled", req.Enabled)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]bool{"enabled": h.src.ConverterEnabled()})
}

// HandleWebSocket upgrades the connection and creates a new WebSocket client
func (h *Handlers) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	upgrader := websocketUpgrader(h.cfg)
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error("websocket upgrade failed", "error", err)
		return
	}

	client := NewClient(h.hub, conn)

	// Seed the client with the current state so it renders immediately.
	msg := StreamMessage{Type: "snapshot", Timestamp: time.Now(), Data: BuildSnapshot(h.src)}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error("failed to marshal initial snapshot", "error", err)
		return
	}

	select {
	case client.send <- data:
	default:
		h.logger.Warn("failed to send initial snapshot to client")
	}
}

func websocketUpgrader(cfg Config) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return isOriginAllowed(r.Header.Get("Origin"), cfg, r.Host)
		},
	}
}
