// Package api serves the dashboard surface: health and snapshot endpoints,
// Prometheus metrics, a trading on/off switch and a WebSocket stream of
// every bus event.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"tradeflow/internal/bus"
)

// Config controls the dashboard server.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server runs the HTTP/WebSocket API for the dashboard
type Server struct {
	cfg      Config
	src      Source
	bus      *bus.Bus
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger

	subs []*bus.Subscription
	wg   sync.WaitGroup
}

// NewServer creates a new API server
func NewServer(cfg Config, src Source, b *bus.Bus, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(src, cfg, hub, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", handlers.HandleHealth)
	mux.HandleFunc("/api/snapshot", handlers.HandleSnapshot)
	mux.HandleFunc("/api/trading", handlers.HandleTrading)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		src:      src,
		bus:      b,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the event forwarders and the HTTP listener. It
// blocks until Stop shuts the listener down.
func (s *Server) Start() error {
	go s.hub.Run()

	if err := s.startForwarders(); err != nil {
		return err
	}

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("dashboard server: %w", err)
	}

	return nil
}

// Stop gracefully stops the listener, the forwarders and the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)

	// Unsubscribing closes each subscription channel, which ends the
	// forwarder goroutine ranging over it.
	for _, sub := range s.subs {
		s.bus.Unsubscribe(sub)
	}
	s.wg.Wait()
	s.hub.Stop()

	return err
}

// startForwarders subscribes to every bus event type and pushes each
// event to the hub as a typed stream message.
func (s *Server) startForwarders() error {
	for _, et := range bus.AllEventTypes {
		sub, err := s.bus.Subscribe(et)
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", et, err)
		}
		s.subs = append(s.subs, sub)
	}

	for _, sub := range s.subs {
		s.wg.Add(1)
		go func(sub *bus.Subscription) {
			defer s.wg.Done()
			for ev := range sub.Events() {
				s.hub.BroadcastEvent(streamMessage(ev))
			}
		}(sub)
	}

	return nil
}
