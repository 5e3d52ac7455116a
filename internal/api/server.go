// Package api serves the operator surface: health and Prometheus metrics,
// toggle control, the persisted trade history, and a WebSocket tail of
// completed trades consumed live from arb.trades.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"crossarb/internal/bus"
	"crossarb/internal/config"
	"crossarb/internal/toggles"
)

// Server runs the ops HTTP/WebSocket endpoint.
type Server struct {
	cfg      config.OpsConfig
	hub      *Hub
	tail     *TradeTail
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
	cancel   context.CancelFunc
}

// NewServer wires the handlers, the WebSocket hub, and the trade tail.
func NewServer(cfg config.OpsConfig, b bus.Bus, tg *toggles.Store, trades TradeReader, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(tg, trades, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handlers.HandleHealth)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api/toggles", handlers.HandleToggles)
	mux.HandleFunc("/api/trades", handlers.HandleTrades)
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
		hub:      hub,
		tail:     NewTradeTail(b, hub, logger),
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the trade tail, and the HTTP listener. Blocks until
// the listener stops.
func (s *Server) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	go s.hub.Run(ctx)
	go s.tail.Run(ctx)

	s.logger.Info("ops server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server, the tail, and the hub.
func (s *Server) Stop() error {
	s.logger.Info("stopping ops server")
	if s.cancel != nil {
		s.cancel()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
