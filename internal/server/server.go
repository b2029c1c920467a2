// Package server exposes the hub's HTTP API, signal ingress and WebSocket
// status channel.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/titanhub/internal/domain"
	"github.com/alanyoungcy/titanhub/internal/server/handler"
	"github.com/alanyoungcy/titanhub/internal/server/middleware"
	"github.com/alanyoungcy/titanhub/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	Auth        middleware.AuthConfig
	// RateLimit is requests per RateWindow per client IP. Zero disables it.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers. Signals, Control and Sweep are nil
// in monitor mode, which leaves those routes unregistered.
type Handlers struct {
	Health    *handler.HealthHandler
	Status    *handler.StatusHandler
	Positions *handler.PositionHandler
	Trades    *handler.TradeHandler
	Events    *handler.EventHandler
	Treasury  *handler.TreasuryHandler
	Signals   *handler.SignalHandler
	Control   *handler.ControlHandler
	Config    *handler.ConfigHandler
	Metrics   http.Handler
}

// publicPaths skip API authentication. Signals carry their own HMAC.
var publicPaths = []string{"/api/health", "/metrics", "/api/signals"}

// Server is the hub's HTTP + WebSocket server.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer registers routes and wraps them in CORS, logging, rate limiting
// and auth, outermost first.
func NewServer(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "http"))
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)
	mux.HandleFunc("GET /api/positions", h.Positions.ListPositions)
	mux.HandleFunc("GET /api/positions/{symbol}", h.Positions.GetPosition)
	mux.HandleFunc("GET /api/trades", h.Trades.ListTrades)
	mux.HandleFunc("GET /api/trades/stats", h.Trades.Stats)
	if h.Events != nil {
		mux.HandleFunc("GET /api/events", h.Events.ListEvents)
	}
	if h.Treasury != nil {
		mux.HandleFunc("GET /api/treasury", h.Treasury.GetTreasury)
		mux.HandleFunc("POST /api/treasury/sweep", h.Treasury.Sweep)
	}
	if h.Signals != nil {
		mux.HandleFunc("POST /api/signals", h.Signals.Submit)
	}
	if h.Control != nil {
		mux.HandleFunc("POST /api/control/command", h.Control.Command)
	}
	if h.Config != nil {
		mux.HandleFunc("GET /api/config", h.Config.GetConfig)
	}
	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	auth := cfg.Auth
	auth.Public = append(append([]string(nil), auth.Public...), publicPaths...)

	var handler http.Handler = mux
	handler = middleware.Auth(auth)(handler)
	handler = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(handler)
	handler = middleware.Logging(logger, "/api/health", "/metrics")(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)

	return &Server{
		httpServer: &http.Server{
			Addr:              fmt.Sprintf(":%d", cfg.Port),
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		logger: logger,
	}
}

// Handler returns the fully wrapped handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start listens until the server is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting", slog.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
