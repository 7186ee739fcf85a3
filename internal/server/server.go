// Package server exposes the book engine over HTTP and websocket.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/depthbook/internal/domain"
	"github.com/alanyoungcy/depthbook/internal/server/handler"
	"github.com/alanyoungcy/depthbook/internal/server/middleware"
	"github.com/alanyoungcy/depthbook/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimit caps mutating requests per client IP per RateWindow. Zero
	// disables it, as does a nil limiter.
	RateLimit  int
	RateWindow time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health      *handler.HealthHandler
	Status      *handler.StatusHandler
	Instruments *handler.InstrumentHandler
	Book        *handler.BookHandler
	Aggregation *handler.AggregationHandler
	Audit       *handler.AuditHandler
	Metrics     http.Handler
}

// Server is the HTTP + websocket API in front of the book engine.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// publicPaths skip authentication.
var publicPaths = []string{"/api/health", "/metrics"}

// NewServer registers every route and wraps the mux in the middleware chain
// (rate limit, auth, logging, CORS from innermost to outermost).
func NewServer(cfg Config, handlers Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	logger = logger.With(slog.String("component", "server"))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           routes(cfg, handlers, hub, limiter, logger),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	return &Server{httpServer: srv, logger: logger}
}

func routes(cfg Config, h Handlers, hub *ws.Hub, limiter domain.RateLimiter, logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/health", h.Health.HealthCheck)
	mux.HandleFunc("GET /api/status", h.Status.GetStatus)

	mux.HandleFunc("GET /api/instruments", h.Instruments.ListInstruments)
	mux.HandleFunc("PUT /api/instrument", h.Instruments.SelectInstrument)

	mux.HandleFunc("GET /api/book", h.Book.GetBook)
	mux.HandleFunc("GET /api/book/spread", h.Book.GetSpread)
	mux.HandleFunc("GET /api/top-of-book", h.Book.GetTopOfBook)

	mux.HandleFunc("GET /api/aggregation", h.Aggregation.GetAggregation)
	mux.HandleFunc("PUT /api/aggregation", h.Aggregation.SetAggregation)

	mux.HandleFunc("GET /api/audit", h.Audit.ListAudit)

	if h.Metrics != nil {
		mux.Handle("GET /metrics", h.Metrics)
	}
	if hub != nil {
		mux.HandleFunc("GET /ws", hub.HandleWS)
	}

	var handler http.Handler = mux
	if cfg.RateLimit > 0 {
		handler = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow, logger)(handler)
	}
	handler = middleware.Auth(cfg.APIKey, publicPaths...)(handler)
	handler = middleware.Logging(logger, "/api/health", "/metrics")(handler)
	handler = middleware.CORS(cfg.CORSOrigins)(handler)
	return handler
}

// Handler returns the fully wrapped handler, for tests and embedding.
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

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
