package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/novafund/lifeperp/internal/crypto"
	"github.com/novafund/lifeperp/internal/domain"
	"github.com/novafund/lifeperp/internal/metrics"
	"github.com/novafund/lifeperp/internal/server/handler"
	"github.com/novafund/lifeperp/internal/server/middleware"
	"github.com/novafund/lifeperp/internal/server/ws"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string        // if empty, bearer authentication is disabled
	RateLimit   int           // requests per RateWindow per client IP; 0 disables
	RateWindow  time.Duration
}

// Handlers aggregates all HTTP handlers that the server needs to register.
type Handlers struct {
	Health    *handler.HealthHandler
	Positions *handler.PositionHandler
	Feed      *handler.FeedHandler
	Funding   *handler.FundingHandler
	Admin     *handler.AdminHandler
}

// Server is the headless HTTP + WebSocket API server for the risk engine.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a new Server with all routes registered on the ServeMux.
// It wires up middleware (rate limiting, logging, CORS, auth) and attaches
// the WebSocket hub. Admin routes are gated by HMAC; a nil adminAuth leaves
// them registered but unusable.
func NewServer(cfg Config, handlers Handlers, wsHub *ws.Hub, adminAuth *crypto.HMACAuth, limiter domain.RateLimiter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check and metrics (no auth required).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)
	mux.Handle("GET /metrics", metrics.Handler())

	// Position endpoints.
	mux.HandleFunc("POST /api/positions", handlers.Positions.OpenPosition)
	mux.HandleFunc("POST /api/positions/{id}/close", handlers.Positions.ClosePosition)
	mux.HandleFunc("GET /api/positions/open", handlers.Positions.GetOpenPosition)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Positions.GetPosition)
	mux.HandleFunc("GET /api/positions", handlers.Positions.ListPositions)
	mux.HandleFunc("GET /api/liquidations", handlers.Positions.ListLiquidations)

	// Index feed endpoints.
	mux.HandleFunc("POST /api/feed/reports", handlers.Feed.SubmitReport)
	mux.HandleFunc("GET /api/feed/value", handlers.Feed.GetValue)
	mux.HandleFunc("GET /api/feed/status", handlers.Feed.GetStatus)
	mux.HandleFunc("GET /api/feed/reporters", handlers.Feed.ListReporters)

	// Funding endpoints.
	mux.HandleFunc("GET /api/funding/rate", handlers.Funding.GetRate)
	mux.HandleFunc("GET /api/funding/epochs", handlers.Funding.ListEpochs)
	mux.HandleFunc("GET /api/funding/payments", handlers.Funding.ListPayments)

	// Admin endpoints, HMAC-signed requests only.
	adminMw := middleware.AdminHMAC(adminAuth)
	mux.Handle("POST /api/admin/reporters", adminMw(http.HandlerFunc(handlers.Admin.AddReporter)))
	mux.Handle("PUT /api/admin/reporters/{id}/active", adminMw(http.HandlerFunc(handlers.Admin.SetReporterActive)))
	mux.Handle("POST /api/admin/breaker/reset", adminMw(http.HandlerFunc(handlers.Admin.ResetBreaker)))
	mux.Handle("PUT /api/admin/feed/policy", adminMw(http.HandlerFunc(handlers.Admin.UpdateFeedPolicy)))
	mux.Handle("GET /api/admin/risk", adminMw(http.HandlerFunc(handlers.Admin.GetRiskConfig)))
	mux.Handle("PUT /api/admin/risk", adminMw(http.HandlerFunc(handlers.Admin.UpdateRiskConfig)))
	mux.Handle("GET /api/admin/audit", adminMw(http.HandlerFunc(handlers.Admin.ListAudit)))
	mux.Handle("GET /api/admin/config", adminMw(http.HandlerFunc(handlers.Admin.GetConfig)))
	mux.Handle("GET /api/admin/archives", adminMw(http.HandlerFunc(handlers.Admin.ListArchives)))
	mux.Handle("GET /api/admin/archives/{path...}", adminMw(http.HandlerFunc(handlers.Admin.GetArchive)))

	// WebSocket endpoint.
	if wsHub != nil {
		mux.HandleFunc("GET /ws", wsHub.HandleWS)
	}

	// Build the middleware chain.
	var h http.Handler = mux

	// Apply auth middleware (skips if APIKey is empty).
	h = middleware.Auth(cfg.APIKey)(h)

	// Apply request logging middleware.
	h = middleware.Logging(logger)(h)

	// Apply CORS middleware.
	h = middleware.CORS(cfg.CORSOrigins)(h)

	// Apply per-IP rate limiting outermost so throttled requests are cheap.
	if limiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(limiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
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
