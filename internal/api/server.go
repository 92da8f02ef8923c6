package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/better-wallet/provider-bridge/internal/approval"
	"github.com/better-wallet/provider-bridge/internal/config"
	"github.com/better-wallet/provider-bridge/internal/logger"
	"github.com/better-wallet/provider-bridge/internal/middleware"
	"github.com/better-wallet/provider-bridge/internal/permission"
	apperrors "github.com/better-wallet/provider-bridge/pkg/errors"
	"github.com/better-wallet/provider-bridge/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Sessions is the session manager as seen by the admin surface
type Sessions interface {
	Revoke(ctx context.Context, origin string) error
	Sessions() []types.Session
	Pending() []types.PendingRequest
}

// Approvals is the prompt queue the settings UI works through
type Approvals interface {
	Pending() []approval.Prompt
	Resolve(id string, d approval.Decision) error
}

// Pinger reports whether a backing service is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server represents the HTTP server
type Server struct {
	config     *config.Config
	sessions   Sessions
	grants     permission.Store
	approvals  Approvals
	bridge     http.Handler
	gatherer   prometheus.Gatherer
	pinger     Pinger
	limiter    *middleware.RateLimiter
	adminAuth  *middleware.AdminAuth
	httpServer *http.Server
}

// NewServer creates a new API server. bridge is the WebSocket upgrade
// handler for page contexts; pinger may be nil when nothing external backs
// the server.
func NewServer(
	cfg *config.Config,
	sessions Sessions,
	grants permission.Store,
	approvals Approvals,
	bridge http.Handler,
	gatherer prometheus.Gatherer,
	pinger Pinger,
) *Server {
	return &Server{
		config:    cfg,
		sessions:  sessions,
		grants:    grants,
		approvals: approvals,
		bridge:    bridge,
		gatherer:  gatherer,
		pinger:    pinger,
		limiter:   middleware.NewRateLimiter(cfg.BridgeRateLimitRPS, cfg.BridgeRateLimitBurst, cfg.BridgeRateLimitRPS > 0),
		adminAuth: middleware.NewAdminAuth(cfg.AdminTokenHash),
	}
}

// Handler builds the routed handler with the full middleware chain
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Health check and metrics (no auth required)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Page contexts; throttled per origin at the handshake
	mux.Handle("/v1/bridge", s.limiter.Limit(s.bridge))

	// Administration surface
	admin := func(h http.HandlerFunc) http.Handler {
		return s.adminAuth.Authenticate(middleware.LimitBody(middleware.MaxAdminBodySize)(h))
	}
	mux.Handle("/v1/permissions", admin(s.handlePermissions))
	mux.Handle("/v1/sessions", admin(s.handleSessions))
	mux.Handle("/v1/approvals", admin(s.handleApprovals))
	mux.Handle("/v1/approvals/", admin(s.handleApprovalOperations))

	// Chain: RequestID -> AccessLog -> Routes
	return middleware.RequestID(middleware.AccessLog(mux))
}

// Start starts the HTTP server
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.config.Port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	logger.Info(context.Background(), "starting server", "port", s.config.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.limiter.Close()
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.pinger != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.pinger.Ping(ctx); err != nil {
			logger.Error(r.Context(), "health check failed", "error", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// writeJSON writes a JSON response
func (s *Server) writeJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes an error response
func (s *Server) writeError(w http.ResponseWriter, err *apperrors.AppError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(err.StatusCode)
	json.NewEncoder(w).Encode(err)
}
