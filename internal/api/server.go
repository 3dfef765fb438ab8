// Package api provides the relay's HTTP surface: the client WebSocket
// endpoint, health and readiness probes, prometheus metrics, and a small
// authenticated ops API for inspecting live state.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chorus-relay/chorus/internal/auth"
	"github.com/chorus-relay/chorus/internal/config"
	"github.com/chorus-relay/chorus/internal/decision"
	"github.com/chorus-relay/chorus/internal/queue"
	"github.com/chorus-relay/chorus/internal/registry"
	"github.com/chorus-relay/chorus/internal/router"
	"github.com/chorus-relay/chorus/internal/upstream"
	"github.com/chorus-relay/chorus/pkg/protocol"
)

// Server is the HTTP API server.
type Server struct {
	registry  *registry.Registry
	store     queue.Store
	decisions *decision.Mux
	router    *router.Router
	authSvc   *auth.Service
	upstream  interface{ State() upstream.State }
	logger    *slog.Logger
	mux       *chi.Mux
	startTime time.Time
	tokenRL   *rateLimiter
}

// Deps are the relay components the API exposes.
type Deps struct {
	Registry  *registry.Registry
	Store     queue.Store
	Decisions *decision.Mux
	Router    *router.Router
	Auth      *auth.Service
	Upstream  interface{ State() upstream.State }
	// Gatherer backs the /metrics endpoint.
	Gatherer prometheus.Gatherer
}

// NewServer creates the API server and builds its route table.
func NewServer(deps Deps, cfg *config.Config, logger *slog.Logger) *Server {
	srv := &Server{
		registry:  deps.Registry,
		store:     deps.Store,
		decisions: deps.Decisions,
		router:    deps.Router,
		authSvc:   deps.Auth,
		upstream:  deps.Upstream,
		logger:    logger.With("component", "api"),
		startTime: time.Now(),
	}

	mux := chi.NewRouter()
	mux.Use(chimw.Recoverer)
	mux.Use(chimw.RealIP)
	mux.Use(securityHeadersMiddleware)

	// Health check routes (unauthenticated)
	mux.Get("/healthz", srv.handleHealthz)
	mux.Get("/readyz", srv.handleReadyz)

	if deps.Gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	// Client WebSocket endpoint (auth handled inside, during registration)
	mux.Get("/ws", deps.Router.HandleClientWS)

	// Token minting is IP rate-limited; it is the only route that accepts
	// the raw shared secret in a request body.
	srv.tokenRL = newRateLimiter(5, 10)
	mux.With(ipRateLimitMiddleware(srv.tokenRL)).Post("/api/auth/token", srv.handleIssueToken)

	// Authenticated ops routes
	mux.Group(func(r chi.Router) {
		r.Use(srv.authMiddleware)

		r.Get("/api/integrations", srv.handleListIntegrations)
		r.Get("/api/watchers", srv.handleListWatchers)
		r.Get("/api/queue", srv.handleQueueStatus)
		r.Get("/api/decisions/recent", srv.handleRecentDecisions)
	})

	srv.mux = mux
	return srv
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.startTime).Round(time.Second).String(),
	})
}

// handleReadyz reports ready only when the durable store answers a ping.
func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.logger.Warn("readiness check failed", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ready",
		"upstream": string(s.upstream.State()),
	})
}

type tokenRequest struct {
	Token   string `json:"token"`
	Subject string `json:"subject,omitempty"`
}

func (s *Server) handleIssueToken(w http.ResponseWriter, r *http.Request) {
	var req tokenRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4096)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := s.authSvc.CheckSharedSecret(req.Token); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid auth token")
		return
	}

	signed, err := s.authSvc.IssueAPIToken(req.Subject)
	if err != nil {
		s.logger.Error("issue api token failed", "error", err)
		writeError(w, http.StatusInternalServerError, "token issuance failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": signed})
}

type connectionInfo struct {
	Name       string    `json:"name"`
	Role       string    `json:"role"`
	LastActive time.Time `json:"last_active"`
}

func (s *Server) listConnections(role protocol.Role) []connectionInfo {
	conns := s.registry.List(role)
	out := make([]connectionInfo, 0, len(conns))
	for _, c := range conns {
		out = append(out, connectionInfo{
			Name:       c.Name(),
			Role:       string(c.Role()),
			LastActive: c.LastActive(),
		})
	}
	return out
}

func (s *Server) handleListIntegrations(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listConnections(protocol.RoleIntegration))
}

func (s *Server) handleListWatchers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.listConnections(protocol.RoleWatcher))
}

// handleQueueStatus reports pending durable entries per offline target.
func (s *Server) handleQueueStatus(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.Targets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "queue query failed")
		return
	}

	type targetStatus struct {
		Target  string `json:"target"`
		Pending int64  `json:"pending"`
		Online  bool   `json:"online"`
	}
	out := make([]targetStatus, 0, len(targets))
	var total int64
	for _, t := range targets {
		n, err := s.store.CountPending(r.Context(), t)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "queue query failed")
			return
		}
		_, online := s.registry.Lookup(protocol.RoleIntegration, t)
		out = append(out, targetStatus{Target: t, Pending: n, Online: online})
		total += n
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"targets": out,
	})
}

func (s *Server) handleRecentDecisions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"pending": s.decisions.PendingCount(),
		"recent":  s.decisions.Recent(),
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
