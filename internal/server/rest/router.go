package rest

import (
	"crypto/rsa"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/xuanbach152/baseline-monitor/internal/metrics"
)

// RouterConfig wires authentication and auxiliary handlers into the router.
type RouterConfig struct {
	// AgentToken guards the agent-facing routes. Empty disables the check.
	AgentToken string

	// JWTKey verifies operator tokens. Nil disables operator auth.
	JWTKey   *rsa.PublicKey
	Issuer   string
	Audience string

	// Metrics records per-route request counters. May be nil.
	Metrics *metrics.Server

	// MetricsHandler is mounted at /metrics when non-nil.
	MetricsHandler http.Handler

	// WebSocket is mounted at /api/v1/ws when non-nil.
	WebSocket http.Handler

	Logger *slog.Logger
}

// NewRouter returns a configured chi.Router for the baseline server API.
//
// Route layout:
//
//	GET  /healthz                                – liveness and database probe (no auth)
//	GET  /metrics                                – Prometheus scrape (no auth)
//
//	POST /api/v1/agents                          – register or refresh (agent token)
//	POST /api/v1/agents/{id}/heartbeat           – liveness (agent token)
//	POST /api/v1/agents/{id}/violations/bulk     – batched violations (agent token)
//	POST /api/v1/violations/from-agent           – single violation (agent token)
//
//	everything else under /api/v1                – operator routes (JWT)
func NewRouter(srv *Server, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(cfg.Metrics.Middleware)

	r.Get("/healthz", srv.handleHealthz)
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	operator := func(r chi.Router) {}
	if cfg.JWTKey != nil {
		mw := JWTMiddleware(JWTConfig{
			PublicKey:       cfg.JWTKey,
			Issuer:          cfg.Issuer,
			Audience:        cfg.Audience,
			AllowQueryToken: true,
			Logger:          cfg.Logger,
		})
		operator = func(r chi.Router) { r.Use(mw) }
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(AgentTokenMiddleware(cfg.AgentToken, cfg.Logger))

			r.Post("/agents", srv.handleRegisterAgent)
			r.Post("/agents/{id}/heartbeat", srv.handleHeartbeat)
			r.Post("/agents/{id}/violations/bulk", srv.handleBulkViolations)
			r.Post("/violations/from-agent", srv.handleViolationFromAgent)
		})

		r.Group(func(r chi.Router) {
			operator(r)

			r.Get("/agents", srv.handleListAgents)
			r.Get("/agents/stats", srv.handleAgentStats)
			r.Get("/agents/{id}", srv.handleGetAgent)
			r.Put("/agents/{id}", srv.handleUpdateAgent)
			r.Delete("/agents/{id}", srv.handleDeleteAgent)
			r.Delete("/agents/{id}/violations", srv.handleDeleteAgentViolations)

			r.Get("/violations", srv.handleListViolations)
			r.Post("/violations", srv.handleCreateViolation)
			r.Get("/violations/recent", srv.handleRecentViolations)
			r.Get("/violations/stats", srv.handleViolationStats)
			r.Get("/violations/{id}", srv.handleGetViolation)
			r.Put("/violations/{id}", srv.handleUpdateViolation)
			r.Delete("/violations/{id}", srv.handleDeleteViolation)
			r.Post("/violations/{id}/resolve", srv.handleResolveViolation)

			r.Get("/rules", srv.handleListRules)
			r.Post("/rules", srv.handleCreateRule)
			r.Get("/rules/{id}", srv.handleGetRule)
			r.Put("/rules/{id}", srv.handleUpdateRule)
			r.Delete("/rules/{id}", srv.handleDeleteRule)
			r.Post("/rules/{id}/toggle", srv.handleToggleRule)

			if cfg.WebSocket != nil {
				r.Method(http.MethodGet, "/ws", cfg.WebSocket)
			}
		})
	})

	return r
}
