package rest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

func newAuthRouter(t *testing.T) (http.Handler, string) {
	t.Helper()
	priv, pub := generateTestKey(t)

	reg := &mockRegistry{
		list: func(storage.AgentFilter) ([]api.Agent, error) { return nil, nil },
		register: func(in api.AgentRegistration) (api.Agent, error) {
			return api.Agent{ID: 1, Hostname: in.Hostname}, nil
		},
	}
	srv := NewServer(reg, &mockLedger{}, nil, quietLogger())
	h := NewRouter(srv, RouterConfig{
		AgentToken: "agent-token",
		JWTKey:     pub,
		Logger:     quietLogger(),
	})
	return h, "Bearer " + signToken(t, priv, validClaims())
}

// TestRouter_HealthzNoAuth verifies /healthz is accessible without a JWT.
func TestRouter_HealthzNoAuth(t *testing.T) {
	h, _ := newAuthRouter(t)

	rec := serveWithAuth(h, "/healthz", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

// TestRouter_OperatorRoutesRequireJWT verifies that operator routes return
// 401 without a token, and also reject the agent token.
func TestRouter_OperatorRoutesRequireJWT(t *testing.T) {
	h, _ := newAuthRouter(t)

	routes := []string{
		"/api/v1/agents",
		"/api/v1/agents/stats",
		"/api/v1/violations",
		"/api/v1/violations/recent",
		"/api/v1/rules",
	}
	for _, route := range routes {
		if rec := serveWithAuth(h, route, ""); rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 without JWT, got %d", route, rec.Code)
		}
		if rec := serveWithAuth(h, route, "Bearer agent-token"); rec.Code != http.StatusUnauthorized {
			t.Errorf("route %s: expected 401 with agent token, got %d", route, rec.Code)
		}
	}
}

func TestRouter_OperatorRoutesAccessibleWithJWT(t *testing.T) {
	h, bearer := newAuthRouter(t)

	rec := serveWithAuth(h, "/api/v1/agents", bearer)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid JWT, got %d; body: %s", rec.Code, rec.Body)
	}
}

// TestRouter_AgentRoutesRequireAgentToken verifies the agent-facing routes
// use the shared token rather than a JWT.
func TestRouter_AgentRoutesRequireAgentToken(t *testing.T) {
	h, bearer := newAuthRouter(t)

	post := func(auth string) int {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/agents", strings.NewReader(`{"hostname":"web-01"}`))
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := post(""); code != http.StatusUnauthorized {
		t.Errorf("no token: expected 401, got %d", code)
	}
	if code := post(bearer); code != http.StatusUnauthorized {
		t.Errorf("operator JWT: expected 401, got %d", code)
	}
	if code := post("Bearer agent-token"); code != http.StatusCreated {
		t.Errorf("agent token: expected 201, got %d", code)
	}
}

func TestRouter_MetricsEndpoint(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.NewServer(reg)

	srv := NewServer(&mockRegistry{}, &mockLedger{}, nil, quietLogger())
	h := NewRouter(srv, RouterConfig{Metrics: m, MetricsHandler: metrics.Handler(reg)})

	_ = serveWithAuth(h, "/healthz", "")
	rec := serveWithAuth(h, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `baseline_server_http_requests_total{code="200",method="GET",route="/healthz"} 1`) {
		t.Errorf("expected healthz request counter in scrape:\n%s", rec.Body)
	}
}

func TestRouter_WebSocketMountedBehindJWT(t *testing.T) {
	priv, pub := generateTestKey(t)
	ws := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	srv := NewServer(&mockRegistry{}, &mockLedger{}, nil, quietLogger())
	h := NewRouter(srv, RouterConfig{JWTKey: pub, WebSocket: ws, Logger: quietLogger()})

	if rec := serveWithAuth(h, "/api/v1/ws", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401 without token, got %d", rec.Code)
	}
	tok := signToken(t, priv, validClaims())
	if rec := serveWithAuth(h, "/api/v1/ws?token="+tok, ""); rec.Code != http.StatusTeapot {
		t.Errorf("expected websocket handler to be reached, got %d", rec.Code)
	}
}
