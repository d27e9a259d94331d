package rest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/service"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// mockRegistry is a test double for Registry. Unset funcs panic through the
// nil embedded interface, which fails the test loudly.
type mockRegistry struct {
	Registry

	register  func(api.AgentRegistration) (api.Agent, error)
	heartbeat func(int64, api.AgentHeartbeat) (api.Agent, error)
	list      func(storage.AgentFilter) ([]api.Agent, error)
	get       func(int64) (api.Agent, error)
}

func (m *mockRegistry) Register(_ context.Context, reg api.AgentRegistration) (api.Agent, error) {
	return m.register(reg)
}

func (m *mockRegistry) Heartbeat(_ context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error) {
	return m.heartbeat(id, hb)
}

func (m *mockRegistry) List(_ context.Context, f storage.AgentFilter) ([]api.Agent, error) {
	return m.list(f)
}

func (m *mockRegistry) Get(_ context.Context, id int64) (api.Agent, error) {
	return m.get(id)
}

type mockLedger struct {
	Ledger

	fromAgent  func(api.ViolationFromAgent) (api.Violation, error)
	bulk       func(int64, []api.BulkViolation) (api.BulkResult, error)
	listViol   func(storage.ViolationFilter) ([]api.Violation, error)
	recent     func(hours, limit int) ([]api.Violation, error)
	resolve    func(int64, api.ViolationResolve) (api.Violation, error)
	update     func(int64, api.ViolationUpdate) (api.Violation, error)
	listRules  func(storage.RuleFilter) ([]api.Rule, error)
	toggleRule func(int64) (api.Rule, error)
	deleteRule func(int64) error
}

func (m *mockLedger) FromAgent(_ context.Context, in api.ViolationFromAgent) (api.Violation, error) {
	return m.fromAgent(in)
}

func (m *mockLedger) BulkCreate(_ context.Context, id int64, items []api.BulkViolation) (api.BulkResult, error) {
	return m.bulk(id, items)
}

func (m *mockLedger) List(_ context.Context, f storage.ViolationFilter) ([]api.Violation, error) {
	return m.listViol(f)
}

func (m *mockLedger) Recent(_ context.Context, hours, limit int) ([]api.Violation, error) {
	return m.recent(hours, limit)
}

func (m *mockLedger) Resolve(_ context.Context, id int64, in api.ViolationResolve) (api.Violation, error) {
	return m.resolve(id, in)
}

func (m *mockLedger) Update(_ context.Context, id int64, u api.ViolationUpdate) (api.Violation, error) {
	return m.update(id, u)
}

func (m *mockLedger) ListRules(_ context.Context, f storage.RuleFilter) ([]api.Rule, error) {
	return m.listRules(f)
}

func (m *mockLedger) ToggleRule(_ context.Context, id int64) (api.Rule, error) {
	return m.toggleRule(id)
}

func (m *mockLedger) DeleteRule(_ context.Context, id int64) error {
	return m.deleteRule(id)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer returns a router with authentication disabled.
func newTestServer(reg *mockRegistry, led *mockLedger) http.Handler {
	if reg == nil {
		reg = &mockRegistry{}
	}
	if led == nil {
		led = &mockLedger{}
	}
	srv := NewServer(reg, led, nil, quietLogger())
	return NewRouter(srv, RouterConfig{Logger: quietLogger()})
}

func do(h http.Handler, method, target, body string) *httptest.ResponseRecorder {
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, rd)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func errorBody(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body api.ErrorResponse
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("error body is not valid JSON: %v", err)
	}
	return body.Error
}

// ---- /healthz ---------------------------------------------------------------

func TestHandleHealthz_Returns200(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodGet, "/healthz", "")

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("body is not valid JSON: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status=ok, got %q", body["status"])
	}
}

func TestHandleHealthz_DatabaseDown_Returns503(t *testing.T) {
	srv := NewServer(&mockRegistry{}, &mockLedger{}, pingFunc(func(context.Context) error {
		return errors.New("connection refused")
	}), quietLogger())
	h := NewRouter(srv, RouterConfig{})

	rec := do(h, http.MethodGet, "/healthz", "")
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

// ---- POST /api/v1/agents ----------------------------------------------------

func TestHandleRegisterAgent_Returns201(t *testing.T) {
	var got api.AgentRegistration
	reg := &mockRegistry{register: func(in api.AgentRegistration) (api.Agent, error) {
		got = in
		return api.Agent{ID: 7, Hostname: in.Hostname, IsOnline: true, ComplianceRate: 100}, nil
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodPost, "/api/v1/agents",
		`{"hostname":"web-01","ip_address":"10.0.0.5","os":"Ubuntu 22.04","version":"1.2.0"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body)
	}
	if got.Hostname != "web-01" || got.IPAddress != "10.0.0.5" {
		t.Errorf("registration not passed through: %+v", got)
	}
	var agent api.Agent
	if err := json.NewDecoder(rec.Body).Decode(&agent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if agent.ID != 7 {
		t.Errorf("expected id 7, got %d", agent.ID)
	}
}

func TestHandleRegisterAgent_UnknownField_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodPost, "/api/v1/agents", `{"hostname":"web-01","role":"db"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "role") {
		t.Errorf("error should name the unknown field, got %q", msg)
	}
}

func TestHandleRegisterAgent_TrailingData_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodPost, "/api/v1/agents", `{"hostname":"a"}{"hostname":"b"}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRegisterAgent_EmptyBody_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodPost, "/api/v1/agents", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleRegisterAgent_ValidationError_Returns400(t *testing.T) {
	reg := &mockRegistry{register: func(api.AgentRegistration) (api.Agent, error) {
		return api.Agent{}, &service.ValidationError{Field: "hostname", Message: "is required"}
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodPost, "/api/v1/agents", `{"hostname":""}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	if msg := errorBody(t, rec); msg != "hostname: is required" {
		t.Errorf("unexpected error %q", msg)
	}
}

func TestHandleRegisterAgent_StorageFailure_Returns500(t *testing.T) {
	reg := &mockRegistry{register: func(api.AgentRegistration) (api.Agent, error) {
		return api.Agent{}, errors.New("pool closed")
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodPost, "/api/v1/agents", `{"hostname":"web-01"}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	if msg := errorBody(t, rec); strings.Contains(msg, "pool") {
		t.Errorf("internal detail leaked: %q", msg)
	}
}

// ---- POST /api/v1/agents/{id}/heartbeat ------------------------------------

func TestHandleHeartbeat_UnknownAgent_Returns404(t *testing.T) {
	reg := &mockRegistry{heartbeat: func(int64, api.AgentHeartbeat) (api.Agent, error) {
		return api.Agent{}, fmt.Errorf("heartbeat agent 99: %w", storage.ErrNotFound)
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodPost, "/api/v1/agents/99/heartbeat", `{"is_online":true}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleHeartbeat_EmptyBody_Returns200(t *testing.T) {
	var gotID int64
	reg := &mockRegistry{heartbeat: func(id int64, hb api.AgentHeartbeat) (api.Agent, error) {
		gotID = id
		if hb.IsOnline != nil {
			t.Errorf("expected is_online to be omitted")
		}
		return api.Agent{ID: id, IsOnline: true}, nil
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodPost, "/api/v1/agents/3/heartbeat", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if gotID != 3 {
		t.Errorf("expected id 3, got %d", gotID)
	}
}

func TestHandleHeartbeat_InvalidID_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	for _, id := range []string{"abc", "0", "-4"} {
		rec := do(h, http.MethodPost, "/api/v1/agents/"+id+"/heartbeat", "")
		if rec.Code != http.StatusBadRequest {
			t.Errorf("id %q: expected 400, got %d", id, rec.Code)
		}
	}
}

// ---- GET /api/v1/agents -----------------------------------------------------

func TestHandleListAgents_ParsesFilters(t *testing.T) {
	var got storage.AgentFilter
	reg := &mockRegistry{list: func(f storage.AgentFilter) ([]api.Agent, error) {
		got = f
		return nil, nil
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodGet, "/api/v1/agents?skip=10&limit=5&is_online=false&os=ubuntu", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.Skip != 10 || got.Limit != 5 || got.OS != "ubuntu" {
		t.Errorf("unexpected filter %+v", got)
	}
	if got.IsOnline == nil || *got.IsOnline {
		t.Errorf("expected is_online=false, got %v", got.IsOnline)
	}
	if strings.TrimSpace(rec.Body.String()) != "[]" {
		t.Errorf("expected empty JSON array, got %s", rec.Body)
	}
}

func TestHandleListAgents_InvalidParams_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodGet, "/api/v1/agents?skip=x&is_online=maybe", "")

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	msg := errorBody(t, rec)
	if !strings.Contains(msg, "skip") || !strings.Contains(msg, "is_online") {
		t.Errorf("expected both parameters in error, got %q", msg)
	}
}

func TestHandleGetAgent_NotFound_Returns404(t *testing.T) {
	reg := &mockRegistry{get: func(int64) (api.Agent, error) {
		return api.Agent{}, service.ErrNotFound
	}}
	h := newTestServer(reg, nil)

	rec := do(h, http.MethodGet, "/api/v1/agents/5", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

// ---- violations -------------------------------------------------------------

func TestHandleViolationFromAgent_Returns201(t *testing.T) {
	var got api.ViolationFromAgent
	led := &mockLedger{fromAgent: func(in api.ViolationFromAgent) (api.Violation, error) {
		got = in
		return api.Violation{ID: 1, AgentID: in.AgentID, RuleID: 4, AgentRuleID: in.AgentRuleID, Message: in.Message, ConfidenceScore: 1}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPost, "/api/v1/violations/from-agent",
		`{"agent_id":1,"agent_rule_id":"UBU-01","message":"Expected 'no', got 'yes'"}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d; body: %s", rec.Code, rec.Body)
	}
	if got.AgentRuleID != "UBU-01" || got.ConfidenceScore != nil {
		t.Errorf("unexpected input %+v", got)
	}
}

func TestHandleViolationFromAgent_UnknownRule_Returns404(t *testing.T) {
	led := &mockLedger{fromAgent: func(api.ViolationFromAgent) (api.Violation, error) {
		return api.Violation{}, fmt.Errorf("rule UBU-99: %w", service.ErrNotFound)
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPost, "/api/v1/violations/from-agent",
		`{"agent_id":1,"agent_rule_id":"UBU-99","message":"x"}`)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandleBulkViolations_PartialSuccess_Returns200(t *testing.T) {
	led := &mockLedger{bulk: func(id int64, items []api.BulkViolation) (api.BulkResult, error) {
		if id != 1 || len(items) != 3 {
			t.Errorf("unexpected call id=%d items=%d", id, len(items))
		}
		return api.BulkResult{
			CreatedCount:   2,
			TotalSubmitted: 3,
			Errors:         []api.BulkError{{Index: 1, AgentRuleID: "UBU-99", Error: `rule "UBU-99" not found`}},
		}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPost, "/api/v1/agents/1/violations/bulk", `{"violations":[
		{"agent_rule_id":"UBU-01","message":"a"},
		{"agent_rule_id":"UBU-99","message":"b"},
		{"agent_rule_id":"UBU-02","message":"c"}]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	var res api.BulkResult
	if err := json.NewDecoder(rec.Body).Decode(&res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.CreatedCount != 2 || res.TotalSubmitted != 3 || len(res.Errors) != 1 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestHandleBulkViolations_MissingList_Returns400(t *testing.T) {
	h := newTestServer(nil, nil)
	rec := do(h, http.MethodPost, "/api/v1/agents/1/violations/bulk", `{}`)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
}

func TestHandleListViolations_ParsesFilters(t *testing.T) {
	var got storage.ViolationFilter
	led := &mockLedger{listViol: func(f storage.ViolationFilter) ([]api.Violation, error) {
		got = f
		return []api.Violation{{ID: 1}}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodGet, "/api/v1/violations?agent_id=3&rule_id=9&severity=high&resolved=false", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.AgentID == nil || *got.AgentID != 3 || got.RuleID == nil || *got.RuleID != 9 {
		t.Errorf("unexpected ids in filter %+v", got)
	}
	if got.Severity != "high" || got.Resolved == nil || *got.Resolved {
		t.Errorf("unexpected filter %+v", got)
	}
	if got.Limit != storage.DefaultLimit {
		t.Errorf("expected default limit, got %d", got.Limit)
	}
}

func TestHandleRecentViolations_Defaults(t *testing.T) {
	var gotHours, gotLimit int
	led := &mockLedger{recent: func(hours, limit int) ([]api.Violation, error) {
		gotHours, gotLimit = hours, limit
		return nil, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodGet, "/api/v1/violations/recent", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if gotHours != 24 || gotLimit != 50 {
		t.Errorf("expected hours=24 limit=50, got %d/%d", gotHours, gotLimit)
	}
}

func TestHandleResolveViolation_Returns200(t *testing.T) {
	led := &mockLedger{resolve: func(id int64, in api.ViolationResolve) (api.Violation, error) {
		by := in.ResolvedBy
		return api.Violation{ID: id, ResolvedBy: &by}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPost, "/api/v1/violations/12/resolve", `{"resolved_by":"ops"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
}

func TestHandleUpdateViolation_NullResolvedAtReopens(t *testing.T) {
	var got api.ViolationUpdate
	led := &mockLedger{update: func(id int64, u api.ViolationUpdate) (api.Violation, error) {
		got = u
		return api.Violation{ID: id}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPut, "/api/v1/violations/12", `{"resolved_at":null}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if !got.ResolvedAt.Null() {
		t.Errorf("resolved_at = %+v, want explicit null", got.ResolvedAt)
	}
}

func TestHandleUpdateViolation_OmittedResolvedAtIsUnset(t *testing.T) {
	var got api.ViolationUpdate
	led := &mockLedger{update: func(id int64, u api.ViolationUpdate) (api.Violation, error) {
		got = u
		return api.Violation{ID: id}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPut, "/api/v1/violations/12", `{"message":"rechecked"}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d; body: %s", rec.Code, rec.Body)
	}
	if got.ResolvedAt.Set {
		t.Errorf("resolved_at = %+v, want unset", got.ResolvedAt)
	}
}

func TestHandleUpdateViolation_EmptyUpdate_Returns400(t *testing.T) {
	led := &mockLedger{update: func(int64, api.ViolationUpdate) (api.Violation, error) {
		return api.Violation{}, &service.ValidationError{Field: "body", Message: "no fields to update"}
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPut, "/api/v1/violations/12", `{}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d; body: %s", rec.Code, rec.Body)
	}
	if msg := errorBody(t, rec); !strings.Contains(msg, "no fields to update") {
		t.Errorf("error = %q", msg)
	}
}

// ---- rules ------------------------------------------------------------------

func TestHandleListRules_ParsesFilters(t *testing.T) {
	var got storage.RuleFilter
	led := &mockLedger{listRules: func(f storage.RuleFilter) ([]api.Rule, error) {
		got = f
		return []api.Rule{{ID: 1, AgentRuleID: "UBU-01"}}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodGet, "/api/v1/rules?os_type=ubuntu&active=true", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if got.OSType != "ubuntu" || got.Active == nil || !*got.Active {
		t.Errorf("unexpected filter %+v", got)
	}
}

func TestHandleToggleRule_Returns200(t *testing.T) {
	led := &mockLedger{toggleRule: func(id int64) (api.Rule, error) {
		return api.Rule{ID: id, Active: false}, nil
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodPost, "/api/v1/rules/2/toggle", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestHandleDeleteRule_Conflict_Returns409(t *testing.T) {
	led := &mockLedger{deleteRule: func(int64) error {
		return fmt.Errorf("delete rule: %w", service.ErrConflict)
	}}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodDelete, "/api/v1/rules/2", "")
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestHandleDeleteRule_Returns204(t *testing.T) {
	led := &mockLedger{deleteRule: func(int64) error { return nil }}
	h := newTestServer(nil, led)

	rec := do(h, http.MethodDelete, "/api/v1/rules/2", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}
