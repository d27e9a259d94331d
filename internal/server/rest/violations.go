package rest

import (
	"net/http"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/service"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// handleViolationFromAgent responds to POST /api/v1/violations/from-agent.
// The rule is named by its catalog id; an unknown id or agent yields 404.
func (s *Server) handleViolationFromAgent(w http.ResponseWriter, r *http.Request) {
	var in api.ViolationFromAgent
	if !decodeJSON(w, r, &in) {
		return
	}
	v, err := s.ledger.FromAgent(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// handleBulkViolations responds to POST /api/v1/agents/{id}/violations/bulk.
// Partial success is reported with 200; rejected items are listed in the
// response's errors.
func (s *Server) handleBulkViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in api.BulkViolations
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Violations == nil {
		writeError(w, http.StatusBadRequest, "violations is required")
		return
	}
	res, err := s.ledger.BulkCreate(r.Context(), id, in.Violations)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCreateViolation(w http.ResponseWriter, r *http.Request) {
	var in api.ViolationCreate
	if !decodeJSON(w, r, &in) {
		return
	}
	v, err := s.ledger.Create(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, v)
}

// handleListViolations responds to GET /api/v1/violations.
//
// Supported query parameters:
//
//	skip      – pagination offset (default 0)
//	limit     – maximum number of results (default 100, max 1000)
//	agent_id  – owning agent (optional)
//	rule_id   – internal rule id (optional)
//	severity  – rule severity (optional)
//	resolved  – true/false (optional)
func (s *Server) handleListViolations(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := storage.ViolationFilter{
		Skip:     q.int("skip", 0),
		Limit:    q.int("limit", storage.DefaultLimit),
		AgentID:  q.int64Ptr("agent_id"),
		RuleID:   q.int64Ptr("rule_id"),
		Severity: q.str("severity"),
		Resolved: q.boolPtr("resolved"),
	}
	if !q.ok(w) {
		return
	}
	vs, err := s.ledger.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeViolations(w, vs)
}

// handleRecentViolations responds to GET /api/v1/violations/recent
// (hours default 24, limit default 50).
func (s *Server) handleRecentViolations(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	hours := q.int("hours", service.DefaultRecentHours)
	limit := q.int("limit", 50)
	if !q.ok(w) {
		return
	}
	vs, err := s.ledger.Recent(r.Context(), hours, limit)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeViolations(w, vs)
}

func writeViolations(w http.ResponseWriter, vs []api.Violation) {
	if vs == nil {
		vs = []api.Violation{}
	}
	writeJSON(w, http.StatusOK, vs)
}

func (s *Server) handleViolationStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.ledger.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	v, err := s.ledger.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleUpdateViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var u api.ViolationUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	v, err := s.ledger.Update(r.Context(), id, u)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleResolveViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var in api.ViolationResolve
	if !decodeJSON(w, r, &in) {
		return
	}
	v, err := s.ledger.Resolve(r.Context(), id, in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

func (s *Server) handleDeleteViolation(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteAgentViolations responds to DELETE
// /api/v1/agents/{id}/violations with the number of rows removed.
func (s *Server) handleDeleteAgentViolations(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	n, err := s.ledger.DeleteForAgent(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"deleted_count": n})
}
