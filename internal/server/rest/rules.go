package rest

import (
	"net/http"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// handleListRules responds to GET /api/v1/rules, filtered by os_type,
// active and severity.
func (s *Server) handleListRules(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := storage.RuleFilter{
		OSType:   q.str("os_type"),
		Active:   q.boolPtr("active"),
		Severity: q.str("severity"),
	}
	if !q.ok(w) {
		return
	}
	rules, err := s.ledger.ListRules(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if rules == nil {
		rules = []api.Rule{}
	}
	writeJSON(w, http.StatusOK, rules)
}

func (s *Server) handleGetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rule, err := s.ledger.GetRule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var in api.RuleCreate
	if !decodeJSON(w, r, &in) {
		return
	}
	rule, err := s.ledger.CreateRule(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rule)
}

func (s *Server) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var u api.RuleUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	rule, err := s.ledger.UpdateRule(r.Context(), id, u)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// handleToggleRule flips the rule's active flag. Every agent's compliance
// rate is recomputed.
func (s *Server) handleToggleRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	rule, err := s.ledger.ToggleRule(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

func (s *Server) handleDeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.ledger.DeleteRule(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
