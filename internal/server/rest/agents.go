package rest

import (
	"net/http"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// handleRegisterAgent responds to POST /api/v1/agents. Registering a known
// hostname refreshes it and returns the existing id.
func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var in api.AgentRegistration
	if !decodeJSON(w, r, &in) {
		return
	}
	agent, err := s.agents.Register(r.Context(), in)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, agent)
}

// handleHeartbeat responds to POST /api/v1/agents/{id}/heartbeat. An
// empty body is accepted.
func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var hb api.AgentHeartbeat
	if r.ContentLength != 0 && !decodeJSON(w, r, &hb) {
		return
	}
	agent, err := s.agents.Heartbeat(r.Context(), id, hb)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

// handleListAgents responds to GET /api/v1/agents.
//
// Supported query parameters:
//
//	skip       – pagination offset (default 0)
//	limit      – maximum number of results (default 100, max 1000)
//	is_online  – true/false filter (optional)
//	os         – case-insensitive substring of the agent's os (optional)
func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := newQuery(r)
	f := storage.AgentFilter{
		Skip:     q.int("skip", 0),
		Limit:    q.int("limit", storage.DefaultLimit),
		IsOnline: q.boolPtr("is_online"),
		OS:       q.str("os"),
	}
	if !q.ok(w) {
		return
	}
	agents, err := s.agents.List(r.Context(), f)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	if agents == nil {
		agents = []api.Agent{}
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.agents.Stats(r.Context())
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	agent, err := s.agents.Get(r.Context(), id)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var u api.AgentUpdate
	if !decodeJSON(w, r, &u) {
		return
	}
	agent, err := s.agents.Update(r.Context(), id, u)
	if err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	if err := s.agents.Delete(r.Context(), id); err != nil {
		s.writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
