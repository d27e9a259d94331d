package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/compliance"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// fakeStore is an in-memory AgentStore and LedgerStore.
type fakeStore struct {
	mu         sync.Mutex
	agents     map[int64]api.Agent
	rules      map[int64]api.Rule
	violations map[int64]api.Violation
	nextID     int64
	scanned    map[int64]time.Time
	failCreate error
}

func newFakeStore() *fakeStore {
	s := &fakeStore{
		agents:     map[int64]api.Agent{},
		rules:      map[int64]api.Rule{},
		violations: map[int64]api.Violation{},
		scanned:    map[int64]time.Time{},
	}
	return s
}

func (s *fakeStore) id() int64 {
	s.nextID++
	return s.nextID
}

// addRule seeds an active ubuntu rule and returns its internal id.
func (s *fakeStore) addRule(agentRuleID, severity string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	s.rules[id] = api.Rule{ID: id, AgentRuleID: agentRuleID, Name: agentRuleID, Severity: severity, OSType: "ubuntu", Active: true}
	return id
}

func (s *fakeStore) rescore(agentID int64) {
	active, unresolved := 0, 0
	for _, r := range s.rules {
		if r.Active {
			active++
		}
	}
	for _, v := range s.violations {
		if v.AgentID == agentID && v.ResolvedAt == nil && s.rules[v.RuleID].Active {
			unresolved++
		}
	}
	a := s.agents[agentID]
	a.ComplianceRate = compliance.Score(active, unresolved)
	s.agents[agentID] = a
}

func (s *fakeStore) UpsertAgent(_ context.Context, reg api.AgentRegistration) (api.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.agents {
		if a.Hostname == reg.Hostname {
			if reg.IPAddress != "" {
				a.IPAddress = reg.IPAddress
			}
			if reg.OS != "" {
				a.OS = reg.OS
			}
			if reg.Version != "" {
				a.Version = reg.Version
			}
			a.IsOnline = true
			s.agents[id] = a
			return a, nil
		}
	}
	id := s.id()
	a := api.Agent{ID: id, Hostname: reg.Hostname, IPAddress: reg.IPAddress, OS: reg.OS, Version: reg.Version, IsOnline: true, ComplianceRate: 100}
	s.agents[id] = a
	return a, nil
}

func (s *fakeStore) Heartbeat(_ context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return api.Agent{}, fmt.Errorf("heartbeat agent %d: %w", id, storage.ErrNotFound)
	}
	a.IsOnline = hb.IsOnline == nil || *hb.IsOnline
	s.agents[id] = a
	return a, nil
}

func (s *fakeStore) GetAgent(_ context.Context, id int64) (api.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return api.Agent{}, fmt.Errorf("get agent %d: %w", id, storage.ErrNotFound)
	}
	return a, nil
}

func (s *fakeStore) ListAgents(context.Context, storage.AgentFilter) ([]api.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Agent{}
	for _, a := range s.agents {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *fakeStore) AgentStats(context.Context) (api.AgentStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var st api.AgentStats
	for _, a := range s.agents {
		st.Total++
		if a.IsOnline {
			st.Online++
		}
	}
	st.Offline = st.Total - st.Online
	return st, nil
}

func (s *fakeStore) UpdateAgent(_ context.Context, id int64, u api.AgentUpdate) (api.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return api.Agent{}, storage.ErrNotFound
	}
	if u.Hostname != nil {
		a.Hostname = *u.Hostname
	}
	if u.IsOnline != nil {
		a.IsOnline = *u.IsOnline
	}
	s.agents[id] = a
	return a, nil
}

func (s *fakeStore) DeleteAgent(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

func (s *fakeStore) MarkStale(_ context.Context, _ time.Time) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, a := range s.agents {
		if a.IsOnline {
			a.IsOnline = false
			s.agents[id] = a
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *fakeStore) MarkScanned(_ context.Context, id int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scanned[id] = at
	return nil
}

func (s *fakeStore) GetRule(_ context.Context, id int64) (api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return api.Rule{}, fmt.Errorf("get rule %d: %w", id, storage.ErrNotFound)
	}
	return r, nil
}

func (s *fakeStore) RuleByAgentRuleID(_ context.Context, ext string) (api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.rules {
		if r.AgentRuleID == ext {
			return r, nil
		}
	}
	return api.Rule{}, fmt.Errorf("get rule %q: %w", ext, storage.ErrNotFound)
}

func (s *fakeStore) ListRules(context.Context, storage.RuleFilter) ([]api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Rule{}
	for _, r := range s.rules {
		out = append(out, r)
	}
	return out, nil
}

func (s *fakeStore) CreateRule(_ context.Context, in api.RuleCreate) (api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id := s.id()
	r := api.Rule{ID: id, AgentRuleID: in.AgentRuleID, Name: in.Name, Severity: in.Severity,
		Category: in.Category, OSType: in.OSType, Active: in.Active == nil || *in.Active}
	s.rules[id] = r
	return r, nil
}

func (s *fakeStore) UpdateRule(_ context.Context, id int64, u api.RuleUpdate) (api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return api.Rule{}, storage.ErrNotFound
	}
	if u.Severity != nil {
		r.Severity = *u.Severity
	}
	if u.OSType != nil {
		r.OSType = *u.OSType
	}
	s.rules[id] = r
	return r, nil
}

func (s *fakeStore) ToggleRule(_ context.Context, id int64) (api.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[id]
	if !ok {
		return api.Rule{}, storage.ErrNotFound
	}
	r.Active = !r.Active
	s.rules[id] = r
	for aid := range s.agents {
		s.rescore(aid)
	}
	return r, nil
}

func (s *fakeStore) DeleteRule(_ context.Context, id int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rules[id]; !ok {
		return storage.ErrNotFound
	}
	delete(s.rules, id)
	return nil
}

func (s *fakeStore) SyncRules(_ context.Context, rules []catalog.Rule) (int, error) {
	for _, r := range rules {
		s.addRule(r.ID, string(r.Severity))
	}
	return len(rules), nil
}

func (s *fakeStore) CreateViolation(_ context.Context, nv storage.NewViolation) (api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failCreate != nil {
		return api.Violation{}, s.failCreate
	}
	if _, ok := s.agents[nv.AgentID]; !ok {
		return api.Violation{}, fmt.Errorf("lock agent %d: %w", nv.AgentID, storage.ErrNotFound)
	}
	id := s.id()
	v := api.Violation{
		ID: id, AgentID: nv.AgentID, RuleID: nv.RuleID, AgentRuleID: s.rules[nv.RuleID].AgentRuleID,
		Message: nv.Message, ConfidenceScore: nv.Confidence, DetectedAt: nv.DetectedAt,
	}
	s.violations[id] = v
	s.rescore(nv.AgentID)
	return v, nil
}

func (s *fakeStore) GetViolation(_ context.Context, id int64) (api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return api.Violation{}, storage.ErrNotFound
	}
	return v, nil
}

func (s *fakeStore) ListViolations(context.Context, storage.ViolationFilter) ([]api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Violation{}
	for _, v := range s.violations {
		out = append(out, v)
	}
	return out, nil
}

func (s *fakeStore) RecentViolations(_ context.Context, since time.Time, limit int) ([]api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []api.Violation{}
	for _, v := range s.violations {
		if !v.DetectedAt.Before(since) && len(out) < limit {
			out = append(out, v)
		}
	}
	return out, nil
}

func (s *fakeStore) ViolationStats(context.Context, time.Time) (api.ViolationStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return api.ViolationStats{Total: len(s.violations)}, nil
}

func (s *fakeStore) UpdateViolation(_ context.Context, id int64, u api.ViolationUpdate) (api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return api.Violation{}, storage.ErrNotFound
	}
	if u.Message != nil {
		v.Message = *u.Message
	}
	switch {
	case u.ResolvedAt.Null():
		v.ResolvedAt, v.ResolvedBy = nil, nil
	case u.ResolvedAt.Set:
		v.ResolvedAt = u.ResolvedAt.Time
	}
	if u.ResolvedBy != nil && !u.ResolvedAt.Null() {
		v.ResolvedBy = u.ResolvedBy
	}
	s.violations[id] = v
	s.rescore(v.AgentID)
	return v, nil
}

func (s *fakeStore) ResolveViolation(_ context.Context, id int64, r storage.Resolution) (api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return api.Violation{}, fmt.Errorf("resolve violation %d: %w", id, storage.ErrNotFound)
	}
	at, by := r.ResolvedAt, r.ResolvedBy
	v.ResolvedAt, v.ResolvedBy, v.ResolutionNotes = &at, &by, r.Notes
	s.violations[id] = v
	s.rescore(v.AgentID)
	return v, nil
}

func (s *fakeStore) DeleteViolation(_ context.Context, id int64) (api.Violation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.violations[id]
	if !ok {
		return api.Violation{}, storage.ErrNotFound
	}
	delete(s.violations, id)
	s.rescore(v.AgentID)
	return v, nil
}

func (s *fakeStore) DeleteAgentViolations(_ context.Context, agentID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, v := range s.violations {
		if v.AgentID == agentID {
			delete(s.violations, id)
			n++
		}
	}
	s.rescore(agentID)
	return n, nil
}

// recorder captures published events.
type recorder struct {
	mu    sync.Mutex
	kinds []string
}

func (r *recorder) Publish(kind string, _ any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kinds = append(r.kinds, kind)
}

func (r *recorder) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.kinds...)
}
