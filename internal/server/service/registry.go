package service

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// AgentStore is the persistence the Registry needs.
type AgentStore interface {
	UpsertAgent(ctx context.Context, reg api.AgentRegistration) (api.Agent, error)
	Heartbeat(ctx context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error)
	GetAgent(ctx context.Context, id int64) (api.Agent, error)
	ListAgents(ctx context.Context, f storage.AgentFilter) ([]api.Agent, error)
	AgentStats(ctx context.Context) (api.AgentStats, error)
	UpdateAgent(ctx context.Context, id int64, u api.AgentUpdate) (api.Agent, error)
	DeleteAgent(ctx context.Context, id int64) error
	MarkStale(ctx context.Context, before time.Time) ([]int64, error)
}

// Registry is the server's agent identity authority. Hostname is the
// natural key: registering the same hostname again returns the same id.
type Registry struct {
	store  AgentStore
	logger *slog.Logger
	opts   options
}

// NewRegistry returns a Registry backed by store.
func NewRegistry(store AgentStore, logger *slog.Logger, opts ...Option) *Registry {
	return &Registry{store: store, logger: loggerOrDefault(logger), opts: buildOptions(opts)}
}

const maxHostnameLen = 255

// Register creates or refreshes the agent identified by reg.Hostname and
// returns its stable id.
func (r *Registry) Register(ctx context.Context, reg api.AgentRegistration) (api.Agent, error) {
	reg.Hostname = strings.TrimSpace(reg.Hostname)
	if err := validateHostname(reg.Hostname); err != nil {
		return api.Agent{}, err
	}
	if reg.IPAddress != "" && net.ParseIP(reg.IPAddress) == nil {
		return api.Agent{}, invalid("ip_address", "%q is not an IP address", reg.IPAddress)
	}

	agent, err := r.store.UpsertAgent(ctx, reg)
	if err != nil {
		return api.Agent{}, err
	}
	r.opts.metrics.IncRegistered()
	r.logger.Info("service: agent registered",
		slog.Int64("agent_id", agent.ID),
		slog.String("hostname", agent.Hostname),
		slog.String("os", agent.OS),
	)
	r.opts.events.Publish(EventAgentStatusChanged, statusPayload(agent))
	return agent, nil
}

func validateHostname(h string) error {
	if h == "" {
		return invalid("hostname", "is required")
	}
	if len(h) > maxHostnameLen {
		return invalid("hostname", "must be at most %d characters", maxHostnameLen)
	}
	return nil
}

// Heartbeat records liveness for agent id. A stale id yields ErrNotFound,
// which tells the agent to re-register.
func (r *Registry) Heartbeat(ctx context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error) {
	if id <= 0 {
		return api.Agent{}, invalid("id", "must be positive")
	}
	agent, err := r.store.Heartbeat(ctx, id, hb)
	if err != nil {
		return api.Agent{}, err
	}
	r.opts.metrics.IncHeartbeat()
	if hb.IsOnline != nil {
		r.opts.events.Publish(EventAgentStatusChanged, statusPayload(agent))
	}
	return agent, nil
}

// Get returns agent id.
func (r *Registry) Get(ctx context.Context, id int64) (api.Agent, error) {
	return r.store.GetAgent(ctx, id)
}

// List returns agents matching f.
func (r *Registry) List(ctx context.Context, f storage.AgentFilter) ([]api.Agent, error) {
	if err := validatePage(f.Skip, f.Limit); err != nil {
		return nil, err
	}
	return r.store.ListAgents(ctx, f)
}

// Stats returns registry totals.
func (r *Registry) Stats(ctx context.Context) (api.AgentStats, error) {
	return r.store.AgentStats(ctx)
}

// Update applies an operator edit to agent id.
func (r *Registry) Update(ctx context.Context, id int64, u api.AgentUpdate) (api.Agent, error) {
	if u.Hostname != nil {
		h := strings.TrimSpace(*u.Hostname)
		if err := validateHostname(h); err != nil {
			return api.Agent{}, err
		}
		u.Hostname = &h
	}
	if u.IPAddress != nil && *u.IPAddress != "" && net.ParseIP(*u.IPAddress) == nil {
		return api.Agent{}, invalid("ip_address", "%q is not an IP address", *u.IPAddress)
	}
	agent, err := r.store.UpdateAgent(ctx, id, u)
	if err != nil {
		return api.Agent{}, err
	}
	r.opts.events.Publish(EventAgentUpdated, agent)
	return agent, nil
}

// Delete removes agent id and its violations.
func (r *Registry) Delete(ctx context.Context, id int64) error {
	if err := r.store.DeleteAgent(ctx, id); err != nil {
		return err
	}
	r.logger.Info("service: agent deleted", slog.Int64("agent_id", id))
	r.opts.events.Publish(EventAgentDeleted, map[string]int64{"agent_id": id})
	return nil
}

// SweepStale marks agents offline whose last heartbeat is older than
// threshold and returns how many changed.
func (r *Registry) SweepStale(ctx context.Context, threshold time.Duration) (int, error) {
	ids, err := r.store.MarkStale(ctx, r.opts.now().Add(-threshold))
	if err != nil {
		return 0, fmt.Errorf("sweep stale agents: %w", err)
	}
	for _, id := range ids {
		r.logger.Info("service: agent marked offline", slog.Int64("agent_id", id))
		r.opts.events.Publish(EventAgentStatusChanged, map[string]any{"agent_id": id, "is_online": false})
	}
	return len(ids), nil
}

// RunStaleSweeper calls SweepStale every interval until ctx is cancelled.
func (r *Registry) RunStaleSweeper(ctx context.Context, interval, threshold time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.SweepStale(ctx, threshold); err != nil && ctx.Err() == nil {
				r.logger.Warn("service: stale sweep failed", slog.Any("error", err))
			}
		}
	}
}

func statusPayload(a api.Agent) map[string]any {
	return map[string]any{
		"agent_id":  a.ID,
		"hostname":  a.Hostname,
		"is_online": a.IsOnline,
	}
}
