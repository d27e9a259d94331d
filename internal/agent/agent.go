// Package agent contains the baseline agent runtime. It registers the host
// with the server, then drives heartbeats and scans from a single
// cooperative tick loop until its context is cancelled.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/config"
	"github.com/xuanbach152/baseline-monitor/internal/identity"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/scanlog"
	"github.com/xuanbach152/baseline-monitor/internal/scanner"
	"github.com/xuanbach152/baseline-monitor/internal/transport"
)

// DefaultTick is the loop granularity. Heartbeat and scan intervals are
// honoured to within one tick.
const DefaultTick = 5 * time.Second

// Server is the subset of transport.Client the runtime calls directly.
type Server interface {
	Health(ctx context.Context) error
	Register(ctx context.Context, reg api.AgentRegistration) (api.Agent, error)
	Heartbeat(ctx context.Context, agentID int64, hb api.AgentHeartbeat) (api.Agent, error)
}

// Scanner runs one scan of the catalog at catalogPath.
type Scanner interface {
	RunScan(ctx context.Context, agent scanner.AgentRef, catalogPath string) *scanner.ScanResult
}

// Reporter delivers scan outcomes. It is satisfied by *report.Dispatcher.
type Reporter interface {
	Flush(ctx context.Context, agentID int64) (int, error)
	ReportViolations(ctx context.Context, res *scanner.ScanResult, includePass bool) bool
	ReportBulk(ctx context.Context, res *scanner.ScanResult, includePass bool) (api.BulkResult, error)
}

// IdentityStore persists the server-assigned agent id.
type IdentityStore interface {
	Load(hostname string) (identity.Identity, error)
	Save(id identity.Identity) error
	Clear() error
}

// History records completed scan summaries.
type History interface {
	Append(s scanner.Summary) (scanlog.Record, error)
}

// Depther reports how many items wait for redelivery.
type Depther interface {
	Depth() int
}

// Agent is the runtime orchestrator.
type Agent struct {
	cfg      *config.AgentConfig
	logger   *slog.Logger
	server   Server
	scanner  Scanner
	reporter Reporter

	ids     IdentityStore
	history History
	outbox  Depther
	metrics *metrics.Agent
	sysinfo func(osType string) (ip, osName string)

	tick time.Duration
	now  func() time.Time

	mu         sync.RWMutex
	agentID    int64
	startTime  time.Time
	lastBeatAt time.Time
	lastScan   *scanner.Summary
	running    bool
}

// Option is a functional option for Agent construction.
type Option func(*Agent)

// WithIdentityCache persists the agent id across restarts.
func WithIdentityCache(c IdentityStore) Option {
	return func(a *Agent) { a.ids = c }
}

// WithHistory appends each completed scan to h.
func WithHistory(h History) Option {
	return func(a *Agent) { a.history = h }
}

// WithOutbox exposes the outbox depth in the health snapshot.
func WithOutbox(o Depther) Option {
	return func(a *Agent) { a.outbox = o }
}

// WithMetrics records heartbeat results.
func WithMetrics(m *metrics.Agent) Option {
	return func(a *Agent) { a.metrics = m }
}

// WithTick replaces DefaultTick.
func WithTick(d time.Duration) Option {
	return func(a *Agent) { a.tick = d }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Agent) { a.now = now }
}

// New creates an Agent. Identity caching, scan history and metrics are
// optional and can be supplied via options.
func New(cfg *config.AgentConfig, logger *slog.Logger, server Server, sc Scanner, reporter Reporter, opts ...Option) *Agent {
	a := &Agent{
		cfg:      cfg,
		logger:   logger,
		server:   server,
		scanner:  sc,
		reporter: reporter,
		sysinfo:  hostInfo,
		tick:     DefaultTick,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run checks the server, registers, and then loops until ctx is cancelled.
// It returns an error only when startup fails; a cancelled context is a
// clean shutdown.
func (a *Agent) Run(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return errors.New("agent: already running")
	}
	a.running = true
	a.startTime = a.now()
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.running = false
		a.mu.Unlock()
	}()

	a.logger.Info("starting baseline agent",
		slog.String("name", a.cfg.Agent.Name),
		slog.String("hostname", a.cfg.Agent.Hostname),
		slog.String("os_type", a.cfg.Agent.OSType),
		slog.String("api_url", a.cfg.Backend.APIURL),
		slog.Duration("scan_interval", a.cfg.ScanInterval()),
		slog.Duration("heartbeat_interval", a.cfg.HeartbeatInterval()),
	)

	if err := a.server.Health(ctx); err != nil {
		return fmt.Errorf("agent: server unreachable: %w", err)
	}
	if err := a.ensureRegistered(ctx); err != nil {
		return fmt.Errorf("agent: registration failed: %w", err)
	}

	a.loop(ctx)
	a.goodbye()
	a.logger.Info("baseline agent stopped")
	return nil
}

func (a *Agent) loop(ctx context.Context) {
	ticker := time.NewTicker(a.tick)
	defer ticker.Stop()

	var lastBeat, lastScan time.Time
	scanDue := a.cfg.Scanner.ScanOnStart == nil || *a.cfg.Scanner.ScanOnStart
	if !scanDue {
		lastScan = a.now()
	}

	step := func() {
		now := a.now()
		if now.Sub(lastBeat) >= a.cfg.HeartbeatInterval() {
			a.heartbeat(ctx)
			lastBeat = now
		}
		if ctx.Err() != nil {
			return
		}
		if scanDue || now.Sub(lastScan) >= a.cfg.ScanInterval() {
			a.ScanOnce(ctx)
			lastScan = a.now()
			scanDue = false
		}
	}

	step()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			step()
		}
	}
}

// Register resolves the agent id without starting the loop.
func (a *Agent) Register(ctx context.Context) error {
	return a.ensureRegistered(ctx)
}

// ensureRegistered loads the cached id or registers anew.
func (a *Agent) ensureRegistered(ctx context.Context) error {
	if a.ids != nil {
		id, err := a.ids.Load(a.cfg.Agent.Hostname)
		switch {
		case err == nil:
			a.setAgentID(id.AgentID)
			a.logger.Info("using cached agent id", slog.Int64("agent_id", id.AgentID))
			return nil
		case !errors.Is(err, identity.ErrNoIdentity):
			a.logger.Warn("identity cache unreadable, registering", slog.Any("error", err))
		}
	}
	return a.register(ctx)
}

func (a *Agent) register(ctx context.Context) error {
	ip, osName := a.sysinfo(a.cfg.Agent.OSType)
	if a.cfg.Agent.IPAddress != "" {
		ip = a.cfg.Agent.IPAddress
	}
	agent, err := a.server.Register(ctx, api.AgentRegistration{
		Hostname:  a.cfg.Agent.Hostname,
		IPAddress: ip,
		OS:        osName,
		Version:   a.cfg.Agent.Version,
	})
	if err != nil {
		return err
	}
	if agent.ID == 0 {
		return errors.New("server returned no agent id")
	}
	a.setAgentID(agent.ID)
	a.logger.Info("agent registered",
		slog.Int64("agent_id", agent.ID),
		slog.String("hostname", agent.Hostname),
	)

	if a.ids != nil {
		if err := a.ids.Save(identity.Identity{
			AgentID:      agent.ID,
			Hostname:     a.cfg.Agent.Hostname,
			RegisteredAt: a.now().UTC(),
		}); err != nil {
			a.logger.Warn("failed to cache agent id", slog.Any("error", err))
		}
	}
	return nil
}

// heartbeat reports liveness. A 404 means the server no longer knows this
// id: the cache is cleared and the agent registers again.
func (a *Agent) heartbeat(ctx context.Context) {
	id := a.AgentID()
	version := a.cfg.Agent.Version
	_, err := a.server.Heartbeat(ctx, id, api.AgentHeartbeat{Version: &version})
	a.metrics.ObserveHeartbeat(err == nil)
	switch {
	case err == nil:
		a.mu.Lock()
		a.lastBeatAt = a.now()
		a.mu.Unlock()
		a.logger.Debug("heartbeat sent", slog.Int64("agent_id", id))
	case errors.Is(err, transport.ErrNotFound):
		a.logger.Warn("server does not know this agent, re-registering", slog.Int64("agent_id", id))
		if a.ids != nil {
			if cErr := a.ids.Clear(); cErr != nil {
				a.logger.Warn("failed to clear identity cache", slog.Any("error", cErr))
			}
		}
		if rErr := a.register(ctx); rErr != nil {
			a.logger.Error("re-registration failed", slog.Any("error", rErr))
		}
	case ctx.Err() == nil:
		a.logger.Warn("heartbeat failed", slog.Int64("agent_id", id), slog.Any("error", err))
	}
}

// goodbye tells the server this agent is going offline. Failure is only
// logged; the stale sweeper covers it.
func (a *Agent) goodbye() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	offline := false
	if _, err := a.server.Heartbeat(ctx, a.AgentID(), api.AgentHeartbeat{IsOnline: &offline}); err != nil {
		a.logger.Debug("offline heartbeat failed", slog.Any("error", err))
	}
}

// ScanOnce runs one scan, reports its outcomes and records it in the
// history. Queued reports from earlier cycles are sent first.
func (a *Agent) ScanOnce(ctx context.Context) *scanner.ScanResult {
	ref := scanner.AgentRef{
		ID:       a.AgentID(),
		Hostname: a.cfg.Agent.Hostname,
		OSType:   catalog.OSType(a.cfg.Agent.OSType),
	}
	res := a.scanner.RunScan(ctx, ref, a.cfg.Scanner.RulesPath)
	summary := res.Summary()

	a.logger.Info("scan finished",
		slog.String("scan_id", res.ID),
		slog.Int("checked", res.TotalRulesChecked),
		slog.Int("passed", summary.Passed),
		slog.Int("failed", summary.Failed),
		slog.Int("errors", summary.Errored),
		slog.Float64("compliance_rate", summary.ComplianceRate),
	)

	if ctx.Err() == nil {
		a.report(ctx, res)
	}

	if a.history != nil && res.Completed() {
		if _, err := a.history.Append(summary); err != nil {
			a.logger.Warn("failed to record scan history", slog.Any("error", err))
		}
	}

	a.mu.Lock()
	a.lastScan = &summary
	a.mu.Unlock()
	return res
}

func (a *Agent) report(ctx context.Context, res *scanner.ScanResult) {
	if n, err := a.reporter.Flush(ctx, res.Agent.ID); err != nil {
		a.logger.Warn("outbox flush failed", slog.Any("error", err))
	} else if n > 0 {
		a.logger.Info("redelivered queued reports", slog.Int("count", n))
	}

	includePass := a.cfg.Scanner.ReportPassResults
	if !a.cfg.Backend.BulkReports {
		if !a.reporter.ReportViolations(ctx, res, includePass) {
			a.logger.Warn("some violations were not delivered", slog.String("scan_id", res.ID))
		}
		return
	}
	out, err := a.reporter.ReportBulk(ctx, res, includePass)
	if err != nil {
		a.logger.Warn("bulk report failed", slog.String("scan_id", res.ID), slog.Any("error", err))
		return
	}
	a.logger.Info("bulk report accepted",
		slog.Int("created", out.CreatedCount),
		slog.Int("submitted", out.TotalSubmitted),
		slog.Int("rejected", len(out.Errors)),
	)
}

// AgentID returns the current server-assigned id, or 0 before
// registration.
func (a *Agent) AgentID() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.agentID
}

func (a *Agent) setAgentID(id int64) {
	a.mu.Lock()
	a.agentID = id
	a.mu.Unlock()
}

// HealthStatus is the payload returned by the /healthz endpoint.
type HealthStatus struct {
	Status          string           `json:"status"`
	AgentID         int64            `json:"agent_id,omitempty"`
	UptimeS         float64          `json:"uptime_s"`
	OutboxDepth     int              `json:"outbox_depth"`
	LastHeartbeatAt string           `json:"last_heartbeat_at,omitempty"`
	LastScan        *scanner.Summary `json:"last_scan,omitempty"`
}

// Health returns a snapshot of the current agent health state. Status is
// "starting" until the agent has registered.
func (a *Agent) Health() HealthStatus {
	a.mu.RLock()
	defer a.mu.RUnlock()

	h := HealthStatus{
		Status:   "ok",
		AgentID:  a.agentID,
		LastScan: a.lastScan,
	}
	if a.agentID == 0 {
		h.Status = "starting"
	}
	if !a.startTime.IsZero() {
		h.UptimeS = a.now().Sub(a.startTime).Seconds()
	}
	if a.outbox != nil {
		h.OutboxDepth = a.outbox.Depth()
	}
	if !a.lastBeatAt.IsZero() {
		h.LastHeartbeatAt = a.lastBeatAt.UTC().Format(time.RFC3339)
	}
	return h
}

// HealthzHandler is an http.HandlerFunc that responds with the agent's health
// status as a JSON object and HTTP 200.
func (a *Agent) HealthzHandler(w http.ResponseWriter, r *http.Request) {
	h := a.Health()
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	if err := json.NewEncoder(w).Encode(h); err != nil {
		a.logger.Warn("healthz: failed to encode response", slog.Any("error", err))
	}
}
