package rest

import (
	"context"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// Registry is the subset of service.Registry used by the handlers.
// Defining an interface allows handlers to be tested without a database.
type Registry interface {
	Register(ctx context.Context, reg api.AgentRegistration) (api.Agent, error)
	Heartbeat(ctx context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error)
	Get(ctx context.Context, id int64) (api.Agent, error)
	List(ctx context.Context, f storage.AgentFilter) ([]api.Agent, error)
	Stats(ctx context.Context) (api.AgentStats, error)
	Update(ctx context.Context, id int64, u api.AgentUpdate) (api.Agent, error)
	Delete(ctx context.Context, id int64) error
}

// Ledger is the subset of service.Ledger used by the handlers.
type Ledger interface {
	FromAgent(ctx context.Context, in api.ViolationFromAgent) (api.Violation, error)
	Create(ctx context.Context, in api.ViolationCreate) (api.Violation, error)
	BulkCreate(ctx context.Context, agentID int64, items []api.BulkViolation) (api.BulkResult, error)
	Get(ctx context.Context, id int64) (api.Violation, error)
	List(ctx context.Context, f storage.ViolationFilter) ([]api.Violation, error)
	Recent(ctx context.Context, hours, limit int) ([]api.Violation, error)
	Stats(ctx context.Context) (api.ViolationStats, error)
	Update(ctx context.Context, id int64, u api.ViolationUpdate) (api.Violation, error)
	Resolve(ctx context.Context, id int64, in api.ViolationResolve) (api.Violation, error)
	Delete(ctx context.Context, id int64) error
	DeleteForAgent(ctx context.Context, agentID int64) (int64, error)

	ListRules(ctx context.Context, f storage.RuleFilter) ([]api.Rule, error)
	GetRule(ctx context.Context, id int64) (api.Rule, error)
	CreateRule(ctx context.Context, in api.RuleCreate) (api.Rule, error)
	UpdateRule(ctx context.Context, id int64, u api.RuleUpdate) (api.Rule, error)
	ToggleRule(ctx context.Context, id int64) (api.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
}

// Pinger reports database reachability for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}
