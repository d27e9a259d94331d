package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// LedgerStore is the persistence the Ledger needs.
type LedgerStore interface {
	GetAgent(ctx context.Context, id int64) (api.Agent, error)
	MarkScanned(ctx context.Context, id int64, at time.Time) error

	GetRule(ctx context.Context, id int64) (api.Rule, error)
	RuleByAgentRuleID(ctx context.Context, agentRuleID string) (api.Rule, error)
	ListRules(ctx context.Context, f storage.RuleFilter) ([]api.Rule, error)
	CreateRule(ctx context.Context, in api.RuleCreate) (api.Rule, error)
	UpdateRule(ctx context.Context, id int64, u api.RuleUpdate) (api.Rule, error)
	ToggleRule(ctx context.Context, id int64) (api.Rule, error)
	DeleteRule(ctx context.Context, id int64) error
	SyncRules(ctx context.Context, rules []catalog.Rule) (int, error)

	CreateViolation(ctx context.Context, v storage.NewViolation) (api.Violation, error)
	GetViolation(ctx context.Context, id int64) (api.Violation, error)
	ListViolations(ctx context.Context, f storage.ViolationFilter) ([]api.Violation, error)
	RecentViolations(ctx context.Context, since time.Time, limit int) ([]api.Violation, error)
	ViolationStats(ctx context.Context, now time.Time) (api.ViolationStats, error)
	UpdateViolation(ctx context.Context, id int64, u api.ViolationUpdate) (api.Violation, error)
	ResolveViolation(ctx context.Context, id int64, r storage.Resolution) (api.Violation, error)
	DeleteViolation(ctx context.Context, id int64) (api.Violation, error)
	DeleteAgentViolations(ctx context.Context, agentID int64) (int64, error)
}

// Ledger records violations against the rule mirror. Every mutation
// recomputes the owning agent's compliance rate in storage.
type Ledger struct {
	store  LedgerStore
	logger *slog.Logger
	opts   options
}

// NewLedger returns a Ledger backed by store.
func NewLedger(store LedgerStore, logger *slog.Logger, opts ...Option) *Ledger {
	return &Ledger{store: store, logger: loggerOrDefault(logger), opts: buildOptions(opts)}
}

// Limits on request sizes.
const (
	MaxBulkItems       = 1000
	MaxRecentHours     = 168
	MaxRecentLimit     = 200
	DefaultRecentHours = 24
)

// RuleRef names a rule either by internal id or by external catalog id.
// ID wins when both are set.
type RuleRef struct {
	ID          int64
	AgentRuleID string
}

func (r RuleRef) String() string {
	if r.ID > 0 {
		return fmt.Sprintf("%d", r.ID)
	}
	return r.AgentRuleID
}

// ViolationInput is a violation as submitted by an agent or an operator.
// A nil Confidence defaults to 1.0.
type ViolationInput struct {
	AgentID    int64
	Rule       RuleRef
	Message    string
	Confidence *float64
}

// CreateViolation resolves in.Rule, validates the input and persists it.
// An unknown rule or agent yields ErrNotFound.
func (l *Ledger) CreateViolation(ctx context.Context, in ViolationInput) (api.Violation, error) {
	nv, err := l.prepare(ctx, in)
	if err != nil {
		return api.Violation{}, err
	}
	v, err := l.store.CreateViolation(ctx, nv)
	if err != nil {
		return api.Violation{}, err
	}
	l.opts.metrics.IncViolationsCreated(1)
	l.logger.Debug("service: violation recorded",
		slog.Int64("violation_id", v.ID),
		slog.Int64("agent_id", v.AgentID),
		slog.String("rule_id", v.AgentRuleID),
	)
	l.opts.events.Publish(EventViolationCreated, v)
	return v, nil
}

func (l *Ledger) prepare(ctx context.Context, in ViolationInput) (storage.NewViolation, error) {
	if in.AgentID <= 0 {
		return storage.NewViolation{}, invalid("agent_id", "must be positive")
	}
	msg := strings.TrimSpace(in.Message)
	if msg == "" {
		return storage.NewViolation{}, invalid("message", "is required")
	}
	confidence := 1.0
	if in.Confidence != nil {
		confidence = *in.Confidence
	}
	if err := validateConfidence(confidence); err != nil {
		return storage.NewViolation{}, err
	}
	ruleID, err := l.resolveRule(ctx, in.Rule)
	if err != nil {
		return storage.NewViolation{}, err
	}
	return storage.NewViolation{
		AgentID:    in.AgentID,
		RuleID:     ruleID,
		Message:    msg,
		Confidence: confidence,
		DetectedAt: l.opts.now(),
	}, nil
}

func validateConfidence(c float64) error {
	if c < 0 || c > 1 {
		return invalid("confidence_score", "must be between 0 and 1")
	}
	return nil
}

func (l *Ledger) resolveRule(ctx context.Context, ref RuleRef) (int64, error) {
	switch {
	case ref.ID > 0:
		r, err := l.store.GetRule(ctx, ref.ID)
		if err != nil {
			return 0, err
		}
		return r.ID, nil
	case strings.TrimSpace(ref.AgentRuleID) != "":
		r, err := l.store.RuleByAgentRuleID(ctx, strings.TrimSpace(ref.AgentRuleID))
		if err != nil {
			return 0, err
		}
		return r.ID, nil
	default:
		return 0, invalid("rule_id", "is required")
	}
}

// FromAgent records a violation reported by an agent, which names the rule
// by its catalog id, and stamps the agent's last scan time.
func (l *Ledger) FromAgent(ctx context.Context, in api.ViolationFromAgent) (api.Violation, error) {
	if strings.TrimSpace(in.AgentRuleID) == "" {
		return api.Violation{}, invalid("agent_rule_id", "is required")
	}
	v, err := l.CreateViolation(ctx, ViolationInput{
		AgentID:    in.AgentID,
		Rule:       RuleRef{AgentRuleID: in.AgentRuleID},
		Message:    in.Message,
		Confidence: in.ConfidenceScore,
	})
	if err != nil {
		return api.Violation{}, err
	}
	l.markScanned(ctx, in.AgentID)
	return v, nil
}

// Create records a violation submitted by an operator, which names the
// rule by its internal id.
func (l *Ledger) Create(ctx context.Context, in api.ViolationCreate) (api.Violation, error) {
	if in.RuleID <= 0 {
		return api.Violation{}, invalid("rule_id", "must be positive")
	}
	return l.CreateViolation(ctx, ViolationInput{
		AgentID:    in.AgentID,
		Rule:       RuleRef{ID: in.RuleID},
		Message:    in.Message,
		Confidence: in.ConfidenceScore,
	})
}

// BulkCreate persists each item independently. Items that fail validation
// or name an unknown rule are reported in the result's Errors with their
// index; the others are created. The agent's last scan time is stamped
// only when at least one item was created. An unknown agent fails the
// whole request, as does a storage failure, so the agent's transport
// retries.
func (l *Ledger) BulkCreate(ctx context.Context, agentID int64, items []api.BulkViolation) (api.BulkResult, error) {
	if agentID <= 0 {
		return api.BulkResult{}, invalid("agent_id", "must be positive")
	}
	if len(items) > MaxBulkItems {
		return api.BulkResult{}, invalid("violations", "at most %d items per request", MaxBulkItems)
	}
	if _, err := l.store.GetAgent(ctx, agentID); err != nil {
		return api.BulkResult{}, err
	}

	res := api.BulkResult{TotalSubmitted: len(items), Errors: []api.BulkError{}}
	for i, it := range items {
		_, err := l.CreateViolation(ctx, ViolationInput{
			AgentID:    agentID,
			Rule:       RuleRef{AgentRuleID: it.AgentRuleID},
			Message:    it.Message,
			Confidence: it.ConfidenceScore,
		})
		switch {
		case err == nil:
			res.CreatedCount++
		case IsValidation(err) || errors.Is(err, ErrNotFound):
			res.Errors = append(res.Errors, api.BulkError{
				Index:       i,
				AgentRuleID: it.AgentRuleID,
				Error:       itemError(it.AgentRuleID, err),
			})
		default:
			return res, fmt.Errorf("bulk item %d: %w", i, err)
		}
	}

	if res.CreatedCount > 0 {
		l.markScanned(ctx, agentID)
	}
	l.logger.Info("service: bulk violations recorded",
		slog.Int64("agent_id", agentID),
		slog.Int("created", res.CreatedCount),
		slog.Int("rejected", len(res.Errors)),
	)
	return res, nil
}

func itemError(agentRuleID string, err error) string {
	if errors.Is(err, ErrNotFound) {
		return fmt.Sprintf("rule %q not found", agentRuleID)
	}
	return err.Error()
}

func (l *Ledger) markScanned(ctx context.Context, agentID int64) {
	if err := l.store.MarkScanned(ctx, agentID, l.opts.now()); err != nil {
		l.logger.Warn("service: mark scanned failed",
			slog.Int64("agent_id", agentID),
			slog.Any("error", err),
		)
	}
}

// Get returns violation id.
func (l *Ledger) Get(ctx context.Context, id int64) (api.Violation, error) {
	return l.store.GetViolation(ctx, id)
}

// List returns violations matching f.
func (l *Ledger) List(ctx context.Context, f storage.ViolationFilter) ([]api.Violation, error) {
	if err := validatePage(f.Skip, f.Limit); err != nil {
		return nil, err
	}
	if f.Severity != "" {
		if _, err := catalog.ParseSeverity(f.Severity); err != nil {
			return nil, invalid("severity", "%v", err)
		}
	}
	return l.store.ListViolations(ctx, f)
}

// Recent returns up to limit violations detected within the last hours.
func (l *Ledger) Recent(ctx context.Context, hours, limit int) ([]api.Violation, error) {
	if hours < 1 || hours > MaxRecentHours {
		return nil, invalid("hours", "must be between 1 and %d", MaxRecentHours)
	}
	if limit < 1 || limit > MaxRecentLimit {
		return nil, invalid("limit", "must be between 1 and %d", MaxRecentLimit)
	}
	since := l.opts.now().Add(-time.Duration(hours) * time.Hour)
	return l.store.RecentViolations(ctx, since, limit)
}

// Stats aggregates the ledger.
func (l *Ledger) Stats(ctx context.Context) (api.ViolationStats, error) {
	return l.store.ViolationStats(ctx, l.opts.now())
}

// Update applies an operator edit to violation id.
func (l *Ledger) Update(ctx context.Context, id int64, u api.ViolationUpdate) (api.Violation, error) {
	if u.Empty() {
		return api.Violation{}, invalid("body", "no fields to update")
	}
	if u.Message != nil && strings.TrimSpace(*u.Message) == "" {
		return api.Violation{}, invalid("message", "must not be empty")
	}
	if u.ConfidenceScore != nil {
		if err := validateConfidence(*u.ConfidenceScore); err != nil {
			return api.Violation{}, err
		}
	}
	v, err := l.store.UpdateViolation(ctx, id, u)
	if err != nil {
		return api.Violation{}, err
	}
	if u.ResolvedAt.Set && !u.ResolvedAt.Null() {
		l.opts.metrics.IncResolved()
		l.opts.events.Publish(EventViolationResolved, v)
	}
	return v, nil
}

// Resolve marks violation id resolved now. Resolving again overwrites the
// previous resolution.
func (l *Ledger) Resolve(ctx context.Context, id int64, in api.ViolationResolve) (api.Violation, error) {
	by := strings.TrimSpace(in.ResolvedBy)
	if by == "" {
		return api.Violation{}, invalid("resolved_by", "is required")
	}
	v, err := l.store.ResolveViolation(ctx, id, storage.Resolution{
		ResolvedAt: l.opts.now(),
		ResolvedBy: by,
		Notes:      in.ResolutionNotes,
	})
	if err != nil {
		return api.Violation{}, err
	}
	l.opts.metrics.IncResolved()
	l.logger.Info("service: violation resolved",
		slog.Int64("violation_id", id),
		slog.String("resolved_by", by),
	)
	l.opts.events.Publish(EventViolationResolved, v)
	return v, nil
}

// Delete removes violation id.
func (l *Ledger) Delete(ctx context.Context, id int64) error {
	v, err := l.store.DeleteViolation(ctx, id)
	if err != nil {
		return err
	}
	l.opts.events.Publish(EventViolationDeleted, map[string]int64{"violation_id": v.ID, "agent_id": v.AgentID})
	return nil
}

// DeleteForAgent removes every violation of agentID and returns the count.
func (l *Ledger) DeleteForAgent(ctx context.Context, agentID int64) (int64, error) {
	n, err := l.store.DeleteAgentViolations(ctx, agentID)
	if err != nil {
		return 0, err
	}
	l.logger.Info("service: agent violations cleared",
		slog.Int64("agent_id", agentID),
		slog.Int64("count", n),
	)
	l.opts.events.Publish(EventViolationDeleted, map[string]int64{"agent_id": agentID, "count": n})
	return n, nil
}
