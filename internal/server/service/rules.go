package service

import (
	"context"
	"log/slog"
	"strings"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

// ListRules returns the rule mirror filtered by f.
func (l *Ledger) ListRules(ctx context.Context, f storage.RuleFilter) ([]api.Rule, error) {
	if f.OSType != "" {
		if _, err := catalog.ParseOSType(f.OSType); err != nil {
			return nil, invalid("os_type", "%v", err)
		}
	}
	if f.Severity != "" {
		if _, err := catalog.ParseSeverity(f.Severity); err != nil {
			return nil, invalid("severity", "%v", err)
		}
	}
	return l.store.ListRules(ctx, f)
}

// GetRule returns rule id.
func (l *Ledger) GetRule(ctx context.Context, id int64) (api.Rule, error) {
	return l.store.GetRule(ctx, id)
}

// CreateRule adds a rule to the mirror. Severity defaults to medium.
func (l *Ledger) CreateRule(ctx context.Context, in api.RuleCreate) (api.Rule, error) {
	in.AgentRuleID = strings.TrimSpace(in.AgentRuleID)
	in.Name = strings.TrimSpace(in.Name)
	if in.AgentRuleID == "" {
		return api.Rule{}, invalid("agent_rule_id", "is required")
	}
	if in.Name == "" {
		return api.Rule{}, invalid("name", "is required")
	}
	target, err := catalog.ParseOSType(in.OSType)
	if err != nil {
		return api.Rule{}, invalid("os_type", "%v", err)
	}
	in.OSType = string(target)
	if in.Severity != "" {
		sev, err := catalog.ParseSeverity(in.Severity)
		if err != nil {
			return api.Rule{}, invalid("severity", "%v", err)
		}
		in.Severity = strings.ToLower(string(sev))
	}
	if in.Category == "" {
		in.Category = catalog.InferCategory(target, in.Name)
	}

	r, err := l.store.CreateRule(ctx, in)
	if err != nil {
		return api.Rule{}, err
	}
	l.logger.Info("service: rule created",
		slog.Int64("rule_id", r.ID),
		slog.String("agent_rule_id", r.AgentRuleID),
	)
	l.opts.events.Publish(EventRuleUpdated, r)
	return r, nil
}

// UpdateRule applies an operator edit to rule id.
func (l *Ledger) UpdateRule(ctx context.Context, id int64, u api.RuleUpdate) (api.Rule, error) {
	if u.Name != nil && strings.TrimSpace(*u.Name) == "" {
		return api.Rule{}, invalid("name", "must not be empty")
	}
	if u.OSType != nil {
		target, err := catalog.ParseOSType(*u.OSType)
		if err != nil {
			return api.Rule{}, invalid("os_type", "%v", err)
		}
		s := string(target)
		u.OSType = &s
	}
	if u.Severity != nil {
		sev, err := catalog.ParseSeverity(*u.Severity)
		if err != nil {
			return api.Rule{}, invalid("severity", "%v", err)
		}
		s := strings.ToLower(string(sev))
		u.Severity = &s
	}

	r, err := l.store.UpdateRule(ctx, id, u)
	if err != nil {
		return api.Rule{}, err
	}
	l.opts.events.Publish(EventRuleUpdated, r)
	return r, nil
}

// ToggleRule flips rule id between active and inactive.
func (l *Ledger) ToggleRule(ctx context.Context, id int64) (api.Rule, error) {
	r, err := l.store.ToggleRule(ctx, id)
	if err != nil {
		return api.Rule{}, err
	}
	l.logger.Info("service: rule toggled",
		slog.Int64("rule_id", r.ID),
		slog.Bool("active", r.Active),
	)
	l.opts.events.Publish(EventRuleToggled, r)
	return r, nil
}

// DeleteRule removes rule id and its violations.
func (l *Ledger) DeleteRule(ctx context.Context, id int64) error {
	if err := l.store.DeleteRule(ctx, id); err != nil {
		return err
	}
	l.opts.events.Publish(EventRuleDeleted, map[string]int64{"rule_id": id})
	return nil
}

// SyncCatalog upserts a loaded catalog onto the rule mirror.
func (l *Ledger) SyncCatalog(ctx context.Context, rules []catalog.Rule) (int, error) {
	n, err := l.store.SyncRules(ctx, rules)
	if err != nil {
		return 0, err
	}
	l.logger.Info("service: rule catalog synced", slog.Int("rules", n))
	return n, nil
}
