package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/catalog"
)

const ruleColumns = `id, agent_rule_id, name, description, check_expression,
	severity, category, os_type, active`

// ListRules returns rules ordered by agent_rule_id, filtered by f.
func (s *Store) ListRules(ctx context.Context, f RuleFilter) ([]api.Rule, error) {
	var args []any
	var where []string
	if f.OSType != "" {
		args = append(args, strings.ToLower(f.OSType))
		where = append(where, fmt.Sprintf("os_type = $%d", len(args)))
	}
	if f.Active != nil {
		args = append(args, *f.Active)
		where = append(where, fmt.Sprintf("active = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, strings.ToLower(f.Severity))
		where = append(where, fmt.Sprintf("severity = $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM   rules
		%s
		ORDER  BY agent_rule_id`, ruleColumns, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list rules: %w", err)
	}
	defer rows.Close()

	rules := []api.Rule{}
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule fetches a rule by its internal id.
func (s *Store) GetRule(ctx context.Context, id int64) (api.Rule, error) {
	r, err := getRule(ctx, s.pool, id)
	if err != nil {
		return api.Rule{}, fmt.Errorf("get rule %d: %w", id, err)
	}
	return r, nil
}

func getRule(ctx context.Context, q querier, id int64) (api.Rule, error) {
	r, err := scanRule(q.QueryRow(ctx, `SELECT `+ruleColumns+` FROM rules WHERE id = $1`, id))
	if err != nil {
		return api.Rule{}, mapErr(err)
	}
	return r, nil
}

// RuleByAgentRuleID fetches a rule by its external catalog id.
func (s *Store) RuleByAgentRuleID(ctx context.Context, agentRuleID string) (api.Rule, error) {
	r, err := scanRule(s.pool.QueryRow(ctx,
		`SELECT `+ruleColumns+` FROM rules WHERE agent_rule_id = $1`, agentRuleID))
	if err != nil {
		return api.Rule{}, fmt.Errorf("get rule %q: %w", agentRuleID, mapErr(err))
	}
	return r, nil
}

// CreateRule inserts a rule. An active rule changes every agent's
// denominator, so rates are recomputed in the same transaction.
func (s *Store) CreateRule(ctx context.Context, in api.RuleCreate) (api.Rule, error) {
	active := true
	if in.Active != nil {
		active = *in.Active
	}
	severity := in.Severity
	if severity == "" {
		severity = "medium"
	}

	var rule api.Rule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRule(tx.QueryRow(ctx, `
			INSERT INTO rules
				(agent_rule_id, name, description, check_expression, severity, category, os_type, active)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			RETURNING `+ruleColumns,
			in.AgentRuleID,
			in.Name,
			nullableStr(in.Description),
			in.CheckExpression,
			strings.ToLower(severity),
			nullableStr(in.Category),
			strings.ToLower(in.OSType),
			active,
		))
		if err != nil {
			return mapErr(err)
		}
		rule = r
		if active {
			return recomputeAll(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return api.Rule{}, fmt.Errorf("create rule %q: %w", in.AgentRuleID, err)
	}
	return rule, nil
}

// UpdateRule applies the non-nil fields of u. Changes to active or os_type
// recompute every agent's compliance rate.
func (s *Store) UpdateRule(ctx context.Context, id int64, u api.RuleUpdate) (api.Rule, error) {
	set := newSetList(id)
	if u.Name != nil {
		set.add("name", *u.Name)
	}
	if u.Description != nil {
		set.add("description", nullableStr(*u.Description))
	}
	if u.CheckExpression != nil {
		set.add("check_expression", *u.CheckExpression)
	}
	if u.Severity != nil {
		set.add("severity", strings.ToLower(*u.Severity))
	}
	if u.Category != nil {
		set.add("category", nullableStr(*u.Category))
	}
	if u.OSType != nil {
		set.add("os_type", strings.ToLower(*u.OSType))
	}
	if u.Active != nil {
		set.add("active", *u.Active)
	}
	rescore := u.Active != nil || u.OSType != nil

	var rule api.Rule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if set.empty() {
			var err error
			rule, err = getRule(ctx, tx, id)
			return err
		}
		set.add("updated_at", s.timestamp())
		r, err := scanRule(tx.QueryRow(ctx,
			`UPDATE rules SET `+strings.Join(set.cols, ", ")+` WHERE id = $1 RETURNING `+ruleColumns,
			set.args...))
		if err != nil {
			return mapErr(err)
		}
		rule = r
		if rescore {
			return recomputeAll(ctx, tx)
		}
		return nil
	})
	if err != nil {
		return api.Rule{}, fmt.Errorf("update rule %d: %w", id, err)
	}
	return rule, nil
}

// ToggleRule flips the rule's active flag and recomputes every agent's
// compliance rate.
func (s *Store) ToggleRule(ctx context.Context, id int64) (api.Rule, error) {
	var rule api.Rule
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		r, err := scanRule(tx.QueryRow(ctx, `
			UPDATE rules
			SET    active = NOT active, updated_at = $2
			WHERE  id = $1
			RETURNING `+ruleColumns, id, s.timestamp()))
		if err != nil {
			return mapErr(err)
		}
		rule = r
		return recomputeAll(ctx, tx)
	})
	if err != nil {
		return api.Rule{}, fmt.Errorf("toggle rule %d: %w", id, err)
	}
	return rule, nil
}

// DeleteRule removes the rule and, by cascade, its violations, then
// recomputes every agent's compliance rate.
func (s *Store) DeleteRule(ctx context.Context, id int64) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `DELETE FROM rules WHERE id = $1`, id)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return recomputeAll(ctx, tx)
	})
	if err != nil {
		return fmt.Errorf("delete rule %d: %w", id, err)
	}
	return nil
}

// SyncRules upserts catalog rules onto the mirror keyed by agent_rule_id in
// a single batch and returns the number of rows written. Rules present in
// the mirror but absent from the catalog are left untouched.
func (s *Store) SyncRules(ctx context.Context, rules []catalog.Rule) (int, error) {
	if len(rules) == 0 {
		return 0, nil
	}
	const query = `
		INSERT INTO rules
			(agent_rule_id, name, description, check_expression, severity, category, os_type, active)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (agent_rule_id) DO UPDATE SET
			name             = EXCLUDED.name,
			description      = EXCLUDED.description,
			check_expression = EXCLUDED.check_expression,
			severity         = EXCLUDED.severity,
			category         = EXCLUDED.category,
			os_type          = EXCLUDED.os_type,
			active           = EXCLUDED.active,
			updated_at       = NOW()`

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		b := &pgx.Batch{}
		for i := range rules {
			r := &rules[i]
			b.Queue(query,
				r.ID,
				r.Title,
				nullableStr(r.Description),
				r.CheckExpression,
				strings.ToLower(string(r.Severity)),
				nullableStr(r.Category),
				string(r.OSType),
				r.Active,
			)
		}
		if err := tx.SendBatch(ctx, b).Close(); err != nil {
			return fmt.Errorf("batch upsert rules: %w", err)
		}
		return recomputeAll(ctx, tx)
	})
	if err != nil {
		return 0, fmt.Errorf("sync rules: %w", err)
	}
	return len(rules), nil
}

// scanRule reads one rules row projected as ruleColumns.
func scanRule(s scanner) (api.Rule, error) {
	var r api.Rule
	var description, category *string
	err := s.Scan(
		&r.ID, &r.AgentRuleID, &r.Name, &description, &r.CheckExpression,
		&r.Severity, &category, &r.OSType, &r.Active,
	)
	if err != nil {
		return api.Rule{}, err
	}
	r.Description = derefStr(description)
	r.Category = derefStr(category)
	return r, nil
}
