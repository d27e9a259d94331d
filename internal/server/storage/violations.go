package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xuanbach152/baseline-monitor/internal/api"
)

const violationSelect = `
	SELECT v.id, v.agent_id, v.rule_id, r.agent_rule_id, v.message, v.confidence_score,
	       v.detected_at, v.resolved_at, v.resolved_by, v.resolution_notes
	FROM   violations v
	JOIN   rules r ON r.id = v.rule_id`

// CreateViolation persists v and recomputes the agent's compliance rate in
// the same transaction. Unknown agent or rule ids yield ErrNotFound.
func (s *Store) CreateViolation(ctx context.Context, v NewViolation) (api.Violation, error) {
	detected := v.DetectedAt
	if detected.IsZero() {
		detected = s.timestamp()
	}

	var out api.Violation
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockAgent(ctx, tx, v.AgentID); err != nil {
			return err
		}
		var ruleID int64
		if err := tx.QueryRow(ctx, `SELECT id FROM rules WHERE id = $1`, v.RuleID).Scan(&ruleID); err != nil {
			return fmt.Errorf("rule %d: %w", v.RuleID, mapErr(err))
		}

		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO violations (agent_id, rule_id, message, confidence_score, detected_at)
			VALUES ($1, $2, $3, $4, $5)
			RETURNING id`,
			v.AgentID, v.RuleID, v.Message, v.Confidence, detected.UTC(),
		).Scan(&id)
		if err != nil {
			return err
		}
		if _, err := recomputeCompliance(ctx, tx, v.AgentID); err != nil {
			return err
		}
		out, err = getViolation(ctx, tx, id)
		return err
	})
	if err != nil {
		return api.Violation{}, fmt.Errorf("create violation for agent %d: %w", v.AgentID, err)
	}
	return out, nil
}

// GetViolation returns the violation with the given id.
func (s *Store) GetViolation(ctx context.Context, id int64) (api.Violation, error) {
	v, err := getViolation(ctx, s.pool, id)
	if err != nil {
		return api.Violation{}, fmt.Errorf("get violation %d: %w", id, err)
	}
	return v, nil
}

func getViolation(ctx context.Context, q querier, id int64) (api.Violation, error) {
	v, err := scanViolation(q.QueryRow(ctx, violationSelect+` WHERE v.id = $1`, id))
	if err != nil {
		return api.Violation{}, mapErr(err)
	}
	return v, nil
}

// ListViolations returns violations newest first, filtered and paginated
// by f.
func (s *Store) ListViolations(ctx context.Context, f ViolationFilter) ([]api.Violation, error) {
	args := []any{limitOrDefault(f.Limit), f.Skip}
	var where []string
	if f.AgentID != nil {
		args = append(args, *f.AgentID)
		where = append(where, fmt.Sprintf("v.agent_id = $%d", len(args)))
	}
	if f.RuleID != nil {
		args = append(args, *f.RuleID)
		where = append(where, fmt.Sprintf("v.rule_id = $%d", len(args)))
	}
	if f.Severity != "" {
		args = append(args, strings.ToLower(f.Severity))
		where = append(where, fmt.Sprintf("r.severity = $%d", len(args)))
	}
	if f.Resolved != nil {
		if *f.Resolved {
			where = append(where, "v.resolved_at IS NOT NULL")
		} else {
			where = append(where, "v.resolved_at IS NULL")
		}
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	return s.queryViolations(ctx, violationSelect+`
		`+clause+`
		ORDER  BY v.detected_at DESC, v.id DESC
		LIMIT  $1 OFFSET $2`, args...)
}

// RecentViolations returns up to limit violations detected at or after
// since, newest first.
func (s *Store) RecentViolations(ctx context.Context, since time.Time, limit int) ([]api.Violation, error) {
	return s.queryViolations(ctx, violationSelect+`
		WHERE  v.detected_at >= $1
		ORDER  BY v.detected_at DESC, v.id DESC
		LIMIT  $2`, since.UTC(), limitOrDefault(limit))
}

func (s *Store) queryViolations(ctx context.Context, sql string, args ...any) ([]api.Violation, error) {
	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query violations: %w", err)
	}
	defer rows.Close()

	out := []api.Violation{}
	for rows.Next() {
		v, err := scanViolation(rows)
		if err != nil {
			return nil, fmt.Errorf("scan violation: %w", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// ViolationStats aggregates the ledger. Recent24h counts detections in the
// 24 hours before now.
func (s *Store) ViolationStats(ctx context.Context, now time.Time) (api.ViolationStats, error) {
	st := api.ViolationStats{BySeverity: map[string]int{}, TopAgents: []api.AgentViolCount{}}
	err := s.pool.QueryRow(ctx, `
		SELECT count(*),
		       count(*) FILTER (WHERE resolved_at IS NULL),
		       count(*) FILTER (WHERE detected_at >= $1)
		FROM   violations`, now.Add(-24*time.Hour).UTC(),
	).Scan(&st.Total, &st.Unresolved, &st.Recent24h)
	if err != nil {
		return api.ViolationStats{}, fmt.Errorf("violation stats: %w", err)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT r.severity, count(*)
		FROM   violations v
		JOIN   rules r ON r.id = v.rule_id
		GROUP  BY r.severity`)
	if err != nil {
		return api.ViolationStats{}, fmt.Errorf("violation stats by severity: %w", err)
	}
	for rows.Next() {
		var sev string
		var n int
		if err := rows.Scan(&sev, &n); err != nil {
			rows.Close()
			return api.ViolationStats{}, fmt.Errorf("scan severity count: %w", err)
		}
		st.BySeverity[sev] = n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return api.ViolationStats{}, fmt.Errorf("violation stats by severity: %w", err)
	}

	rows, err = s.pool.Query(ctx, `
		SELECT a.id, a.hostname, count(*) AS n
		FROM   violations v
		JOIN   agents a ON a.id = v.agent_id
		GROUP  BY a.id, a.hostname
		ORDER  BY n DESC, a.id
		LIMIT  5`)
	if err != nil {
		return api.ViolationStats{}, fmt.Errorf("violation stats top agents: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c api.AgentViolCount
		if err := rows.Scan(&c.AgentID, &c.Hostname, &c.ViolationCount); err != nil {
			return api.ViolationStats{}, fmt.Errorf("scan agent count: %w", err)
		}
		st.TopAgents = append(st.TopAgents, c)
	}
	return st, rows.Err()
}

// UpdateViolation applies the present fields of u and recomputes the
// owning agent's compliance rate. A null resolved_at reopens the
// violation and clears resolved_by.
func (s *Store) UpdateViolation(ctx context.Context, id int64, u api.ViolationUpdate) (api.Violation, error) {
	set := newSetList(id)
	if u.Message != nil {
		set.add("message", *u.Message)
	}
	if u.ConfidenceScore != nil {
		set.add("confidence_score", *u.ConfidenceScore)
	}
	switch {
	case u.ResolvedAt.Null():
		set.add("resolved_at", nil)
		set.add("resolved_by", nil)
	case u.ResolvedAt.Set:
		set.add("resolved_at", u.ResolvedAt.Time.UTC())
	}
	if u.ResolvedBy != nil && !u.ResolvedAt.Null() {
		set.add("resolved_by", *u.ResolvedBy)
	}
	if u.ResolutionNotes != nil {
		set.add("resolution_notes", *u.ResolutionNotes)
	}

	var out api.Violation
	err := s.mutateViolation(ctx, id, func(tx pgx.Tx) error {
		if !set.empty() {
			sql := `UPDATE violations SET ` + strings.Join(set.cols, ", ") + ` WHERE id = $1`
			if _, err := tx.Exec(ctx, sql, set.args...); err != nil {
				return err
			}
		}
		var err error
		out, err = getViolation(ctx, tx, id)
		return err
	})
	if err != nil {
		return api.Violation{}, fmt.Errorf("update violation %d: %w", id, err)
	}
	return out, nil
}

// ResolveViolation stamps the violation resolved. Resolving an already
// resolved violation overwrites the previous resolution.
func (s *Store) ResolveViolation(ctx context.Context, id int64, r Resolution) (api.Violation, error) {
	at := r.ResolvedAt
	if at.IsZero() {
		at = s.timestamp()
	}

	var out api.Violation
	err := s.mutateViolation(ctx, id, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `
			UPDATE violations
			SET    resolved_at = $2, resolved_by = $3, resolution_notes = $4
			WHERE  id = $1`, id, at.UTC(), r.ResolvedBy, r.Notes); err != nil {
			return err
		}
		var err error
		out, err = getViolation(ctx, tx, id)
		return err
	})
	if err != nil {
		return api.Violation{}, fmt.Errorf("resolve violation %d: %w", id, err)
	}
	return out, nil
}

// DeleteViolation removes the violation and recomputes the owning agent's
// compliance rate. It returns the deleted row.
func (s *Store) DeleteViolation(ctx context.Context, id int64) (api.Violation, error) {
	var out api.Violation
	err := s.mutateViolation(ctx, id, func(tx pgx.Tx) error {
		var err error
		if out, err = getViolation(ctx, tx, id); err != nil {
			return err
		}
		_, err = tx.Exec(ctx, `DELETE FROM violations WHERE id = $1`, id)
		return err
	})
	if err != nil {
		return api.Violation{}, fmt.Errorf("delete violation %d: %w", id, err)
	}
	return out, nil
}

// DeleteAgentViolations removes every violation of the agent and resets its
// compliance rate. It returns the number of rows deleted.
func (s *Store) DeleteAgentViolations(ctx context.Context, agentID int64) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockAgent(ctx, tx, agentID); err != nil {
			return err
		}
		tag, err := tx.Exec(ctx, `DELETE FROM violations WHERE agent_id = $1`, agentID)
		if err != nil {
			return err
		}
		n = tag.RowsAffected()
		_, err = recomputeCompliance(ctx, tx, agentID)
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete violations of agent %d: %w", agentID, err)
	}
	return n, nil
}

// mutateViolation locks the owning agent of violation id, runs fn and
// recomputes that agent's compliance rate, all in one transaction.
func (s *Store) mutateViolation(ctx context.Context, id int64, fn func(pgx.Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var agentID int64
		err := tx.QueryRow(ctx, `
			SELECT a.id
			FROM   agents a
			JOIN   violations v ON v.agent_id = a.id
			WHERE  v.id = $1
			FOR UPDATE OF a`, id).Scan(&agentID)
		if err != nil {
			return mapErr(err)
		}
		if err := fn(tx); err != nil {
			return err
		}
		_, err = recomputeCompliance(ctx, tx, agentID)
		return err
	})
}

// scanViolation reads one row projected by violationSelect.
func scanViolation(s scanner) (api.Violation, error) {
	var v api.Violation
	err := s.Scan(
		&v.ID, &v.AgentID, &v.RuleID, &v.AgentRuleID,
		&v.Message, &v.ConfidenceScore,
		&v.DetectedAt, &v.ResolvedAt, &v.ResolvedBy, &v.ResolutionNotes,
	)
	if err != nil {
		return api.Violation{}, err
	}
	return v, nil
}
