package storage

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/xuanbach152/baseline-monitor/internal/api"
)

const agentColumns = `id, hostname, ip_address, os, version, is_online,
	last_checkin, last_heartbeat, last_scan_at, registered_at, compliance_rate`

// UpsertAgent inserts a new agent or, on hostname conflict, overwrites its
// address, os and version (fields omitted by the caller are kept), marks it
// online and stamps last_checkin. Concurrent registrations of the same
// hostname converge on one row; the returned id is stable across calls.
func (s *Store) UpsertAgent(ctx context.Context, reg api.AgentRegistration) (api.Agent, error) {
	now := s.timestamp()
	var agent api.Agent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		var id int64
		err := tx.QueryRow(ctx, `
			INSERT INTO agents
				(hostname, ip_address, os, version, is_online, last_checkin, last_heartbeat, registered_at)
			VALUES ($1, $2, $3, $4, TRUE, $5, $5, $5)
			ON CONFLICT (hostname) DO UPDATE SET
				ip_address     = COALESCE(EXCLUDED.ip_address, agents.ip_address),
				os             = COALESCE(EXCLUDED.os, agents.os),
				version        = COALESCE(EXCLUDED.version, agents.version),
				is_online      = TRUE,
				last_checkin   = EXCLUDED.last_checkin,
				last_heartbeat = EXCLUDED.last_heartbeat
			RETURNING id`,
			reg.Hostname,
			nullableStr(reg.IPAddress),
			nullableStr(reg.OS),
			nullableStr(reg.Version),
			now,
		).Scan(&id)
		if err != nil {
			return mapErr(err)
		}
		if _, err := recomputeCompliance(ctx, tx, id); err != nil {
			return err
		}
		agent, err = getAgent(ctx, tx, id)
		return err
	})
	if err != nil {
		return api.Agent{}, fmt.Errorf("upsert agent %q: %w", reg.Hostname, err)
	}
	return agent, nil
}

// Heartbeat touches last_checkin, last_heartbeat and is_online, and the
// version when hb carries one. It returns ErrNotFound for a stale id.
func (s *Store) Heartbeat(ctx context.Context, id int64, hb api.AgentHeartbeat) (api.Agent, error) {
	online := true
	if hb.IsOnline != nil {
		online = *hb.IsOnline
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE agents
		SET    last_checkin   = $2,
		       last_heartbeat = $2,
		       is_online      = $3,
		       version        = COALESCE($4, version)
		WHERE  id = $1
		RETURNING `+agentColumns,
		id, s.timestamp(), online, hb.Version,
	)
	a, err := scanAgent(row)
	if err != nil {
		return api.Agent{}, fmt.Errorf("heartbeat agent %d: %w", id, mapErr(err))
	}
	return a, nil
}

// GetAgent returns the agent with the given id.
func (s *Store) GetAgent(ctx context.Context, id int64) (api.Agent, error) {
	a, err := getAgent(ctx, s.pool, id)
	if err != nil {
		return api.Agent{}, fmt.Errorf("get agent %d: %w", id, err)
	}
	return a, nil
}

func getAgent(ctx context.Context, q querier, id int64) (api.Agent, error) {
	row := q.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		return api.Agent{}, mapErr(err)
	}
	return a, nil
}

// ListAgents returns agents ordered by id, filtered and paginated by f.
// The OS filter is a case-insensitive substring match.
func (s *Store) ListAgents(ctx context.Context, f AgentFilter) ([]api.Agent, error) {
	args := []any{limitOrDefault(f.Limit), f.Skip}
	var where []string
	if f.IsOnline != nil {
		args = append(args, *f.IsOnline)
		where = append(where, fmt.Sprintf("is_online = $%d", len(args)))
	}
	if f.OS != "" {
		args = append(args, "%"+strings.ToLower(f.OS)+"%")
		where = append(where, fmt.Sprintf("lower(os) LIKE $%d", len(args)))
	}
	clause := ""
	if len(where) > 0 {
		clause = "WHERE " + strings.Join(where, " AND ")
	}

	rows, err := s.pool.Query(ctx, fmt.Sprintf(`
		SELECT %s
		FROM   agents
		%s
		ORDER  BY id
		LIMIT  $1 OFFSET $2`, agentColumns, clause), args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []api.Agent{}
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentStats returns the number of registered, online and offline agents.
func (s *Store) AgentStats(ctx context.Context) (api.AgentStats, error) {
	var st api.AgentStats
	err := s.pool.QueryRow(ctx, `
		SELECT count(*), count(*) FILTER (WHERE is_online)
		FROM   agents`).Scan(&st.Total, &st.Online)
	if err != nil {
		return api.AgentStats{}, fmt.Errorf("agent stats: %w", err)
	}
	st.Offline = st.Total - st.Online
	return st, nil
}

// UpdateAgent applies the non-nil fields of u. A changed os recomputes the
// compliance rate, since it changes which rules are in scope.
func (s *Store) UpdateAgent(ctx context.Context, id int64, u api.AgentUpdate) (api.Agent, error) {
	set := newSetList(id)
	if u.Hostname != nil {
		set.add("hostname", *u.Hostname)
	}
	if u.IPAddress != nil {
		set.add("ip_address", nullableStr(*u.IPAddress))
	}
	if u.OS != nil {
		set.add("os", nullableStr(*u.OS))
	}
	if u.Version != nil {
		set.add("version", nullableStr(*u.Version))
	}
	if u.IsOnline != nil {
		set.add("is_online", *u.IsOnline)
	}

	var agent api.Agent
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		if err := lockAgent(ctx, tx, id); err != nil {
			return err
		}
		if !set.empty() {
			sql := `UPDATE agents SET ` + strings.Join(set.cols, ", ") + ` WHERE id = $1`
			if _, err := tx.Exec(ctx, sql, set.args...); err != nil {
				return mapErr(err)
			}
		}
		if u.OS != nil {
			if _, err := recomputeCompliance(ctx, tx, id); err != nil {
				return err
			}
		}
		var err error
		agent, err = getAgent(ctx, tx, id)
		return err
	})
	if err != nil {
		return api.Agent{}, fmt.Errorf("update agent %d: %w", id, err)
	}
	return agent, nil
}

// DeleteAgent removes the agent and, by cascade, its violations.
func (s *Store) DeleteAgent(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %d: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("delete agent %d: %w", id, ErrNotFound)
	}
	return nil
}

// MarkScanned stamps last_scan_at for the agent.
func (s *Store) MarkScanned(ctx context.Context, id int64, at time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE agents SET last_scan_at = $2 WHERE id = $1`, id, at.UTC())
	if err != nil {
		return fmt.Errorf("mark agent %d scanned: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("mark agent %d scanned: %w", id, ErrNotFound)
	}
	return nil
}

// MarkStale flips online agents whose last heartbeat (or check-in, for
// agents that never sent one) is older than before to offline and returns
// their ids.
func (s *Store) MarkStale(ctx context.Context, before time.Time) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `
		UPDATE agents
		SET    is_online = FALSE
		WHERE  is_online
		  AND  COALESCE(last_heartbeat, last_checkin, registered_at) < $1
		RETURNING id`, before.UTC())
	if err != nil {
		return nil, fmt.Errorf("mark stale agents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("mark stale agents: %w", err)
	}
	return ids, nil
}

// scanAgent reads one agents row projected as agentColumns.
func scanAgent(s scanner) (api.Agent, error) {
	var a api.Agent
	var ip, os, version *string
	err := s.Scan(
		&a.ID, &a.Hostname,
		&ip, &os, &version,
		&a.IsOnline,
		&a.LastCheckin, &a.LastHeartbeat, &a.LastScanAt,
		&a.RegisteredAt,
		&a.ComplianceRate,
	)
	if err != nil {
		return api.Agent{}, err
	}
	a.IPAddress = derefStr(ip)
	a.OS = derefStr(os)
	a.Version = derefStr(version)
	return a, nil
}
