// Package queue provides a WAL-mode SQLite-backed outbox for violation
// reports the agent could not deliver. Reports are persisted on Enqueue and
// removed only when the caller calls Ack after a successful resend, so a
// report survives both a server outage and an agent restart.
//
// Delivery is at-least-once: a crash between a successful send and Ack
// resends the report on the next flush.
package queue

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql

	"github.com/xuanbach152/baseline-monitor/internal/api"
)

// Outbox is a SQLite-backed store of undelivered violation reports. It is
// safe for concurrent use.
type Outbox struct {
	db    *sql.DB
	depth atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. ":memory:" gives an in-memory outbox that is
// lost on Close.
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("queue: open %q: %w", path, err)
	}

	// One writer at a time.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: apply schema: %w", err)
	}

	o := &Outbox{db: db}

	var count int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM report_outbox`).Scan(&count); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("queue: count pending rows: %w", err)
	}
	o.depth.Store(count)

	return o, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS report_outbox (
    id               INTEGER PRIMARY KEY AUTOINCREMENT,
    agent_id         INTEGER NOT NULL,
    agent_rule_id    TEXT    NOT NULL,
    message          TEXT    NOT NULL,
    confidence_score REAL,
    enqueued_at      TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    attempts         INTEGER NOT NULL DEFAULT 0,
    last_error       TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_report_outbox_order
    ON report_outbox (id);
`

// Enqueue persists r for later redelivery.
func (o *Outbox) Enqueue(ctx context.Context, r api.ViolationFromAgent, cause error) error {
	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}
	var confidence any
	if r.ConfidenceScore != nil {
		confidence = *r.ConfidenceScore
	}

	_, err := o.db.ExecContext(ctx,
		`INSERT INTO report_outbox (agent_id, agent_rule_id, message, confidence_score, attempts, last_error)
		 VALUES (?, ?, ?, ?, 1, ?)`,
		r.AgentID,
		r.AgentRuleID,
		r.Message,
		confidence,
		lastErr,
	)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}

	o.depth.Add(1)
	return nil
}

// PendingReport is an undelivered report returned by Dequeue. ID is the
// outbox key used with Ack and MarkFailed.
type PendingReport struct {
	ID         int64
	Report     api.ViolationFromAgent
	EnqueuedAt time.Time
	Attempts   int
	LastError  string
}

// Dequeue returns up to n pending reports, oldest first. It does not remove
// them; call Ack with the returned IDs after they are delivered.
func (o *Outbox) Dequeue(ctx context.Context, n int) ([]PendingReport, error) {
	if n <= 0 {
		return nil, nil
	}

	rows, err := o.db.QueryContext(ctx,
		`SELECT id, agent_id, agent_rule_id, message, confidence_score, enqueued_at, attempts, last_error
		 FROM   report_outbox
		 ORDER  BY id
		 LIMIT  ?`, n)
	if err != nil {
		return nil, fmt.Errorf("queue: dequeue query: %w", err)
	}
	defer rows.Close()

	var out []PendingReport
	for rows.Next() {
		var (
			p          PendingReport
			confidence sql.NullFloat64
			enqueued   string
		)
		if err := rows.Scan(
			&p.ID,
			&p.Report.AgentID,
			&p.Report.AgentRuleID,
			&p.Report.Message,
			&confidence,
			&enqueued,
			&p.Attempts,
			&p.LastError,
		); err != nil {
			return nil, fmt.Errorf("queue: dequeue scan: %w", err)
		}
		if confidence.Valid {
			v := confidence.Float64
			p.Report.ConfidenceScore = &v
		}
		p.EnqueuedAt, _ = time.Parse(time.RFC3339Nano, enqueued)
		out = append(out, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queue: dequeue rows: %w", err)
	}
	return out, nil
}

// Ack removes delivered (or permanently rejected) reports. Unknown or
// already-acked ids are ignored.
func (o *Outbox) Ack(ctx context.Context, ids []int64) error {
	if len(ids) == 0 {
		return nil
	}
	placeholders, args := inList(ids)
	result, err := o.db.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM report_outbox WHERE id IN (%s)`, placeholders),
		args...,
	)
	if err != nil {
		return fmt.Errorf("queue: ack: %w", err)
	}

	n, _ := result.RowsAffected()
	o.depth.Add(-n)
	return nil
}

// MarkFailed records another failed delivery attempt for id.
func (o *Outbox) MarkFailed(ctx context.Context, id int64, cause error) error {
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}
	_, err := o.db.ExecContext(ctx,
		`UPDATE report_outbox SET attempts = attempts + 1, last_error = ? WHERE id = ?`,
		msg, id,
	)
	if err != nil {
		return fmt.Errorf("queue: mark failed %d: %w", id, err)
	}
	return nil
}

// Depth returns the number of pending reports without touching the
// database.
func (o *Outbox) Depth() int {
	return int(o.depth.Load())
}

// Close closes the underlying database. The outbox must not be used
// afterwards.
func (o *Outbox) Close() error {
	return o.db.Close()
}

func inList(ids []int64) (string, []any) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	return placeholders, args
}
