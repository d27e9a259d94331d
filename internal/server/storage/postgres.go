package storage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xuanbach152/baseline-monitor/internal/compliance"
)

// Store is the PostgreSQL-backed storage layer for the baseline server.
//
// Reads go straight to the pool. Violation writes and rule changes that
// affect scoring run in a transaction that locks the affected agent rows
// with SELECT ... FOR UPDATE, counts active rules and unresolved violations
// afresh, and updates agents.compliance_rate before commit, so concurrent
// writers for the same agent serialise on the row lock.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// Option configures a Store.
type Option func(*storeOptions)

type storeOptions struct {
	maxConns int32
	now      func() time.Time
}

// WithMaxConns caps the pool size. Values ≤ 0 keep the pgxpool default.
func WithMaxConns(n int32) Option {
	return func(o *storeOptions) { o.maxConns = n }
}

// WithClock replaces time.Now for timestamps written by the store.
func WithClock(now func() time.Time) Option {
	return func(o *storeOptions) { o.now = now }
}

// New opens a pgxpool connection to connStr and pings the database.
func New(ctx context.Context, connStr string, opts ...Option) (*Store, error) {
	o := storeOptions{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}

	cfg, err := pgxpool.ParseConfig(connStr)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.ParseConfig: %w", err)
	}
	if o.maxConns > 0 {
		cfg.MaxConns = o.maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("pgxpool.New: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pool.Ping: %w", err)
	}
	return &Store{pool: pool, now: o.now}, nil
}

// Close closes the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

// Migrate applies every *.sql file under the root of fsys that has not been
// applied yet, in lexical order, recording each in schema_migrations. It
// returns the names applied by this call.
func (s *Store) Migrate(ctx context.Context, fsys fs.FS) ([]string, error) {
	if _, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			name       TEXT        PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`); err != nil {
		return nil, fmt.Errorf("create schema_migrations: %w", err)
	}

	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	sort.Strings(names)

	var applied []string
	for _, name := range names {
		body, err := fs.ReadFile(fsys, name)
		if err != nil {
			return applied, fmt.Errorf("read migration %s: %w", name, err)
		}
		base := path.Base(name)
		err = pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
			tag, err := tx.Exec(ctx,
				`INSERT INTO schema_migrations (name) VALUES ($1) ON CONFLICT DO NOTHING`, base)
			if err != nil {
				return err
			}
			if tag.RowsAffected() == 0 {
				return errAlreadyApplied
			}
			_, err = tx.Exec(ctx, string(body))
			return err
		})
		if errors.Is(err, errAlreadyApplied) {
			continue
		}
		if err != nil {
			return applied, fmt.Errorf("apply migration %s: %w", base, err)
		}
		applied = append(applied, base)
	}
	return applied, nil
}

var errAlreadyApplied = errors.New("migration already applied")

// --- compliance ---

// complianceCounts counts the active rules in scope for an agent and the
// agent's unresolved violation rows on those rules. Rules are scoped to the
// agent's os when its os names a known rule os_type, otherwise every
// active rule counts.
const complianceCounts = `
	WITH a AS (
		SELECT lower(coalesce(os, '')) AS os FROM agents WHERE id = $1
	),
	known AS (
		SELECT EXISTS (SELECT 1 FROM rules r, a WHERE strpos(a.os, r.os_type) > 0) AS ok
	),
	scope AS (
		SELECT r.id
		FROM   rules r, a, known
		WHERE  r.active AND (NOT known.ok OR strpos(a.os, r.os_type) > 0)
	)
	SELECT (SELECT count(*) FROM scope),
	       (SELECT count(*) FROM violations v
	        WHERE  v.agent_id = $1 AND v.resolved_at IS NULL
	          AND  v.rule_id IN (SELECT id FROM scope))`

// lockAgent takes the row lock that serialises compliance updates for id.
func lockAgent(ctx context.Context, tx pgx.Tx, id int64) error {
	var locked int64
	err := tx.QueryRow(ctx, `SELECT id FROM agents WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
	if err != nil {
		return fmt.Errorf("lock agent %d: %w", id, mapErr(err))
	}
	return nil
}

// recomputeCompliance recalculates and stores the compliance rate of an
// agent whose row the caller has already locked.
func recomputeCompliance(ctx context.Context, tx pgx.Tx, agentID int64) (float64, error) {
	var active, unresolved int
	if err := tx.QueryRow(ctx, complianceCounts, agentID).Scan(&active, &unresolved); err != nil {
		return 0, fmt.Errorf("count compliance for agent %d: %w", agentID, err)
	}
	rate := compliance.Score(active, unresolved)
	if _, err := tx.Exec(ctx,
		`UPDATE agents SET compliance_rate = $2 WHERE id = $1`, agentID, rate); err != nil {
		return 0, fmt.Errorf("update compliance for agent %d: %w", agentID, err)
	}
	return rate, nil
}

// recomputeAll locks every agent row in id order and recomputes its rate.
// Used when the set of active rules changes.
func recomputeAll(ctx context.Context, tx pgx.Tx) error {
	rows, err := tx.Query(ctx, `SELECT id FROM agents ORDER BY id FOR UPDATE`)
	if err != nil {
		return fmt.Errorf("lock agents: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return fmt.Errorf("lock agents: %w", err)
	}
	for _, id := range ids {
		if _, err := recomputeCompliance(ctx, tx, id); err != nil {
			return err
		}
	}
	return nil
}

// --- internal helpers ---

// querier is satisfied by *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// scanner is satisfied by both pgx.Row and pgx.Rows, allowing shared scan
// helpers across single-row and multi-row queries.
type scanner interface {
	Scan(dest ...any) error
}

// mapErr maps pgx.ErrNoRows to ErrNotFound and unique violations to
// ErrConflict. Other errors pass through unchanged.
func mapErr(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return fmt.Errorf("%w: %s", ErrConflict, pgErr.ConstraintName)
	}
	return err
}

// setList accumulates "col = $n" assignments for partial updates. The
// first placeholders are reserved for the caller's WHERE arguments.
type setList struct {
	cols []string
	args []any
}

func newSetList(whereArgs ...any) *setList {
	return &setList{args: whereArgs}
}

func (l *setList) add(col string, v any) {
	l.args = append(l.args, v)
	l.cols = append(l.cols, fmt.Sprintf("%s = $%d", col, len(l.args)))
}

func (l *setList) empty() bool { return len(l.cols) == 0 }

func limitOrDefault(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	return n
}

// nullableStr converts an empty string to a nil pointer, which pgx stores as
// SQL NULL.  A non-empty string is returned as-is.
func nullableStr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func derefStr(p *string) string {
	if p == nil {
		return ""
	}
	return *p
}
