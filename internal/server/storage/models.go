// Package storage provides the PostgreSQL-backed persistence layer for the
// baseline server: the agent registry, the rule mirror and the violation
// ledger. Every violation mutation recomputes the owning agent's compliance
// rate inside the same transaction.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned (wrapped) when a referenced agent, rule or
	// violation does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned (wrapped) when a write violates a unique key,
	// e.g. renaming an agent onto an existing hostname.
	ErrConflict = errors.New("conflict")
)

// DefaultLimit is applied to list queries whose Limit is ≤ 0.
const DefaultLimit = 100

// AgentFilter carries the filter and pagination parameters for ListAgents.
// A nil IsOnline matches both states; an empty OS matches every host.
type AgentFilter struct {
	Skip     int
	Limit    int
	IsOnline *bool
	OS       string
}

// RuleFilter carries the filters for ListRules. Zero values match all.
type RuleFilter struct {
	OSType   string
	Active   *bool
	Severity string
}

// ViolationFilter carries the filter and pagination parameters for
// ListViolations. Severity is matched against the owning rule.
type ViolationFilter struct {
	Skip     int
	Limit    int
	AgentID  *int64
	RuleID   *int64
	Severity string
	Resolved *bool
}

// NewViolation is a violation ready to persist: the rule reference has
// already been resolved to an internal id.
type NewViolation struct {
	AgentID    int64
	RuleID     int64
	Message    string
	Confidence float64
	DetectedAt time.Time
}

// Resolution stamps a violation as resolved.
type Resolution struct {
	ResolvedAt time.Time
	ResolvedBy string
	Notes      *string
}
