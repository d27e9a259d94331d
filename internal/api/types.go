// Package api defines the JSON request and response bodies exchanged
// between agents, operators and the server under /api/v1.
//
// Request types are decoded strictly by the server: unknown fields are
// rejected. Optional request fields are pointers so an omitted field can be
// told apart from its zero value. Fields that can also be cleared use a
// type that records whether the field was present and whether it was null.
package api

import (
	"bytes"
	"encoding/json"
	"time"
)

// AgentRegistration is the body of POST /agents.
type AgentRegistration struct {
	Hostname  string `json:"hostname"`
	IPAddress string `json:"ip_address,omitempty"`
	OS        string `json:"os,omitempty"`
	Version   string `json:"version,omitempty"`
}

// AgentHeartbeat is the body of POST /agents/{id}/heartbeat. IsOnline
// defaults to true when omitted.
type AgentHeartbeat struct {
	IsOnline *bool   `json:"is_online,omitempty"`
	Version  *string `json:"version,omitempty"`
}

// AgentUpdate is the body of PUT /agents/{id}.
type AgentUpdate struct {
	Hostname  *string `json:"hostname,omitempty"`
	IPAddress *string `json:"ip_address,omitempty"`
	OS        *string `json:"os,omitempty"`
	Version   *string `json:"version,omitempty"`
	IsOnline  *bool   `json:"is_online,omitempty"`
}

// Agent is the server's view of a registered host.
type Agent struct {
	ID             int64      `json:"id"`
	Hostname       string     `json:"hostname"`
	IPAddress      string     `json:"ip_address,omitempty"`
	OS             string     `json:"os,omitempty"`
	Version        string     `json:"version,omitempty"`
	IsOnline       bool       `json:"is_online"`
	LastCheckin    *time.Time `json:"last_checkin,omitempty"`
	LastHeartbeat  *time.Time `json:"last_heartbeat,omitempty"`
	LastScanAt     *time.Time `json:"last_scan_at,omitempty"`
	RegisteredAt   time.Time  `json:"registered_at"`
	ComplianceRate float64    `json:"compliance_rate"`
}

// AgentStats is returned by GET /agents/stats.
type AgentStats struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

// ViolationFromAgent is the body of POST /violations/from-agent. The rule
// is named by its external id.
type ViolationFromAgent struct {
	AgentID         int64    `json:"agent_id"`
	AgentRuleID     string   `json:"agent_rule_id"`
	Message         string   `json:"message"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// ViolationCreate is the body of POST /violations. The rule is named by
// its internal id.
type ViolationCreate struct {
	AgentID         int64    `json:"agent_id"`
	RuleID          int64    `json:"rule_id"`
	Message         string   `json:"message"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// ViolationUpdate is the body of PUT /violations/{id}. An explicit
// "resolved_at": null reopens the violation.
type ViolationUpdate struct {
	Message         *string      `json:"message,omitempty"`
	ConfidenceScore *float64     `json:"confidence_score,omitempty"`
	ResolvedAt      OptionalTime `json:"resolved_at"`
	ResolvedBy      *string      `json:"resolved_by,omitempty"`
	ResolutionNotes *string      `json:"resolution_notes,omitempty"`
}

// Empty reports whether u changes nothing.
func (u ViolationUpdate) Empty() bool {
	return u.Message == nil && u.ConfidenceScore == nil && !u.ResolvedAt.Set &&
		u.ResolvedBy == nil && u.ResolutionNotes == nil
}

// OptionalTime is a timestamp field that distinguishes omitted (Set is
// false) from null (Set is true, Time is nil).
type OptionalTime struct {
	Set  bool
	Time *time.Time
}

// SetTime returns a present, non-null OptionalTime.
func SetTime(t time.Time) OptionalTime {
	return OptionalTime{Set: true, Time: &t}
}

// Null reports whether the field was present as an explicit null.
func (o OptionalTime) Null() bool {
	return o.Set && o.Time == nil
}

func (o *OptionalTime) UnmarshalJSON(b []byte) error {
	o.Set = true
	if bytes.Equal(bytes.TrimSpace(b), []byte("null")) {
		o.Time = nil
		return nil
	}
	var t time.Time
	if err := json.Unmarshal(b, &t); err != nil {
		return err
	}
	o.Time = &t
	return nil
}

func (o OptionalTime) MarshalJSON() ([]byte, error) {
	if o.Time == nil {
		return []byte("null"), nil
	}
	return json.Marshal(*o.Time)
}

// ViolationResolve is the body of POST /violations/{id}/resolve.
type ViolationResolve struct {
	ResolvedBy      string  `json:"resolved_by"`
	ResolutionNotes *string `json:"resolution_notes,omitempty"`
}

// Violation is the server's view of a violation.
type Violation struct {
	ID              int64      `json:"id"`
	AgentID         int64      `json:"agent_id"`
	RuleID          int64      `json:"rule_id"`
	AgentRuleID     string     `json:"agent_rule_id,omitempty"`
	Message         string     `json:"message"`
	ConfidenceScore float64    `json:"confidence_score"`
	DetectedAt      time.Time  `json:"detected_at"`
	ResolvedAt      *time.Time `json:"resolved_at,omitempty"`
	ResolvedBy      *string    `json:"resolved_by,omitempty"`
	ResolutionNotes *string    `json:"resolution_notes,omitempty"`
}

// BulkViolations is the body of POST /agents/{id}/violations/bulk.
type BulkViolations struct {
	Violations []BulkViolation `json:"violations"`
}

// BulkViolation is one item of a bulk submission.
type BulkViolation struct {
	AgentRuleID     string   `json:"agent_rule_id"`
	Message         string   `json:"message"`
	ConfidenceScore *float64 `json:"confidence_score,omitempty"`
}

// BulkResult reports a bulk submission. Partial success is normal: callers
// must inspect Errors.
type BulkResult struct {
	CreatedCount   int         `json:"created_count"`
	TotalSubmitted int         `json:"total_submitted"`
	Errors         []BulkError `json:"errors"`
}

// BulkError describes one rejected item of a bulk submission.
type BulkError struct {
	Index       int    `json:"index"`
	AgentRuleID string `json:"agent_rule_id"`
	Error       string `json:"error"`
}

// ViolationStats is returned by GET /violations/stats.
type ViolationStats struct {
	Total      int              `json:"total_violations"`
	Unresolved int              `json:"unresolved_violations"`
	Recent24h  int              `json:"recent_violations_24h"`
	BySeverity map[string]int   `json:"by_severity"`
	TopAgents  []AgentViolCount `json:"top_5_agents"`
}

// AgentViolCount is an entry of ViolationStats.TopAgents.
type AgentViolCount struct {
	AgentID        int64  `json:"agent_id"`
	Hostname       string `json:"hostname"`
	ViolationCount int    `json:"violation_count"`
}

// Rule is the server's mirror of a catalog rule.
type Rule struct {
	ID              int64  `json:"id"`
	AgentRuleID     string `json:"agent_rule_id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CheckExpression string `json:"check_expression"`
	Severity        string `json:"severity"`
	Category        string `json:"category,omitempty"`
	OSType          string `json:"os_type"`
	Active          bool   `json:"active"`
}

// RuleCreate is the body of POST /rules.
type RuleCreate struct {
	AgentRuleID     string `json:"agent_rule_id"`
	Name            string `json:"name"`
	Description     string `json:"description,omitempty"`
	CheckExpression string `json:"check_expression"`
	Severity        string `json:"severity,omitempty"`
	Category        string `json:"category,omitempty"`
	OSType          string `json:"os_type"`
	Active          *bool  `json:"active,omitempty"`
}

// RuleUpdate is the body of PUT /rules/{id}.
type RuleUpdate struct {
	Name            *string `json:"name,omitempty"`
	Description     *string `json:"description,omitempty"`
	CheckExpression *string `json:"check_expression,omitempty"`
	Severity        *string `json:"severity,omitempty"`
	Category        *string `json:"category,omitempty"`
	OSType          *string `json:"os_type,omitempty"`
	Active          *bool   `json:"active,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}
