// Package scanner audits a host against a rule catalog: it runs each rule's
// command, classifies the output and collects the outcomes into a
// ScanResult.
package scanner

import (
	"fmt"
	"math"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/catalog"
)

// Status is the classification of one rule on one host.
type Status string

const (
	StatusPass  Status = "PASS"
	StatusFail  Status = "FAIL"
	StatusError Status = "ERROR"
)

// Outcome is the result of auditing one rule. Outcomes are never mutated
// after they are appended to a ScanResult.
type Outcome struct {
	RuleID     string           `json:"rule_id"`
	Title      string           `json:"title"`
	Severity   catalog.Severity `json:"severity"`
	Status     Status           `json:"status"`
	Message    string           `json:"message"`
	RawOutput  string           `json:"raw_output"`
	DetectedAt time.Time        `json:"detected_at"`
}

// AgentRef identifies the host a scan ran on.
type AgentRef struct {
	ID       int64          `json:"agent_id"`
	Hostname string         `json:"hostname"`
	OSType   catalog.OSType `json:"os_type"`
}

// ScanResult is the full result of one scan. Counts and the compliance
// rate are derived from Outcomes on demand.
type ScanResult struct {
	ID                string    `json:"scan_id"`
	Agent             AgentRef  `json:"agent"`
	StartedAt         time.Time `json:"started_at"`
	CompletedAt       time.Time `json:"completed_at"`
	TotalRulesChecked int       `json:"total_rules_checked"`
	Outcomes          []Outcome `json:"outcomes"`
	Errors            []string  `json:"errors,omitempty"`
}

// complete stamps CompletedAt. Later calls are ignored.
func (r *ScanResult) complete(now time.Time) {
	if r.CompletedAt.IsZero() {
		r.CompletedAt = now
	}
}

func (r *ScanResult) record(o Outcome) {
	r.Outcomes = append(r.Outcomes, o)
	r.TotalRulesChecked++
}

func (r *ScanResult) annotate(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
}

func (r *ScanResult) count(s Status) int {
	n := 0
	for _, o := range r.Outcomes {
		if o.Status == s {
			n++
		}
	}
	return n
}

func (r *ScanResult) Passed() int  { return r.count(StatusPass) }
func (r *ScanResult) Failed() int  { return r.count(StatusFail) }
func (r *ScanResult) Errored() int { return r.count(StatusError) }

// Completed reports whether the scan has finished.
func (r *ScanResult) Completed() bool { return !r.CompletedAt.IsZero() }

// Duration is zero until the scan completes.
func (r *ScanResult) Duration() time.Duration {
	if !r.Completed() {
		return 0
	}
	return r.CompletedAt.Sub(r.StartedAt)
}

// ComplianceRate is the share of checked rules that passed, as a
// percentage rounded to two decimals. It is 0 for an empty scan.
func (r *ScanResult) ComplianceRate() float64 {
	if r.TotalRulesChecked == 0 {
		return 0
	}
	rate := float64(r.Passed()) / float64(r.TotalRulesChecked) * 100
	return math.Round(rate*100) / 100
}

// Summary is a compact view of a ScanResult for logs and scan history.
type Summary struct {
	ScanID         string        `json:"scan_id"`
	AgentID        int64         `json:"agent_id"`
	Hostname       string        `json:"hostname"`
	StartedAt      time.Time     `json:"started_at"`
	CompletedAt    time.Time     `json:"completed_at"`
	Duration       time.Duration `json:"duration_ns"`
	Total          int           `json:"total"`
	Passed         int           `json:"passed"`
	Failed         int           `json:"failed"`
	Errored        int           `json:"errored"`
	ComplianceRate float64       `json:"compliance_rate"`
	Errors         []string      `json:"errors,omitempty"`
}

func (r *ScanResult) Summary() Summary {
	return Summary{
		ScanID:         r.ID,
		AgentID:        r.Agent.ID,
		Hostname:       r.Agent.Hostname,
		StartedAt:      r.StartedAt,
		CompletedAt:    r.CompletedAt,
		Duration:       r.Duration(),
		Total:          r.TotalRulesChecked,
		Passed:         r.Passed(),
		Failed:         r.Failed(),
		Errored:        r.Errored(),
		ComplianceRate: r.ComplianceRate(),
		Errors:         r.Errors,
	}
}
