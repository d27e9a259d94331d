package scanner

import (
	"fmt"
	"strings"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/executor"
)

// Classify turns the raw result of running rule's audit command into an
// Outcome.
//
//   - ExitCode -1 is an infrastructure failure and always ERROR.
//   - A nonzero exit is still compared when the rule has an expectation and
//     the command printed something; otherwise it is ERROR.
//   - A zero exit without an expectation is PASS.
func Classify(rule catalog.Rule, res executor.Result, now time.Time) Outcome {
	o := Outcome{
		RuleID:     rule.ID,
		Title:      rule.Title,
		Severity:   rule.Severity,
		RawOutput:  res.Stdout,
		DetectedAt: now,
	}
	if o.RawOutput == "" {
		o.RawOutput = res.Stderr
	}

	switch {
	case res.ExitCode == executor.InfraFailure:
		o.Status = StatusError
		o.Message = "Command execution failed: " + res.Stderr
	case res.ExitCode != 0:
		if rule.HasExpectation() && res.Stdout != "" {
			o.Status, o.Message = Compare(res.Stdout, *rule.ExpectedOutput)
		} else {
			o.Status = StatusError
			o.Message = fmt.Sprintf("Command failed with exit code %d: %s", res.ExitCode, res.Stderr)
		}
	case rule.HasExpectation():
		o.Status, o.Message = Compare(res.Stdout, *rule.ExpectedOutput)
	default:
		o.Status = StatusPass
		o.Message = "Command executed successfully"
	}
	return o
}

// Compare matches actual command output against an expected value. Both
// are trimmed, then tried in order: exact match, expected contained in
// actual, case-insensitive match. Anything else is FAIL.
func Compare(actual, expected string) (Status, string) {
	a := strings.TrimSpace(actual)
	e := strings.TrimSpace(expected)

	switch {
	case a == e:
		return StatusPass, "Output matches expected value"
	case strings.Contains(a, e):
		return StatusPass, fmt.Sprintf("Output contains expected value: '%s'", e)
	case strings.EqualFold(a, e):
		return StatusPass, "Output matches expected value (case-insensitive)"
	}
	return StatusFail, fmt.Sprintf("Expected: '%s', Got: '%s'", e, a)
}
