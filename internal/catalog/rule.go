// Package catalog loads the security-baseline rule catalog an agent audits
// its host against.
package catalog

import (
	"fmt"
	"strings"
)

// Severity is the impact class of a rule.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// ParseSeverity maps s case-insensitively onto a Severity.
func ParseSeverity(s string) (Severity, error) {
	switch Severity(strings.ToUpper(strings.TrimSpace(s))) {
	case SeverityLow:
		return SeverityLow, nil
	case SeverityMedium:
		return SeverityMedium, nil
	case SeverityHigh:
		return SeverityHigh, nil
	case SeverityCritical:
		return SeverityCritical, nil
	}
	return "", fmt.Errorf("unknown severity %q", s)
}

// OSType identifies the platform a rule targets. It also selects the
// command interpreter used to run the rule's audit command.
type OSType string

const (
	OSUbuntu  OSType = "ubuntu"
	OSWindows OSType = "windows"
)

// ParseOSType accepts "ubuntu" or "windows" in any case.
func ParseOSType(s string) (OSType, error) {
	switch OSType(strings.ToLower(strings.TrimSpace(s))) {
	case OSUbuntu:
		return OSUbuntu, nil
	case OSWindows:
		return OSWindows, nil
	}
	return "", fmt.Errorf("unknown os type %q: must be one of ubuntu, windows", s)
}

// Rule is a single baseline check. Rules are immutable once loaded.
type Rule struct {
	// ID is the external rule identifier shared with the server's rule
	// mirror (e.g. "UBU-01").
	ID          string
	Title       string
	Description string
	Severity    Severity
	Category    string
	OSType      OSType

	// CheckExpression is the audit command, run through the OS command
	// interpreter.
	CheckExpression string

	// ExpectedOutput, when non-nil and not blank, is compared against the
	// command's stdout. Otherwise the rule only asserts a zero exit code.
	ExpectedOutput *string

	Remediation string
	Active      bool
}

// HasExpectation reports whether the rule defines a non-blank expected
// output.
func (r Rule) HasExpectation() bool {
	return r.ExpectedOutput != nil && strings.TrimSpace(*r.ExpectedOutput) != ""
}
