package catalog

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
)

// ErrNoValidRules is wrapped by CatalogError when every entry in a catalog
// file was rejected.
var ErrNoValidRules = errors.New("no valid rules")

// CatalogError reports a catalog file that cannot be used at all: it is
// unreadable, is not a JSON array, or has no valid entries. Individual bad
// entries never produce a CatalogError.
type CatalogError struct {
	Path string
	Err  error
}

func (e *CatalogError) Error() string {
	return fmt.Sprintf("catalog %s: %v", e.Path, e.Err)
}

func (e *CatalogError) Unwrap() error { return e.Err }

// entry is the on-disk shape of a catalog item.
type entry struct {
	ID             string  `json:"id"`
	Name           string  `json:"name"`
	Description    string  `json:"description"`
	AuditCommand   string  `json:"audit_command"`
	Severity       string  `json:"severity"`
	Remediation    string  `json:"remediation"`
	ExpectedOutput *string `json:"expected_output"`
}

// Load reads the JSON rule catalog at path for the given OS. Entries that
// fail validation are logged and skipped.
func Load(path string, target OSType, logger *slog.Logger) ([]Rule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	rules, err := Parse(data, target, logger.With("path", path))
	if err != nil {
		return nil, &CatalogError{Path: path, Err: err}
	}
	return rules, nil
}

// Parse decodes a catalog document. It returns an error only when data is
// not a JSON array or when no entry survives validation.
func Parse(data []byte, target OSType, logger *slog.Logger) ([]Rule, error) {
	if logger == nil {
		logger = slog.Default()
	}
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, errors.New("rule file must contain a JSON array")
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(trimmed, &raws); err != nil {
		return nil, fmt.Errorf("decode rule array: %w", err)
	}

	rules := make([]Rule, 0, len(raws))
	seen := make(map[string]bool, len(raws))
	for i, raw := range raws {
		r, err := parseEntry(raw, target)
		if err != nil {
			logger.Warn("skipping invalid rule", "index", i, "error", err)
			continue
		}
		if seen[r.ID] {
			logger.Warn("skipping duplicate rule", "index", i, "rule_id", r.ID)
			continue
		}
		seen[r.ID] = true
		rules = append(rules, r)
	}

	if len(rules) == 0 {
		return nil, ErrNoValidRules
	}
	logger.Info("rule catalog loaded", "rules", len(rules), "skipped", len(raws)-len(rules))
	return rules, nil
}

func parseEntry(raw json.RawMessage, target OSType) (Rule, error) {
	if err := validateEntry(raw); err != nil {
		return Rule{}, err
	}
	var e entry
	if err := json.Unmarshal(raw, &e); err != nil {
		return Rule{}, fmt.Errorf("decode entry: %w", err)
	}
	sev, err := ParseSeverity(e.Severity)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %s: %w", e.ID, err)
	}
	if e.ExpectedOutput != nil && strings.TrimSpace(*e.ExpectedOutput) == "" {
		e.ExpectedOutput = nil
	}
	return Rule{
		ID:              e.ID,
		Title:           e.Name,
		Description:     e.Description,
		Severity:        sev,
		Category:        InferCategory(target, e.Name),
		OSType:          target,
		CheckExpression: e.AuditCommand,
		ExpectedOutput:  e.ExpectedOutput,
		Remediation:     e.Remediation,
		Active:          true,
	}, nil
}
