// Package config provides YAML configuration loading and validation for the
// baseline agent and server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the top-level configuration structure for the agent.
type AgentConfig struct {
	Agent   AgentSection   `yaml:"agent"`
	Backend BackendSection `yaml:"backend"`
	Scanner ScannerSection `yaml:"scanner"`
	State   StateSection   `yaml:"state"`
	Logging LoggingSection `yaml:"logging"`

	// HealthAddr is the listen address for the /healthz and /metrics HTTP
	// server. Empty disables it.
	HealthAddr string `yaml:"health_addr"`
}

// AgentSection describes the host the agent runs on.
type AgentSection struct {
	// Hostname is the registry's natural key for this host. Defaults to
	// os.Hostname().
	Hostname string `yaml:"hostname"`

	// OSType is "ubuntu" or "windows". Required: it selects the command
	// interpreter and the category keyword table.
	OSType string `yaml:"os_type"`

	// Name is a human-readable label used in logs.
	Name string `yaml:"name"`

	// Version is reported to the server on registration and heartbeat.
	Version string `yaml:"version"`

	// IPAddress overrides the auto-detected address sent on registration.
	IPAddress string `yaml:"ip_address"`
}

// BackendSection configures the connection to the server.
type BackendSection struct {
	// APIURL is the server root URL (e.g. "https://baseline.example.com").
	// Required.
	APIURL string `yaml:"api_url"`

	// APIToken is the agent bearer token. The AGENT_API_TOKEN environment
	// variable takes precedence.
	APIToken string `yaml:"api_token"`

	// Timeout is the per-attempt HTTP timeout in seconds. Defaults to 30.
	Timeout int `yaml:"timeout"`

	// RetryAttempts is the total number of tries per request. Defaults to 3.
	RetryAttempts int `yaml:"retry_attempts"`

	// BulkReports sends each scan's violations in one bulk request instead
	// of one request per violation.
	BulkReports bool `yaml:"bulk_reports"`
}

// ScannerSection configures scanning.
type ScannerSection struct {
	// RulesPath is the JSON rule catalog. Required.
	RulesPath string `yaml:"rules_path"`

	// ScanInterval is the number of seconds between scans. Defaults to 3600.
	ScanInterval int `yaml:"scan_interval"`

	// CommandTimeout is the per-rule hard timeout in seconds. Defaults to 10.
	CommandTimeout int `yaml:"command_timeout"`

	// HeartbeatInterval is the number of seconds between heartbeats.
	// Defaults to 60.
	HeartbeatInterval int `yaml:"heartbeat_interval"`

	// ReportPassResults also reports PASS outcomes.
	ReportPassResults bool `yaml:"report_pass_results"`

	// ScanOnStart runs a scan immediately after startup. Defaults to true.
	ScanOnStart *bool `yaml:"scan_on_start"`
}

// StateSection locates the agent's local state files.
type StateSection struct {
	// CachePath stores the server-assigned agent id. Defaults to
	// ".agent_cache.json".
	CachePath string `yaml:"cache_path"`

	// OutboxPath is the SQLite database of undelivered reports. Empty
	// disables redelivery.
	OutboxPath string `yaml:"outbox_path"`

	// HistoryPath is the hash-chained scan history. Empty disables it.
	HistoryPath string `yaml:"history_path"`
}

// LoggingSection configures the slog handler.
type LoggingSection struct {
	// Level is "debug", "info", "warn", or "error". Defaults to "info".
	Level string `yaml:"level"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// validOSTypes is the set of accepted agent.os_type strings.
var validOSTypes = map[string]bool{
	"ubuntu":  true,
	"windows": true,
}

// hostname is replaced in tests.
var hostname = os.Hostname

// LoadAgentConfig reads the YAML file at path, unmarshals it into
// AgentConfig, applies defaults and environment overrides, and validates
// all required fields.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	var cfg AgentConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}

	applyAgentDefaults(&cfg)
	if tok := os.Getenv("AGENT_API_TOKEN"); tok != "" {
		cfg.Backend.APIToken = tok
	}

	if err := validateAgent(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func readYAML(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: cannot read %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("config: cannot parse %q: %w", path, err)
	}
	return nil
}

func applyAgentDefaults(cfg *AgentConfig) {
	if cfg.Agent.Hostname == "" {
		if h, err := hostname(); err == nil {
			cfg.Agent.Hostname = h
		}
	}
	cfg.Agent.OSType = strings.ToLower(strings.TrimSpace(cfg.Agent.OSType))
	if cfg.Agent.Name == "" {
		cfg.Agent.Name = cfg.Agent.Hostname
	}
	if cfg.Agent.Version == "" {
		cfg.Agent.Version = "dev"
	}
	if cfg.Backend.Timeout == 0 {
		cfg.Backend.Timeout = 30
	}
	if cfg.Backend.RetryAttempts == 0 {
		cfg.Backend.RetryAttempts = 3
	}
	if cfg.Scanner.ScanInterval == 0 {
		cfg.Scanner.ScanInterval = 3600
	}
	if cfg.Scanner.CommandTimeout == 0 {
		cfg.Scanner.CommandTimeout = 10
	}
	if cfg.Scanner.HeartbeatInterval == 0 {
		cfg.Scanner.HeartbeatInterval = 60
	}
	if cfg.Scanner.ScanOnStart == nil {
		on := true
		cfg.Scanner.ScanOnStart = &on
	}
	if cfg.State.CachePath == "" {
		cfg.State.CachePath = ".agent_cache.json"
	}
	cfg.Logging.Level = normalizeLevel(cfg.Logging.Level)
}

func normalizeLevel(l string) string {
	l = strings.ToLower(strings.TrimSpace(l))
	switch l {
	case "":
		return "info"
	case "warning":
		return "warn"
	}
	return l
}

func validateAgent(cfg *AgentConfig) error {
	var errs []error

	if cfg.Agent.Hostname == "" {
		errs = append(errs, errors.New("agent.hostname is required"))
	}
	if !validOSTypes[cfg.Agent.OSType] {
		errs = append(errs, fmt.Errorf("agent.os_type %q must be one of: ubuntu, windows", cfg.Agent.OSType))
	}
	if cfg.Backend.APIURL == "" {
		errs = append(errs, errors.New("backend.api_url is required"))
	} else if !strings.HasPrefix(cfg.Backend.APIURL, "http://") && !strings.HasPrefix(cfg.Backend.APIURL, "https://") {
		errs = append(errs, fmt.Errorf("backend.api_url %q must start with http:// or https://", cfg.Backend.APIURL))
	}
	if cfg.Backend.Timeout < 0 {
		errs = append(errs, errors.New("backend.timeout must be positive"))
	}
	if cfg.Backend.RetryAttempts < 0 {
		errs = append(errs, errors.New("backend.retry_attempts must be positive"))
	}
	if cfg.Scanner.RulesPath == "" {
		errs = append(errs, errors.New("scanner.rules_path is required"))
	}
	if cfg.Scanner.ScanInterval < 0 {
		errs = append(errs, errors.New("scanner.scan_interval must be positive"))
	}
	if cfg.Scanner.CommandTimeout < 0 {
		errs = append(errs, errors.New("scanner.command_timeout must be positive"))
	}
	if cfg.Scanner.HeartbeatInterval < 0 {
		errs = append(errs, errors.New("scanner.heartbeat_interval must be positive"))
	}
	if !validLogLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("logging.level %q must be one of: debug, info, warn, error", cfg.Logging.Level))
	}

	return errors.Join(errs...)
}

func seconds(n int) time.Duration { return time.Duration(n) * time.Second }

// ScanInterval returns scanner.scan_interval as a Duration.
func (c *AgentConfig) ScanInterval() time.Duration { return seconds(c.Scanner.ScanInterval) }

// CommandTimeout returns scanner.command_timeout as a Duration.
func (c *AgentConfig) CommandTimeout() time.Duration { return seconds(c.Scanner.CommandTimeout) }

// HeartbeatInterval returns scanner.heartbeat_interval as a Duration.
func (c *AgentConfig) HeartbeatInterval() time.Duration {
	return seconds(c.Scanner.HeartbeatInterval)
}

// RequestTimeout returns backend.timeout as a Duration.
func (c *AgentConfig) RequestTimeout() time.Duration { return seconds(c.Backend.Timeout) }
