package config

import (
	"errors"
	"fmt"
	"os"
	"time"
)

// ServerConfig is the top-level configuration structure for the server.
type ServerConfig struct {
	// ListenAddr is the HTTP listen address. Defaults to ":8080".
	ListenAddr string `yaml:"listen_addr"`

	// DatabaseURL is the PostgreSQL DSN. The DATABASE_URL environment
	// variable takes precedence. Required.
	DatabaseURL string `yaml:"database_url"`

	// MaxConns caps the connection pool. Zero keeps the pgxpool default.
	MaxConns int32 `yaml:"max_conns"`

	// AgentToken is the bearer token agents present. The AGENT_API_TOKEN
	// environment variable takes precedence. Empty disables agent auth
	// (development only).
	AgentToken string `yaml:"agent_token"`

	// JWTPublicKeyPath is a PEM RSA public key used to verify operator
	// tokens. Empty disables operator auth (development only).
	JWTPublicKeyPath string `yaml:"jwt_public_key_path"`

	// JWTIssuer and JWTAudience, when set, must match the token's iss and
	// aud claims.
	JWTIssuer   string `yaml:"jwt_issuer"`
	JWTAudience string `yaml:"jwt_audience"`

	// StaleAfter marks agents offline when no heartbeat arrived for this
	// long. Defaults to 5m. Zero after defaults disables the sweep.
	StaleAfter time.Duration `yaml:"stale_after"`

	// RulesSeed optionally names catalog files, keyed by os type, that are
	// synced into the rule mirror at startup.
	RulesSeed map[string]string `yaml:"rules_seed"`

	// LogLevel is "debug", "info", "warn", or "error". Defaults to "info".
	LogLevel string `yaml:"log_level"`
}

// LoadServerConfig reads and validates the server configuration at path.
func LoadServerConfig(path string) (*ServerConfig, error) {
	var cfg ServerConfig
	if err := readYAML(path, &cfg); err != nil {
		return nil, err
	}

	applyServerDefaults(&cfg)
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if tok := os.Getenv("AGENT_API_TOKEN"); tok != "" {
		cfg.AgentToken = tok
	}

	if err := validateServer(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}
	return &cfg, nil
}

func applyServerDefaults(cfg *ServerConfig) {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":8080"
	}
	if cfg.StaleAfter == 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	cfg.LogLevel = normalizeLevel(cfg.LogLevel)
}

func validateServer(cfg *ServerConfig) error {
	var errs []error

	if cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("database_url is required"))
	}
	if cfg.MaxConns < 0 {
		errs = append(errs, errors.New("max_conns must not be negative"))
	}
	if cfg.StaleAfter < 0 {
		errs = append(errs, errors.New("stale_after must not be negative"))
	}
	for target := range cfg.RulesSeed {
		if !validOSTypes[target] {
			errs = append(errs, fmt.Errorf("rules_seed key %q must be one of: ubuntu, windows", target))
		}
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}

	return errors.Join(errs...)
}
