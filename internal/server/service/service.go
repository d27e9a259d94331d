// Package service implements the server's domain operations on top of the
// storage layer: idempotent agent registration, violation ingestion with
// rule-reference resolution, and the rule mirror. Handlers call the service;
// the service validates, persists, records metrics and publishes events.
package service

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/server/storage"
)

var (
	// ErrNotFound reports an unknown agent, rule or violation.
	ErrNotFound = storage.ErrNotFound

	// ErrConflict reports a unique key collision.
	ErrConflict = storage.ErrConflict
)

// ValidationError reports a request field that failed validation.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is or wraps a *ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// Event kinds published to dashboard clients.
const (
	EventViolationCreated   = "violation_created"
	EventViolationResolved  = "violation_resolved"
	EventViolationDeleted   = "violation_deleted"
	EventAgentStatusChanged = "agent_status_changed"
	EventAgentUpdated       = "agent_updated"
	EventAgentDeleted       = "agent_deleted"
	EventRuleUpdated        = "rule_updated"
	EventRuleToggled        = "rule_toggled"
	EventRuleDeleted        = "rule_deleted"
)

// Publisher receives domain events. Publish must not block.
type Publisher interface {
	Publish(kind string, payload any)
}

type nopPublisher struct{}

func (nopPublisher) Publish(string, any) {}

// Option configures a Registry or a Ledger.
type Option func(*options)

type options struct {
	events  Publisher
	metrics *metrics.Server
	now     func() time.Time
}

// WithEvents publishes domain events to p.
func WithEvents(p Publisher) Option {
	return func(o *options) { o.events = p }
}

// WithMetrics records counters on m.
func WithMetrics(m *metrics.Server) Option {
	return func(o *options) { o.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{events: nopPublisher{}, now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func loggerOrDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

// Page bounds shared by list operations.
const (
	MaxLimit = 1000
)

func validatePage(skip, limit int) error {
	if skip < 0 {
		return invalid("skip", "must not be negative")
	}
	if limit < 0 || limit > MaxLimit {
		return invalid("limit", "must be between 1 and %d", MaxLimit)
	}
	return nil
}
