package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/xuanbach152/baseline-monitor/internal/catalog"
	"github.com/xuanbach152/baseline-monitor/internal/executor"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
)

// CatalogLoader loads the rules for one OS from a catalog file.
type CatalogLoader func(path string, os catalog.OSType, logger *slog.Logger) ([]catalog.Rule, error)

// Coordinator runs scans. Rules are always checked one at a time: audit
// commands may contend on host-level locks and files.
type Coordinator struct {
	runner  executor.Runner
	timeout time.Duration
	logger  *slog.Logger
	load    CatalogLoader
	metrics *metrics.Agent
	now     func() time.Time
	newID   func() string
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithLoader replaces catalog.Load.
func WithLoader(l CatalogLoader) CoordinatorOption {
	return func(c *Coordinator) { c.load = l }
}

// WithMetrics records scan and outcome metrics.
func WithMetrics(m *metrics.Agent) CoordinatorOption {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) CoordinatorOption {
	return func(c *Coordinator) { c.now = now }
}

// NewCoordinator creates a Coordinator that gives every rule at most
// perRuleTimeout to complete.
func NewCoordinator(runner executor.Runner, perRuleTimeout time.Duration, logger *slog.Logger, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		runner:  runner,
		timeout: perRuleTimeout,
		logger:  logger,
		load:    catalog.Load,
		now:     time.Now,
		newID:   uuid.NewString,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// RunScan loads the catalog at catalogPath and checks every active rule.
// It always returns a completed ScanResult: an unusable catalog is
// recorded in Errors rather than returned.
func (c *Coordinator) RunScan(ctx context.Context, agent AgentRef, catalogPath string) *ScanResult {
	res := c.begin(agent)

	rules, err := c.load(catalogPath, agent.OSType, c.logger)
	if err != nil {
		res.annotate("load catalog: %v", err)
		res.complete(c.now())
		c.logger.Error("scan aborted: rule catalog unusable",
			slog.String("scan_id", res.ID),
			slog.String("path", catalogPath),
			slog.Any("error", err),
		)
		return res
	}

	c.run(ctx, res, rules)
	return res
}

// RunRules checks a pre-loaded rule set.
func (c *Coordinator) RunRules(ctx context.Context, agent AgentRef, rules []catalog.Rule) *ScanResult {
	res := c.begin(agent)
	c.run(ctx, res, rules)
	return res
}

func (c *Coordinator) begin(agent AgentRef) *ScanResult {
	return &ScanResult{
		ID:        c.newID(),
		Agent:     agent,
		StartedAt: c.now(),
	}
}

func (c *Coordinator) run(ctx context.Context, res *ScanResult, rules []catalog.Rule) {
	c.logger.Info("scan started",
		slog.String("scan_id", res.ID),
		slog.Int("rules", len(rules)),
	)

	for i, rule := range rules {
		if !rule.Active {
			continue
		}
		if err := ctx.Err(); err != nil {
			res.annotate("scan interrupted: %d rules not checked: %v", remainingActive(rules[i:]), err)
			break
		}

		o := c.checkRule(ctx, rule)
		res.record(o)
		c.metrics.ObserveOutcome(string(o.Status))

		if o.Status != StatusPass {
			c.logger.Warn("rule not compliant",
				slog.String("rule_id", o.RuleID),
				slog.String("status", string(o.Status)),
				slog.String("severity", string(o.Severity)),
				slog.String("message", o.Message),
			)
		}
	}

	res.complete(c.now())
	c.metrics.ObserveScan(res.Duration())

	c.logger.Info("scan completed",
		slog.String("scan_id", res.ID),
		slog.Int("total", res.TotalRulesChecked),
		slog.Int("passed", res.Passed()),
		slog.Int("failed", res.Failed()),
		slog.Int("errored", res.Errored()),
		slog.Float64("compliance_rate", res.ComplianceRate()),
		slog.Duration("duration", res.Duration()),
	)
}

// checkRule isolates one rule: a panic in the runner or classifier
// becomes that rule's ERROR outcome.
func (c *Coordinator) checkRule(ctx context.Context, rule catalog.Rule) (o Outcome) {
	defer func() {
		if p := recover(); p != nil {
			o = Outcome{
				RuleID:     rule.ID,
				Title:      rule.Title,
				Severity:   rule.Severity,
				Status:     StatusError,
				Message:    fmt.Sprintf("Command execution failed: %v", p),
				DetectedAt: c.now(),
			}
		}
	}()
	res := c.runner.Execute(ctx, rule, c.timeout)
	return Classify(rule, res, c.now())
}

func remainingActive(rules []catalog.Rule) int {
	n := 0
	for _, r := range rules {
		if r.Active {
			n++
		}
	}
	return n
}
