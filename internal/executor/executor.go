// Package executor runs rule audit commands through the host's command
// interpreter under a hard wall-clock timeout.
package executor

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/xuanbach152/baseline-monitor/internal/catalog"
)

// InfraFailure is the exit code reported when the command could not be run
// to completion: timeout, spawn failure, or a kill by signal.
const InfraFailure = -1

// TimeoutMessage is the stderr reported for a command killed on timeout.
const TimeoutMessage = "timeout"

const (
	defaultMaxOutput = 64 << 10
	defaultWaitDelay = 500 * time.Millisecond
)

// Result is the raw outcome of one audit command. A nonzero ExitCode is a
// valid result, not an error.
type Result struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Runner executes a rule's audit command.
type Runner interface {
	Execute(ctx context.Context, rule catalog.Rule, timeout time.Duration) Result
}

// Option configures a Shell.
type Option func(*Shell)

// WithMaxOutput caps the number of bytes kept from each of stdout and
// stderr. Output beyond the cap is discarded.
func WithMaxOutput(n int) Option {
	return func(s *Shell) { s.maxOutput = n }
}

// WithWaitDelay bounds how long Execute waits for output pipes to close
// after the command has been killed.
func WithWaitDelay(d time.Duration) Option {
	return func(s *Shell) { s.waitDelay = d }
}

// Shell is the Runner used on real hosts: /bin/sh for ubuntu rules and
// PowerShell for windows rules.
type Shell struct {
	logger    *slog.Logger
	maxOutput int
	waitDelay time.Duration
}

// New creates a Shell.
func New(logger *slog.Logger, opts ...Option) *Shell {
	s := &Shell{
		logger:    logger,
		maxOutput: defaultMaxOutput,
		waitDelay: defaultWaitDelay,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// interpreter returns the program and argument vector that runs expr for
// the given OS.
func interpreter(target catalog.OSType, expr string) (string, []string) {
	if target == catalog.OSWindows {
		return "powershell.exe", []string{
			"-NoProfile", "-NonInteractive", "-ExecutionPolicy", "Bypass",
			"-Command", expr,
		}
	}
	return "/bin/sh", []string{"-c", expr}
}

// Execute runs rule.CheckExpression and never returns an error: every
// infrastructure failure is encoded as ExitCode == InfraFailure.
func (s *Shell) Execute(ctx context.Context, rule catalog.Rule, timeout time.Duration) Result {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name, args := interpreter(rule.OSType, rule.CheckExpression)
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.WaitDelay = s.waitDelay

	stdout := &cappedBuffer{limit: s.maxOutput}
	stderr := &cappedBuffer{limit: s.maxOutput}
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	res := s.runResult(rule, timeout, Result{
		Stdout:   clean(stdout.String()),
		Stderr:   clean(stderr.String()),
		Duration: elapsed,
	}, err, ctx.Err())

	s.logger.Debug("audit command finished",
		"rule_id", rule.ID,
		"exit_code", res.ExitCode,
		"duration", elapsed,
	)
	return res
}

// runResult fills in res from the error cmd.Run returned and the state of
// the command's context at that point. A command that exited cleanly keeps
// its result even if the deadline passed as it finished.
func (s *Shell) runResult(rule catalog.Rule, timeout time.Duration, res Result, runErr, ctxErr error) Result {
	switch {
	case runErr == nil:
		res.ExitCode = 0
	case errors.Is(ctxErr, context.DeadlineExceeded):
		s.logger.Warn("audit command timed out",
			"rule_id", rule.ID,
			"timeout", timeout,
		)
		return Result{ExitCode: InfraFailure, Stderr: TimeoutMessage, Duration: res.Duration}
	case ctxErr != nil:
		return Result{ExitCode: InfraFailure, Stderr: "canceled", Duration: res.Duration}
	default:
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) && exitErr.ExitCode() >= 0 {
			res.ExitCode = exitErr.ExitCode()
		} else {
			s.logger.Error("audit command could not run",
				"rule_id", rule.ID,
				"error", runErr,
			)
			res.ExitCode = InfraFailure
			if res.Stderr == "" {
				res.Stderr = runErr.Error()
			}
		}
	}
	return res
}

// clean replaces invalid UTF-8 sequences and trims surrounding whitespace.
func clean(s string) string {
	return strings.TrimSpace(strings.ToValidUTF8(s, "\uFFFD"))
}

// cappedBuffer keeps at most limit bytes and silently drops the rest, so a
// chatty command is never blocked on a full pipe.
type cappedBuffer struct {
	buf   bytes.Buffer
	limit int
}

func (c *cappedBuffer) Write(p []byte) (int, error) {
	if room := c.limit - c.buf.Len(); room > 0 {
		if len(p) > room {
			c.buf.Write(p[:room])
		} else {
			c.buf.Write(p)
		}
	}
	return len(p), nil
}

func (c *cappedBuffer) String() string { return c.buf.String() }
