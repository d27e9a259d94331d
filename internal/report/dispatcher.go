// Package report sends the non-compliant outcomes of a scan to the server.
package report

import (
	"context"
	"errors"
	"log/slog"

	"github.com/xuanbach152/baseline-monitor/internal/api"
	"github.com/xuanbach152/baseline-monitor/internal/metrics"
	"github.com/xuanbach152/baseline-monitor/internal/queue"
	"github.com/xuanbach152/baseline-monitor/internal/scanner"
	"github.com/xuanbach152/baseline-monitor/internal/transport"
)

const (
	defaultMessage    = "Rule violation detected"
	rawOutputLimit    = 200
	defaultConfidence = 1.0
	flushBatch        = 100
)

// errEmptyResponse is reported when the server accepted a violation but
// returned no id.
var errEmptyResponse = errors.New("report: server response has no violation id")

// Sender is the subset of transport.Client the dispatcher needs.
type Sender interface {
	ReportViolation(ctx context.Context, v api.ViolationFromAgent) (api.Violation, error)
	ReportBulk(ctx context.Context, agentID int64, items []api.BulkViolation) (api.BulkResult, error)
}

// Outbox persists reports that failed with a retryable error.
type Outbox interface {
	Enqueue(ctx context.Context, r api.ViolationFromAgent, cause error) error
	Dequeue(ctx context.Context, n int) ([]queue.PendingReport, error)
	Ack(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, id int64, cause error) error
	Depth() int
}

// Dispatcher filters scan outcomes and sends them one by one.
type Dispatcher struct {
	sender    Sender
	outbox    Outbox
	logger    *slog.Logger
	metrics   *metrics.Agent
	retryable func(error) bool
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithOutbox keeps reports that failed with a retryable error for Flush.
func WithOutbox(o Outbox) Option {
	return func(d *Dispatcher) { d.outbox = o }
}

// WithMetrics counts sends by result.
func WithMetrics(m *metrics.Agent) Option {
	return func(d *Dispatcher) { d.metrics = m }
}

// New creates a Dispatcher.
func New(sender Sender, logger *slog.Logger, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		sender:    sender,
		logger:    logger,
		retryable: transport.Retryable,
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Select returns the outcomes that should be reported: every FAIL and
// ERROR, plus PASS when includePass is set. Order is preserved.
func Select(res *scanner.ScanResult, includePass bool) []scanner.Outcome {
	var out []scanner.Outcome
	for _, o := range res.Outcomes {
		switch o.Status {
		case scanner.StatusFail, scanner.StatusError:
			out = append(out, o)
		case scanner.StatusPass:
			if includePass {
				out = append(out, o)
			}
		}
	}
	return out
}

// BuildReport converts an outcome into the from-agent payload. The raw
// output is appended to the message, truncated to 200 characters.
func BuildReport(agentID int64, o scanner.Outcome) api.ViolationFromAgent {
	msg := o.Message
	if msg == "" {
		msg = defaultMessage
	}
	if o.RawOutput != "" {
		msg += "\nRaw output: " + truncate(o.RawOutput, rawOutputLimit)
	}
	conf := defaultConfidence
	return api.ViolationFromAgent{
		AgentID:         agentID,
		AgentRuleID:     o.RuleID,
		Message:         msg,
		ConfidenceScore: &conf,
	}
}

// ReportViolations sends each selected outcome of res independently. It
// returns true only if every item was accepted; a failed item never stops
// the others. An empty selection returns true without any request.
func (d *Dispatcher) ReportViolations(ctx context.Context, res *scanner.ScanResult, includePass bool) bool {
	items := Select(res, includePass)
	if len(items) == 0 {
		d.logger.Info("no violations to report", slog.String("scan_id", res.ID))
		return true
	}

	sent, failed := 0, 0
	for _, o := range items {
		rep := BuildReport(res.Agent.ID, o)
		if err := d.send(ctx, rep); err != nil {
			failed++
			d.handleFailure(ctx, rep, err)
			continue
		}
		sent++
		d.metrics.ObserveReport("sent")
	}

	d.logger.Info("violation report finished",
		slog.String("scan_id", res.ID),
		slog.Int("selected", len(items)),
		slog.Int("sent", sent),
		slog.Int("failed", failed),
	)
	d.publishDepth()
	return failed == 0
}

// ReportBulk submits the selected outcomes of res in one request. The
// server stores what it can; the caller must inspect the result's Errors.
func (d *Dispatcher) ReportBulk(ctx context.Context, res *scanner.ScanResult, includePass bool) (api.BulkResult, error) {
	items := Select(res, includePass)
	if len(items) == 0 {
		return api.BulkResult{Errors: []api.BulkError{}}, nil
	}
	bulk := make([]api.BulkViolation, 0, len(items))
	for _, o := range items {
		r := BuildReport(res.Agent.ID, o)
		bulk = append(bulk, api.BulkViolation{
			AgentRuleID:     r.AgentRuleID,
			Message:         r.Message,
			ConfidenceScore: r.ConfidenceScore,
		})
	}
	out, err := d.sender.ReportBulk(ctx, res.Agent.ID, bulk)
	if err != nil {
		return out, err
	}
	for _, e := range out.Errors {
		d.logger.Warn("bulk item rejected",
			slog.Int("index", e.Index),
			slog.String("rule_id", e.AgentRuleID),
			slog.String("error", e.Error),
		)
	}
	return out, nil
}

// Flush resends queued reports under agentID, oldest first. Delivered and
// permanently rejected reports are removed; the first retryable failure
// stops the flush so an unreachable server is not hammered. It returns the
// number of reports delivered.
func (d *Dispatcher) Flush(ctx context.Context, agentID int64) (int, error) {
	if d.outbox == nil || d.outbox.Depth() == 0 {
		return 0, nil
	}
	defer d.publishDepth()

	delivered := 0
	for {
		pending, err := d.outbox.Dequeue(ctx, flushBatch)
		if err != nil {
			return delivered, err
		}
		if len(pending) == 0 {
			return delivered, nil
		}

		var done []int64
		stop := false
		for _, p := range pending {
			rep := p.Report
			rep.AgentID = agentID
			err := d.send(ctx, rep)
			switch {
			case err == nil:
				done = append(done, p.ID)
				delivered++
				d.metrics.ObserveReport("sent")
			case d.retryable(err):
				if mErr := d.outbox.MarkFailed(ctx, p.ID, err); mErr != nil {
					d.logger.Warn("outbox: mark failed", slog.Any("error", mErr))
				}
				d.metrics.ObserveReport("failed")
				stop = true
			default:
				d.logger.Warn("dropping queued report rejected by server",
					slog.String("rule_id", rep.AgentRuleID),
					slog.Int("attempts", p.Attempts),
					slog.Any("error", err),
				)
				done = append(done, p.ID)
				d.metrics.ObserveReport("dropped")
			}
			if stop {
				break
			}
		}

		if err := d.outbox.Ack(ctx, done); err != nil {
			return delivered, err
		}
		if stop || len(pending) < flushBatch {
			return delivered, nil
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, rep api.ViolationFromAgent) error {
	v, err := d.sender.ReportViolation(ctx, rep)
	if err != nil {
		return err
	}
	if v.ID == 0 {
		return errEmptyResponse
	}
	return nil
}

func (d *Dispatcher) handleFailure(ctx context.Context, rep api.ViolationFromAgent, err error) {
	log := d.logger.With(
		slog.String("rule_id", rep.AgentRuleID),
		slog.Any("error", err),
	)
	if d.outbox == nil || !d.retryable(err) {
		log.Error("failed to report violation")
		d.metrics.ObserveReport("failed")
		return
	}
	if qErr := d.outbox.Enqueue(ctx, rep, err); qErr != nil {
		log.Error("failed to report violation and to queue it", slog.Any("queue_error", qErr))
		d.metrics.ObserveReport("failed")
		return
	}
	log.Warn("violation report queued for redelivery")
	d.metrics.ObserveReport("queued")
}

func (d *Dispatcher) publishDepth() {
	if d.outbox != nil {
		d.metrics.SetOutboxDepth(int64(d.outbox.Depth()))
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
