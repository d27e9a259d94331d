// Package metrics holds the Prometheus collectors exported by the agent and
// server binaries. All methods are safe to call on a nil receiver so
// components can run without metrics wired.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "baseline"

// Agent holds the agent-side collectors.
type Agent struct {
	ScansTotal      prometheus.Counter
	ScanDuration    prometheus.Histogram
	OutcomesTotal   *prometheus.CounterVec
	ReportsTotal    *prometheus.CounterVec
	HeartbeatsTotal *prometheus.CounterVec
	OutboxDepth     prometheus.Gauge
}

// NewAgent registers the agent collectors with reg.
func NewAgent(reg prometheus.Registerer) *Agent {
	f := promauto.With(reg)
	return &Agent{
		ScansTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "scans_total",
			Help:      "Total number of completed scans.",
		}),
		ScanDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "scan_duration_seconds",
			Help:      "Wall-clock duration of a full catalog scan.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		OutcomesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "outcomes_total",
			Help:      "Rule outcomes by status.",
		}, []string{"status"}),
		ReportsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "reports_total",
			Help:      "Violation report sends by result (sent, failed, queued, dropped).",
		}, []string{"result"}),
		HeartbeatsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "heartbeats_total",
			Help:      "Heartbeats by result.",
		}, []string{"result"}),
		OutboxDepth: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "outbox_depth",
			Help:      "Violation reports waiting for redelivery.",
		}),
	}
}

// ObserveScan records one completed scan.
func (a *Agent) ObserveScan(d time.Duration) {
	if a == nil {
		return
	}
	a.ScansTotal.Inc()
	a.ScanDuration.Observe(d.Seconds())
}

// ObserveOutcome counts one rule outcome.
func (a *Agent) ObserveOutcome(status string) {
	if a == nil {
		return
	}
	a.OutcomesTotal.WithLabelValues(status).Inc()
}

// ObserveReport counts one violation report send.
func (a *Agent) ObserveReport(result string) {
	if a == nil {
		return
	}
	a.ReportsTotal.WithLabelValues(result).Inc()
}

// ObserveHeartbeat counts one heartbeat attempt.
func (a *Agent) ObserveHeartbeat(ok bool) {
	if a == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	a.HeartbeatsTotal.WithLabelValues(result).Inc()
}

// SetOutboxDepth publishes the current outbox depth.
func (a *Agent) SetOutboxDepth(n int64) {
	if a == nil {
		return
	}
	a.OutboxDepth.Set(float64(n))
}

// Server holds the server-side collectors.
type Server struct {
	AgentsRegistered   prometheus.Counter
	HeartbeatsTotal    prometheus.Counter
	ViolationsCreated  prometheus.Counter
	ViolationsResolved prometheus.Counter
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

// NewServer registers the server collectors with reg.
func NewServer(reg prometheus.Registerer) *Server {
	f := promauto.With(reg)
	return &Server{
		AgentsRegistered: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "agent_registrations_total",
			Help:      "Agent registrations, including re-registrations of a known hostname.",
		}),
		HeartbeatsTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "heartbeats_total",
			Help:      "Accepted agent heartbeats.",
		}),
		ViolationsCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "violations_created_total",
			Help:      "Violations persisted.",
		}),
		ViolationsResolved: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "violations_resolved_total",
			Help:      "Violations marked resolved.",
		}),
		RequestsTotal: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status code.",
		}, []string{"method", "route", "code"}),
		RequestDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route pattern.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (s *Server) IncRegistered() {
	if s != nil {
		s.AgentsRegistered.Inc()
	}
}

func (s *Server) IncHeartbeat() {
	if s != nil {
		s.HeartbeatsTotal.Inc()
	}
}

func (s *Server) IncViolationsCreated(n int) {
	if s != nil && n > 0 {
		s.ViolationsCreated.Add(float64(n))
	}
}

func (s *Server) IncResolved() {
	if s != nil {
		s.ViolationsResolved.Inc()
	}
}

// Middleware records request counts and latency labelled by the chi route
// pattern, so path parameters do not explode label cardinality.
func (s *Server) Middleware(next http.Handler) http.Handler {
	if s == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := "unmatched"
		if rc := chi.RouteContext(r.Context()); rc != nil {
			if p := rc.RoutePattern(); p != "" {
				route = p
			}
		}
		code := ww.Status()
		if code == 0 {
			code = http.StatusOK
		}
		s.RequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(code)).Inc()
		s.RequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the collectors registered with g.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}
