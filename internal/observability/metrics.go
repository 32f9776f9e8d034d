// File: internal/observability/metrics.go
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "browserpilot"

// Metrics groups the agent's Prometheus instruments on a private registry.
// A nil *Metrics is valid and records nothing, so components can take one
// unconditionally.
type Metrics struct {
	registry *prometheus.Registry

	sessionsStarted  prometheus.Counter
	sessionsFinished *prometheus.CounterVec
	sessionsActive   prometheus.Gauge
	iterations       prometheus.Counter
	stepOutcomes     *prometheus.CounterVec
	plannerRequests  *prometheus.CounterVec
	plannerLatency   prometheus.Histogram
	snapshotRetries  prometheus.Counter
	eventsPublished  prometheus.Counter
	eventsDropped    prometheus.Counter
}

// NewMetrics registers every instrument on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		sessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "sessions_started_total",
			Help: "Sessions accepted by the session manager.",
		}),
		sessionsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "sessions_finished_total",
			Help: "Sessions that reached a terminal state, by status.",
		}, []string{"status"}),
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace, Name: "sessions_active",
			Help: "Sessions currently running.",
		}),
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "iterations_total",
			Help: "Committed loop iterations across all sessions.",
		}),
		stepOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "step_outcomes_total",
			Help: "Executed steps by kind and result status.",
		}, []string{"kind", "status"}),
		plannerRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "planner_requests_total",
			Help: "Planner calls by result (ok, parse_error, inference_error).",
		}, []string{"result"}),
		plannerLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metricsNamespace, Name: "planner_request_duration_seconds",
			Help:    "Latency of planner inference calls.",
			Buckets: []float64{0.25, 0.5, 1, 2, 4, 8, 16, 32, 64},
		}),
		snapshotRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "snapshot_retries_total",
			Help: "Snapshot attempts that failed and were retried.",
		}),
		eventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "events_published_total",
			Help: "Events published on the bus.",
		}),
		eventsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace, Name: "events_dropped_total",
			Help: "Per-subscriber deliveries dropped because the subscriber buffer was full.",
		}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessionsStarted, m.sessionsFinished, m.sessionsActive, m.iterations, m.stepOutcomes,
		m.plannerRequests, m.plannerLatency, m.snapshotRetries, m.eventsPublished, m.eventsDropped,
	)
	return m
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsStarted.Inc()
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionFinished(status string) {
	if m == nil {
		return
	}
	m.sessionsFinished.WithLabelValues(status).Inc()
	m.sessionsActive.Dec()
}

func (m *Metrics) IterationCommitted() {
	if m == nil {
		return
	}
	m.iterations.Inc()
}

func (m *Metrics) StepExecuted(kind, status string) {
	if m == nil {
		return
	}
	m.stepOutcomes.WithLabelValues(kind, status).Inc()
}

// PlannerRequest records one inference round trip.
func (m *Metrics) PlannerRequest(result string, took time.Duration) {
	if m == nil {
		return
	}
	m.plannerRequests.WithLabelValues(result).Inc()
	m.plannerLatency.Observe(took.Seconds())
}

func (m *Metrics) SnapshotRetried() {
	if m == nil {
		return
	}
	m.snapshotRetries.Inc()
}

func (m *Metrics) EventPublished() {
	if m == nil {
		return
	}
	m.eventsPublished.Inc()
}

func (m *Metrics) EventDropped() {
	if m == nil {
		return
	}
	m.eventsDropped.Inc()
}
