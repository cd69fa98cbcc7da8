// Package metrics exposes Prometheus collectors for the task pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	tasks          *prometheus.CounterVec
	taskDuration   prometheus.Histogram
	refineFallback prometheus.Counter
	refineRetries  prometheus.Counter
	driverAttempts *prometheus.CounterVec
	activeSessions prometheus.Gauge
	evictions      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserpilot_tasks_total",
			Help: "Executed tasks by final status.",
		}, []string{"status"}),
		taskDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "browserpilot_task_duration_seconds",
			Help:    "End-to-end task latency.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		refineFallback: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserpilot_refine_fallbacks_total",
			Help: "Tasks executed with the raw instruction after refinement failed.",
		}),
		refineRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "browserpilot_refine_retries_total",
			Help: "Refinement retries.",
		}),
		driverAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserpilot_driver_attempts_total",
			Help: "Browser driver attempts by result.",
		}, []string{"result"}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "browserpilot_active_sessions",
			Help: "Sessions with a live browser context.",
		}),
		evictions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "browserpilot_session_evictions_total",
			Help: "Evicted sessions by reason.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		m.tasks, m.taskDuration, m.refineFallback, m.refineRetries,
		m.driverAttempts, m.activeSessions, m.evictions,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// All recorders are nil-safe so components can run without metrics.

func (m *Metrics) TaskFinished(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasks.WithLabelValues(status).Inc()
	m.taskDuration.Observe(d.Seconds())
}

func (m *Metrics) RefineFallback() {
	if m == nil {
		return
	}
	m.refineFallback.Inc()
}

func (m *Metrics) RefineRetry() {
	if m == nil {
		return
	}
	m.refineRetries.Inc()
}

func (m *Metrics) DriverAttempt(result string) {
	if m == nil {
		return
	}
	m.driverAttempts.WithLabelValues(result).Inc()
}

func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.activeSessions.Inc()
}

func (m *Metrics) SessionClosed() {
	if m == nil {
		return
	}
	m.activeSessions.Dec()
}

func (m *Metrics) SessionEvicted(reason string) {
	if m == nil {
		return
	}
	m.evictions.WithLabelValues(reason).Inc()
}
