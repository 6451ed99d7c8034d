package engine

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors for the pipeline engine. All record
// methods are nil-safe so the engine can run without metrics wired.
type Metrics struct {
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	retriesTotal *prometheus.CounterVec
	runsTotal    *prometheus.CounterVec
	runDuration  *prometheus.HistogramVec
	alertsTotal  *prometheus.CounterVec
	peakMemory   prometheus.Gauge

	registry *prometheus.Registry
}

// NewMetrics creates a metrics instance backed by its own registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		stepsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_steps_total",
				Help: "Step executions partitioned by pipeline, step and outcome",
			},
			[]string{"pipeline", "step", "outcome"},
		),
		stepDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_step_duration_seconds",
				Help:    "Step execution latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"pipeline", "step"},
		),
		retriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_step_retries_total",
				Help: "Retry attempts performed during step recovery",
			},
			[]string{"pipeline", "step"},
		),
		runsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_runs_total",
				Help: "Pipeline executions partitioned by final status",
			},
			[]string{"pipeline", "status"},
		),
		runDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "pipeline_run_duration_seconds",
				Help:    "Total pipeline execution time in seconds",
				Buckets: []float64{.1, .25, .5, 1, 2.5, 5, 10, 30, 60, 300},
			},
			[]string{"pipeline"},
		),
		alertsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "pipeline_alerts_total",
				Help: "Resource alert thresholds triggered by the monitor",
			},
			[]string{"metric", "severity"},
		),
		peakMemory: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "pipeline_peak_memory_bytes",
				Help: "Peak memory observed during the most recent sampling tick",
			},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.stepsTotal,
		m.stepDuration,
		m.retriesTotal,
		m.runsTotal,
		m.runDuration,
		m.alertsTotal,
		m.peakMemory,
	)
	return m
}

// Handler returns an HTTP handler serving the engine's metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for callers composing their own
// metrics endpoint.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordStep records one step execution outcome and its latency.
func (m *Metrics) RecordStep(pipeline, step, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(pipeline, step, outcome).Inc()
	if seconds > 0 {
		m.stepDuration.WithLabelValues(pipeline, step).Observe(seconds)
	}
}

// RecordRetries adds recovery re-invocations for a step.
func (m *Metrics) RecordRetries(pipeline, step string, retries int) {
	if m == nil || retries <= 0 {
		return
	}
	m.retriesTotal.WithLabelValues(pipeline, step).Add(float64(retries))
}

// RecordRun records one completed pipeline execution.
func (m *Metrics) RecordRun(pipeline, status string, seconds float64) {
	if m == nil {
		return
	}
	m.runsTotal.WithLabelValues(pipeline, status).Inc()
	m.runDuration.WithLabelValues(pipeline).Observe(seconds)
}

// RecordAlert counts a triggered alert threshold.
func (m *Metrics) RecordAlert(metric, severity string) {
	if m == nil {
		return
	}
	m.alertsTotal.WithLabelValues(metric, severity).Inc()
}

// ObservePeakMemory updates the peak memory gauge.
func (m *Metrics) ObservePeakMemory(bytes int64) {
	if m == nil {
		return
	}
	m.peakMemory.Set(float64(bytes))
}
