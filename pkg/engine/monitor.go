package engine

import (
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/procflow/procflow/pkg/domain"
)

// defaultMonitorInterval is used when monitoring is enabled without an interval.
const defaultMonitorInterval = time.Second

// ResourceSample is one point-in-time usage reading.
type ResourceSample struct {
	MemoryBytes int64
	CPUPercent  float64
	CPUValid    bool
}

// UsageSampler produces resource samples for the monitor. Tests inject a
// deterministic implementation.
type UsageSampler interface {
	Sample() ResourceSample
}

// runtimeSampler reads heap usage from the Go runtime. The CPU figure is the
// GC CPU fraction, an advisory approximation; precision loss is acceptable
// for threshold alerting.
type runtimeSampler struct{}

func (runtimeSampler) Sample() ResourceSample {
	var stats runtime.MemStats
	runtime.ReadMemStats(&stats)
	return ResourceSample{
		MemoryBytes: int64(stats.HeapAlloc),
		CPUPercent:  stats.GCCPUFraction * 100,
		CPUValid:    true,
	}
}

// resourceMonitor is the background sampling loop tracking peak resource
// usage and raising threshold alerts. It only ever writes into the shared
// PipelineMetrics through its fold methods and never halts the pipeline.
type resourceMonitor struct {
	interval   time.Duration
	thresholds []domain.AlertThreshold
	caps       domain.ResourceCaps
	sampler    UsageSampler
	logger     *slog.Logger
	metrics    *Metrics
}

func newResourceMonitor(cfg domain.PipelineSettings, sampler UsageSampler, logger *slog.Logger, metrics *Metrics) *resourceMonitor {
	interval := cfg.Monitoring.Interval
	if interval <= 0 {
		interval = defaultMonitorInterval
	}
	if sampler == nil {
		sampler = runtimeSampler{}
	}
	return &resourceMonitor{
		interval:   interval,
		thresholds: cfg.Monitoring.Thresholds,
		caps:       cfg.Resources,
		sampler:    sampler,
		logger:     logger,
		metrics:    metrics,
	}
}

// Start launches the sampling loop for pc and returns a stop function. Stop
// is idempotent and blocks until the loop has exited, so the engine can defer
// it and rely on a deterministic shutdown on every path.
func (m *resourceMonitor) Start(pc *domain.PipelineContext) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)

	go func() {
		defer wg.Done()
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.tick(pc)
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(done)
			wg.Wait()
		})
	}
}

func (m *resourceMonitor) tick(pc *domain.PipelineContext) {
	sample := m.sampler.Sample()

	pc.Metrics.FoldMemory(sample.MemoryBytes)
	if sample.CPUValid {
		pc.Metrics.FoldCPU(sample.CPUPercent)
	}
	m.metrics.ObservePeakMemory(pc.Metrics.Usage().PeakMemoryBytes)

	for _, threshold := range m.thresholds {
		value, ok := m.metricValue(threshold.Metric, sample, pc)
		if !ok {
			continue
		}
		if thresholdTriggered(threshold.Operator, value, threshold.Threshold) {
			m.logger.Warn("resource alert threshold triggered",
				slog.String("metric", threshold.Metric),
				slog.String("operator", threshold.Operator),
				slog.Float64("value", value),
				slog.Float64("threshold", threshold.Threshold),
				slog.String("severity", threshold.Severity))
			m.metrics.RecordAlert(threshold.Metric, threshold.Severity)
		}
	}

	if m.caps.MaxMemoryBytes > 0 && sample.MemoryBytes > m.caps.MaxMemoryBytes {
		m.logger.Warn("memory usage above configured cap",
			slog.Int64("memory_bytes", sample.MemoryBytes),
			slog.Int64("cap_bytes", m.caps.MaxMemoryBytes))
		m.metrics.RecordAlert("memory", "critical")
	}
}

func (m *resourceMonitor) metricValue(metric string, sample ResourceSample, pc *domain.PipelineContext) (float64, bool) {
	switch metric {
	case "memory":
		return float64(sample.MemoryBytes), true
	case "cpu":
		usage := pc.Metrics.Usage()
		return usage.CPUAveragePercent, true
	case "errors":
		return float64(pc.ErrorCount()), true
	}
	m.logger.Warn("unknown alert metric", slog.String("metric", metric))
	return 0, false
}

func thresholdTriggered(operator string, value, threshold float64) bool {
	switch operator {
	case "gt", ">":
		return value > threshold
	case "gte", ">=":
		return value >= threshold
	case "lt", "<":
		return value < threshold
	case "lte", "<=":
		return value <= threshold
	case "eq", "==":
		return value == threshold
	}
	return false
}
