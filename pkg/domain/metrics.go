package domain

import (
	"sync"
	"time"
)

// ResourceUsage is the accumulated resource picture for one execution.
// Peak memory folds via max; the CPU average folds as (prev+sample)/2, an
// accepted approximation rather than a true windowed average.
type ResourceUsage struct {
	PeakMemoryBytes   int64   `json:"peak_memory_bytes"`
	CPUAveragePercent float64 `json:"cpu_average_percent"`
	DiskBytes         int64   `json:"disk_bytes"`
	NetworkBytes      int64   `json:"network_bytes"`
}

// PipelineMetrics accumulates timing and resource figures for one execution.
// The monitor goroutine folds samples in concurrently with step execution, so
// all access goes through the mutex. Precision loss from the simple folds is
// tolerable for an advisory metric.
type PipelineMetrics struct {
	mu        sync.Mutex
	totalTime time.Duration
	stepTimes map[string]time.Duration
	usage     ResourceUsage
	samples   int
}

// NewPipelineMetrics returns an empty metrics accumulator.
func NewPipelineMetrics() *PipelineMetrics {
	return &PipelineMetrics{stepTimes: make(map[string]time.Duration)}
}

// RecordStepTime stores the elapsed time for a step. Re-recording overwrites:
// after retries only the last (successful) timing is authoritative.
func (m *PipelineMetrics) RecordStepTime(name string, d time.Duration) {
	m.mu.Lock()
	m.stepTimes[name] = d
	m.mu.Unlock()
}

// StepTime returns the recorded elapsed time for a step.
func (m *PipelineMetrics) StepTime(name string) (time.Duration, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.stepTimes[name]
	return d, ok
}

// SetTotalTime records the total wall-clock duration of the execution.
func (m *PipelineMetrics) SetTotalTime(d time.Duration) {
	m.mu.Lock()
	m.totalTime = d
	m.mu.Unlock()
}

// FoldMemory folds a memory sample into the peak via max.
func (m *PipelineMetrics) FoldMemory(bytes int64) {
	m.mu.Lock()
	if bytes > m.usage.PeakMemoryBytes {
		m.usage.PeakMemoryBytes = bytes
	}
	m.mu.Unlock()
}

// FoldCPU folds a CPU sample into the running average.
func (m *PipelineMetrics) FoldCPU(percent float64) {
	m.mu.Lock()
	if m.samples == 0 {
		m.usage.CPUAveragePercent = percent
	} else {
		m.usage.CPUAveragePercent = (m.usage.CPUAveragePercent + percent) / 2
	}
	m.samples++
	m.mu.Unlock()
}

// AddIO accumulates disk and network byte counters reported by steps.
func (m *PipelineMetrics) AddIO(disk, network int64) {
	m.mu.Lock()
	m.usage.DiskBytes += disk
	m.usage.NetworkBytes += network
	m.mu.Unlock()
}

// FoldStepUsage folds a step's partial resource usage into the aggregate.
func (m *PipelineMetrics) FoldStepUsage(delta ResourceDelta) {
	if delta.MemoryBytes > 0 {
		m.FoldMemory(delta.MemoryBytes)
	}
	if delta.CPUPercent > 0 {
		m.FoldCPU(delta.CPUPercent)
	}
	m.AddIO(delta.DiskBytes, delta.NetworkBytes)
}

// Usage returns the current resource usage snapshot.
func (m *PipelineMetrics) Usage() ResourceUsage {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.usage
}

// MetricsSnapshot is a point-in-time copy with derived throughput figures.
type MetricsSnapshot struct {
	TotalTime      time.Duration            `json:"total_time"`
	StepTimes      map[string]time.Duration `json:"step_times"`
	Usage          ResourceUsage            `json:"resource_usage"`
	StepsPerSecond float64                  `json:"steps_per_second"`
}

// Snapshot derives a read-only copy of the accumulated metrics.
func (m *PipelineMetrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	times := make(map[string]time.Duration, len(m.stepTimes))
	for k, v := range m.stepTimes {
		times[k] = v
	}

	snap := MetricsSnapshot{
		TotalTime: m.totalTime,
		StepTimes: times,
		Usage:     m.usage,
	}
	if m.totalTime > 0 {
		snap.StepsPerSecond = float64(len(m.stepTimes)) / m.totalTime.Seconds()
	}
	return snap
}
