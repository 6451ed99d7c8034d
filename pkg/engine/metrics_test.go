package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/procflow/procflow/pkg/domain"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_RecordStep(t *testing.T) {
	m := NewMetrics()
	m.RecordStep("docproc", "extract", "completed", 0.2)
	m.RecordStep("docproc", "extract", "completed", 0.3)
	m.RecordStep("docproc", "extract", "failed", 0.1)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("docproc", "extract", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("docproc", "extract", "failed")))
}

func TestMetrics_RecordRetries(t *testing.T) {
	m := NewMetrics()
	m.RecordRetries("docproc", "fetch", 3)
	m.RecordRetries("docproc", "fetch", 0) // no-op

	assert.Equal(t, 3.0, testutil.ToFloat64(m.retriesTotal.WithLabelValues("docproc", "fetch")))
}

func TestMetrics_RecordRunAndAlerts(t *testing.T) {
	m := NewMetrics()
	m.RecordRun("docproc", "completed", 1.5)
	m.RecordRun("docproc", "failed", 0.2)
	m.RecordAlert("memory", "critical")
	m.ObservePeakMemory(4096)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("docproc", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("docproc", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.alertsTotal.WithLabelValues("memory", "critical")))
	assert.Equal(t, 4096.0, testutil.ToFloat64(m.peakMemory))
}

func TestMetrics_NilReceiverIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordStep("p", "s", "completed", 1)
		m.RecordRetries("p", "s", 2)
		m.RecordRun("p", "completed", 1)
		m.RecordAlert("memory", "warning")
		m.ObservePeakMemory(1)
	})
}

func TestMetrics_EngineIntegration(t *testing.T) {
	m := NewMetrics()
	registry := NewRegistry()
	registry.Register("work", &fakeStep{})
	registry.Register("broken", &fakeStep{
		process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
			return domain.StepResult{}, fmt.Errorf("boom")
		},
	})
	e := NewEngine(EngineConfig{Registry: registry, Logger: testLogger(), Metrics: m})

	cfg := pipelineOf(
		step("extract", "work"),
		domain.StepSpec{
			Name: "enrich", Type: "broken",
			DependsOn: []string{"extract"},
			OnError:   domain.ErrorPolicy{Strategy: domain.StrategySkip},
		},
	)
	result, err := e.Execute(context.Background(), cfg, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("test", "extract", "completed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.stepsTotal.WithLabelValues("test", "enrich", "failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runsTotal.WithLabelValues("test", "completed")))
}
