package telemetry

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

var (
	metricsOnce          sync.Once
	metricsInitErr       error
	stepExecutionCounter metric.Int64Counter
	stepRetryCounter     metric.Int64Counter
	stepTimeoutCounter   metric.Int64Counter
	stepLatencyHistogram metric.Float64Histogram
)

// StepMetrics captures the fields needed to record pipeline step telemetry metrics.
type StepMetrics struct {
	Pipeline    string
	ExecutionID string
	Step        string
	StepType    string
	Outcome     string
	Duration    time.Duration
	Retries     int
}

// RecordStepMetrics emits counters and histograms that describe step execution behaviour.
func RecordStepMetrics(ctx context.Context, metrics StepMetrics) {
	if err := ensureMetrics(); err != nil {
		return
	}

	attrs := []attribute.KeyValue{
		attribute.String("pipeline.name", metrics.Pipeline),
		attribute.String("step.name", metrics.Step),
		attribute.String("step.type", metrics.StepType),
		attribute.String("step.outcome", metrics.Outcome),
	}

	stepExecutionCounter.Add(ctx, 1, metric.WithAttributes(attrs...))

	if metrics.Duration > 0 {
		stepLatencyHistogram.Record(ctx, float64(metrics.Duration)/float64(time.Millisecond), metric.WithAttributes(attrs...))
	}

	if metrics.Retries > 0 {
		stepRetryCounter.Add(ctx, int64(metrics.Retries), metric.WithAttributes(attrs...))
	}

	if metrics.Outcome == "timeout" {
		stepTimeoutCounter.Add(ctx, 1, metric.WithAttributes(attrs...))
	}
}

func ensureMetrics() error {
	metricsOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("procflow.pipeline")

		stepExecutionCounter, metricsInitErr = meter.Int64Counter(
			"procflow.step.executions_total",
			metric.WithDescription("Pipeline step executions partitioned by outcome"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepRetryCounter, metricsInitErr = meter.Int64Counter(
			"procflow.step.retries_total",
			metric.WithDescription("Retry attempts performed during step recovery"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepTimeoutCounter, metricsInitErr = meter.Int64Counter(
			"procflow.step.timeout_total",
			metric.WithDescription("Timeout outcomes emitted by steps"),
			metric.WithUnit("{count}"),
		)
		if metricsInitErr != nil {
			return
		}

		stepLatencyHistogram, metricsInitErr = meter.Float64Histogram(
			"procflow.step.duration_ms",
			metric.WithDescription("Observed step execution latency"),
			metric.WithUnit("ms"),
		)
	})

	return metricsInitErr
}
