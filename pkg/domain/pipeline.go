package domain

import (
	"context"
	"time"
)

// PipelineConfig describes an ordered set of processing steps applied to one
// input artifact. A config is immutable once execution starts and may be
// reused across any number of Execute calls.
type PipelineConfig struct {
	Name     string
	Steps    []StepSpec
	Hooks    []HookSpec
	Settings PipelineSettings
}

// StepSpec declares a single unit of work inside a pipeline.
type StepSpec struct {
	Name string
	Type string // selects a registered StepProcessor

	// Timeout bounds a single Process invocation. Zero means the engine
	// default applies.
	Timeout   time.Duration
	Params    map[string]any
	DependsOn []string
	Condition string // optional gate expression; empty means always run
	Resources ResourceCaps
	OnError   ErrorPolicy
}

// HookSpec declares an optional post-run hook gated by a condition expression.
type HookSpec struct {
	Name      string
	Condition string
	Params    map[string]any
}

// PipelineSettings holds pipeline-global execution settings.
type PipelineSettings struct {
	Timeout  time.Duration
	Priority int

	// Parallel enables the documented opt-in "parallel siblings" mode:
	// steps with no ordering constraint between them run concurrently.
	// The default is strictly sequential execution.
	Parallel bool

	Resources  ResourceCaps
	Monitoring MonitoringConfig
}

// MonitoringConfig controls the background resource/alert monitor.
type MonitoringConfig struct {
	Enabled    bool
	Interval   time.Duration
	Thresholds []AlertThreshold
}

// AlertThreshold describes one advisory alert rule evaluated by the monitor.
type AlertThreshold struct {
	Metric    string // memory, cpu, errors
	Operator  string // gt, gte, lt, lte, eq
	Threshold float64
	Severity  string // info, warning, critical
}

// ResourceCaps holds advisory resource limits. The monitor reports breaches;
// it never halts the pipeline.
type ResourceCaps struct {
	MaxMemoryBytes int64
	MaxCPUPercent  float64
}

// Artifact is the input handed to a pipeline execution.
type Artifact struct {
	ID          string
	Filename    string
	ContentType string
	Size        int64
	Payload     []byte
}

// StepResult captures the outcome of one Process invocation.
type StepResult struct {
	Success  bool
	Output   any
	Elapsed  time.Duration
	Usage    ResourceDelta
	Warnings []string
	Error    *PipelineError
}

// ResourceDelta is the partial resource usage reported by a single step.
type ResourceDelta struct {
	MemoryBytes  int64
	CPUPercent   float64
	DiskBytes    int64
	NetworkBytes int64
}

// StepProcessor is the contract every pluggable step type implements.
// Process must not write into the context's result set; the engine records
// outputs after the call returns. Implementations should honour ctx
// cancellation so timed-out steps stop promptly.
type StepProcessor interface {
	Process(ctx context.Context, spec StepSpec, pc *PipelineContext) (StepResult, error)
	ValidateConfig(spec StepSpec) (bool, []error)
	Dependencies(spec StepSpec) []string
}

// Initializer is implemented by processors that need one-time setup before
// first use. Initialize must be idempotent.
type Initializer interface {
	Initialize(ctx context.Context) error
}

// PipelineResult is the value returned from Engine.Execute.
type PipelineResult struct {
	Success bool
	Context *PipelineContext
	Output  *PipelineOutput
	Summary ExecutionSummary
}

// PipelineOutput is the combined structured artifact built at the end of a run.
type PipelineOutput struct {
	Pipeline    string          `json:"pipeline"`
	ExecutionID string          `json:"execution_id"`
	Steps       []StepOutput    `json:"steps"`
	Metrics     MetricsSnapshot `json:"metrics"`
	Errors      []PipelineError `json:"errors,omitempty"`
	Warnings    []string        `json:"warnings,omitempty"`
	GeneratedAt time.Time       `json:"generated_at"`
}

// StepOutput pairs a step name with its recorded output, preserving execution order.
type StepOutput struct {
	Name   string `json:"name"`
	Output any    `json:"output"`
}

// ExecutionSummary is a read-only snapshot derived once at the end of a run.
type ExecutionSummary struct {
	Pipeline       string
	Status         Status
	StepsTotal     int
	StepsCompleted int
	StepsFailed    int
	StepsSkipped   int
	ErrorCount     int
	WarningCount   int
	TotalTime      time.Duration
	StartTime      time.Time
	EndTime        time.Time
}
