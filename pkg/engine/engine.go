package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/pkg/domain"
	"github.com/procflow/procflow/pkg/telemetry"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ProgressEvent is emitted before each step. Consumers must not block; calls
// are best-effort fire-and-forget and a panicking consumer is the caller's
// responsibility, not the engine's.
type ProgressEvent struct {
	StepLabel       string
	PercentComplete float64
	Detail          string
}

// ProgressFunc receives progress notifications.
type ProgressFunc func(ProgressEvent)

// HookFunc implements a named hook referenced by a config's HookSpec entries.
type HookFunc func(ctx context.Context, params map[string]any, pc *domain.PipelineContext) error

// CleanupFunc runs unconditionally at the end of every execution.
type CleanupFunc func(ctx context.Context)

// Engine orchestrates pipeline executions: validation, dependency resolution,
// conditional gating, per-step timeout enforcement, error recovery, resource
// monitoring and final output assembly. Steps run strictly sequentially in
// dependency-resolved order unless the config opts into parallel siblings.
type Engine struct {
	registry *Registry
	logger   *slog.Logger
	metrics  *Metrics
	progress ProgressFunc
	sampler  UsageSampler
	executor *stepExecutor
	recovery *recoveryHandler

	mu       sync.RWMutex
	hooks    map[string]HookFunc
	cleanups []CleanupFunc
}

// EngineConfig holds dependencies for creating an Engine.
//
//nolint:revive // Name EngineConfig is intentional for clarity at call sites.
type EngineConfig struct {
	Registry *Registry
	Logger   *slog.Logger
	Metrics  *Metrics
	Progress ProgressFunc
	Sampler  UsageSampler
	Backoff  *governance.BackoffConfig
}

// NewEngine creates an engine with the given configuration. A nil registry
// gets a fresh empty one; processors must then be registered before any
// pipeline referencing them can validate.
func NewEngine(cfg EngineConfig) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	registry := cfg.Registry
	if registry == nil {
		registry = NewRegistry()
	}
	backoff := governance.DefaultBackoffConfig()
	if cfg.Backoff != nil {
		backoff = *cfg.Backoff
	}

	executor := &stepExecutor{registry: registry, logger: logger}
	return &Engine{
		registry: registry,
		logger:   logger,
		metrics:  cfg.Metrics,
		progress: cfg.Progress,
		sampler:  cfg.Sampler,
		executor: executor,
		recovery: &recoveryHandler{
			executor: executor,
			backoff:  governance.NewBackoffPolicy(backoff),
			logger:   logger,
		},
		hooks: make(map[string]HookFunc),
	}
}

// RegisterHook binds a hook implementation to the name used by HookSpec entries.
func (e *Engine) RegisterHook(name string, fn HookFunc) {
	e.mu.Lock()
	e.hooks[name] = fn
	e.mu.Unlock()
}

// OnCleanup registers a function run unconditionally at the end of every
// execution, after the monitor has stopped.
func (e *Engine) OnCleanup(fn CleanupFunc) {
	e.mu.Lock()
	e.cleanups = append(e.cleanups, fn)
	e.mu.Unlock()
}

// Registry returns the engine's step registry.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Validate checks a pipeline config without executing it: declared step
// names, registered types, dependency references, condition syntax and graph
// acyclicity. Returns a ValidationError aggregating every problem found, or
// a cycle error from the topological sort.
func (e *Engine) Validate(cfg *domain.PipelineConfig) error {
	_, err := e.resolve(cfg)
	return err
}

type runOutcome int

const (
	runCompleted runOutcome = iota
	runHalted
	runCancelled
)

// Execute runs one pipeline over one input artifact.
//
// Fatal setup failures (malformed config, graph errors) return an error and
// the pipeline never starts. Ordinary step failures are reported through the
// returned PipelineResult: callers inspect Success, the summary and the
// context's error list rather than the returned error.
//
// The context created for the run is owned exclusively by this call and is
// discarded after the summary is produced; the supplied config is never
// mutated and may be reused concurrently.
func (e *Engine) Execute(ctx context.Context, cfg *domain.PipelineConfig, input *domain.Artifact) (result *domain.PipelineResult, err error) {
	if cfg == nil {
		return nil, fmt.Errorf("%w: config is nil", domain.ErrConfigInvalid)
	}
	if ctx == nil {
		ctx = context.Background()
	}

	pc := domain.NewPipelineContext(uuid.NewString(), input, len(cfg.Steps))
	logger := e.logger.With(
		slog.String("pipeline", cfg.Name),
		slog.String("execution_id", pc.ExecutionID))

	if initErr := e.registry.Initialize(ctx); initErr != nil {
		_ = pc.State.Transition(domain.StatusFailed)
		return nil, fmt.Errorf("processor initialization failed: %w", initErr)
	}

	plan, resolveErr := e.resolve(cfg)
	if resolveErr != nil {
		_ = pc.State.Transition(domain.StatusFailed)
		e.metrics.RecordRun(cfg.Name, string(domain.StatusFailed), 0)
		logger.Error("pipeline rejected before execution", slog.Any("error", resolveErr))
		return nil, resolveErr
	}
	for _, warning := range plan.warnings {
		pc.AddWarning(warning)
		logger.Warn(warning)
	}

	tracer := otel.Tracer("procflow.pipeline")
	var span trace.Span
	ctx, span = tracer.Start(ctx, "pipeline.execute", trace.WithAttributes(
		attribute.String("pipeline.name", cfg.Name),
		attribute.String("execution.id", pc.ExecutionID),
		attribute.Int("pipeline.steps", len(plan.order)),
		attribute.Bool("pipeline.parallel", cfg.Settings.Parallel),
	))
	defer span.End()

	logger.Info("executing pipeline",
		slog.Int("steps", len(plan.order)),
		slog.Bool("parallel", cfg.Settings.Parallel))

	monitorStop := func() {}
	if cfg.Settings.Monitoring.Enabled {
		monitor := newResourceMonitor(cfg.Settings, e.sampler, logger, e.metrics)
		monitorStop = monitor.Start(pc)
	}
	// The monitor stop and registered cleanups run on every path out of this
	// function, including panics escaping a fold step.
	defer e.runCleanups(ctx)
	defer monitorStop()

	if err := pc.State.Transition(domain.StatusRunning); err != nil {
		return nil, err
	}
	start := time.Now()

	tracker := newStepTracker(plan.order)
	var outcome runOutcome
	if cfg.Settings.Parallel && len(plan.levels) > 0 {
		outcome = e.runParallel(ctx, cfg, plan, pc, tracker, tracer)
	} else {
		outcome = e.runSequential(ctx, cfg, plan, pc, tracker, tracer)
	}

	total := time.Since(start)
	pc.Metrics.SetTotalTime(total)

	status := domain.StatusCompleted
	switch outcome {
	case runHalted:
		status = domain.StatusFailed
	case runCancelled:
		status = domain.StatusCancelled
		pc.AddError(domain.PipelineError{
			Kind:      domain.ErrorKindPipelineExecution,
			Message:   domain.ErrExecutionCancelled.Error(),
			Timestamp: time.Now(),
		})
	}
	_ = pc.State.Transition(status)
	e.metrics.RecordRun(cfg.Name, string(status), total.Seconds())
	if status != domain.StatusCompleted {
		span.SetStatus(codes.Error, string(status))
	}

	e.runHooks(ctx, plan, pc)

	summary := buildSummary(cfg.Name, status, tracker, pc, total)
	result = &domain.PipelineResult{
		Success: status == domain.StatusCompleted,
		Context: pc,
		Output:  buildOutput(cfg.Name, pc),
		Summary: summary,
	}

	logger.Info("pipeline execution finished",
		slog.String("status", string(status)),
		slog.Int("completed", summary.StepsCompleted),
		slog.Int("failed", summary.StepsFailed),
		slog.Int("skipped", summary.StepsSkipped),
		slog.Duration("elapsed", total))
	return result, nil
}

// runSequential executes the plan one step at a time. Step N's output is
// recorded before the index advances, so it is visible to step N+1's
// condition and to every dependent step. Cancellation is cooperative and
// checked between steps only.
func (e *Engine) runSequential(ctx context.Context, cfg *domain.PipelineConfig, plan *executionPlan, pc *domain.PipelineContext, tracker *stepTracker, tracer trace.Tracer) runOutcome {
	total := len(plan.order)
	for i, spec := range plan.order {
		if ctx.Err() != nil {
			tracker.markRemainingSkipped()
			return runCancelled
		}

		pc.State.Advance(i)
		e.notifyProgress(spec.Name, i, total)

		if !plan.conditions[spec.Name].open(ctx, pc, e.logger) {
			e.logger.Debug("condition not met, skipping step", slog.String("step", spec.Name))
			tracker.mark(spec.Name, stepSkipped)
			e.metrics.RecordStep(cfg.Name, spec.Name, "skipped", 0)
			continue
		}

		result := e.executeStep(ctx, spec, plan, pc, tracer)
		if !e.foldResult(ctx, cfg, plan, spec, result, pc, tracker) {
			tracker.markRemainingSkipped()
			return runHalted
		}
	}
	return runCompleted
}

// executeStep wraps one executor invocation in a span.
func (e *Engine) executeStep(ctx context.Context, spec domain.StepSpec, plan *executionPlan, pc *domain.PipelineContext, tracer trace.Tracer) domain.StepResult {
	stepCtx, stepSpan := tracer.Start(ctx, "pipeline.step", trace.WithAttributes(
		attribute.String("step.name", spec.Name),
		attribute.String("step.type", spec.Type),
	))
	defer stepSpan.End()

	result := e.executor.Run(stepCtx, spec, pc, plan.defaultTimeout)
	stepSpan.SetAttributes(
		attribute.Bool("step.success", result.Success),
		attribute.Int64("step.duration_ms", result.Elapsed.Milliseconds()),
	)
	if result.Error != nil {
		stepSpan.RecordError(result.Error)
		stepSpan.SetStatus(codes.Error, result.Error.Message)
	}
	return result
}

// foldResult records a step's outcome into the context, routing failures
// through the recovery handler. Returns false when the pipeline must stop.
func (e *Engine) foldResult(ctx context.Context, cfg *domain.PipelineConfig, plan *executionPlan, spec domain.StepSpec, result domain.StepResult, pc *domain.PipelineContext, tracker *stepTracker) bool {
	retries := 0
	if !result.Success {
		decision := e.recovery.Handle(ctx, spec, result, cfg, pc, plan.defaultTimeout)
		result = decision.result
		retries = decision.retries

		if !result.Success {
			tracker.mark(spec.Name, stepFailed)
			outcome := "failed"
			if result.Error != nil && result.Error.Kind == domain.ErrorKindTimeout {
				outcome = "timeout"
			}
			e.metrics.RecordStep(cfg.Name, spec.Name, outcome, result.Elapsed.Seconds())
			e.metrics.RecordRetries(cfg.Name, spec.Name, retries)
			e.recordStepTelemetry(ctx, cfg, pc, spec, outcome, result.Elapsed, retries)
			return decision.continuePipeline
		}
	}

	if err := pc.Results.Set(spec.Name, result.Output); err != nil {
		// Should be impossible: each step folds exactly once.
		pc.AddError(domain.PipelineError{
			Step:      spec.Name,
			Kind:      domain.ErrorKindPipelineExecution,
			Message:   err.Error(),
			Timestamp: time.Now(),
		})
		tracker.mark(spec.Name, stepFailed)
		return false
	}

	pc.Metrics.RecordStepTime(spec.Name, result.Elapsed)
	pc.Metrics.FoldStepUsage(result.Usage)
	for _, warning := range result.Warnings {
		pc.AddWarning(fmt.Sprintf("step %q: %s", spec.Name, warning))
	}

	tracker.mark(spec.Name, stepCompleted)
	e.metrics.RecordStep(cfg.Name, spec.Name, "completed", result.Elapsed.Seconds())
	e.metrics.RecordRetries(cfg.Name, spec.Name, retries)
	e.recordStepTelemetry(ctx, cfg, pc, spec, "completed", result.Elapsed, retries)
	return true
}

func (e *Engine) recordStepTelemetry(ctx context.Context, cfg *domain.PipelineConfig, pc *domain.PipelineContext, spec domain.StepSpec, outcome string, elapsed time.Duration, retries int) {
	telemetry.RecordStepMetrics(ctx, telemetry.StepMetrics{
		Pipeline:    cfg.Name,
		ExecutionID: pc.ExecutionID,
		Step:        spec.Name,
		StepType:    spec.Type,
		Outcome:     outcome,
		Duration:    elapsed,
		Retries:     retries,
	})
}

func (e *Engine) notifyProgress(stepName string, index, total int) {
	if e.progress == nil {
		return
	}
	percent := 0.0
	if total > 0 {
		percent = float64(index) / float64(total) * 100
	}
	e.progress(ProgressEvent{
		StepLabel:       stepName,
		PercentComplete: percent,
		Detail:          fmt.Sprintf("step %d of %d", index+1, total),
	})
}

// runHooks executes condition-gated hooks after the steps finish. Hook
// failures degrade to warnings; hooks never change the pipeline outcome.
func (e *Engine) runHooks(ctx context.Context, plan *executionPlan, pc *domain.PipelineContext) {
	for _, hook := range plan.hooks {
		e.mu.RLock()
		fn, ok := e.hooks[hook.spec.Name]
		e.mu.RUnlock()
		if !ok {
			pc.AddWarning(fmt.Sprintf("hook %q not registered", hook.spec.Name))
			continue
		}
		if !hook.gate.open(ctx, pc, e.logger) {
			continue
		}
		if err := fn(ctx, hook.spec.Params, pc); err != nil {
			pc.AddWarning(fmt.Sprintf("hook %q failed: %v", hook.spec.Name, err))
			e.logger.Warn("hook failed",
				slog.String("hook", hook.spec.Name),
				slog.Any("error", err))
		}
	}
}

func (e *Engine) runCleanups(ctx context.Context) {
	e.mu.RLock()
	cleanups := make([]CleanupFunc, len(e.cleanups))
	copy(cleanups, e.cleanups)
	e.mu.RUnlock()
	for _, fn := range cleanups {
		fn(ctx)
	}
}

// --- Step tracking and summaries ---

type stepStatus int

const (
	stepPending stepStatus = iota
	stepCompleted
	stepFailed
	stepSkipped
)

// stepTracker records the per-step fate of one execution for the summary.
type stepTracker struct {
	order    []string
	statuses map[string]stepStatus
}

func newStepTracker(order []domain.StepSpec) *stepTracker {
	t := &stepTracker{
		order:    make([]string, 0, len(order)),
		statuses: make(map[string]stepStatus, len(order)),
	}
	for _, spec := range order {
		t.order = append(t.order, spec.Name)
		t.statuses[spec.Name] = stepPending
	}
	return t
}

func (t *stepTracker) mark(name string, status stepStatus) {
	t.statuses[name] = status
}

// markRemainingSkipped converts every still-pending step to skipped. Called
// when the pipeline halts or is cancelled so unexecuted steps surface in the
// summary.
func (t *stepTracker) markRemainingSkipped() {
	for name, status := range t.statuses {
		if status == stepPending {
			t.statuses[name] = stepSkipped
		}
	}
}

func (t *stepTracker) counts() (completed, failed, skipped int) {
	for _, status := range t.statuses {
		switch status {
		case stepCompleted:
			completed++
		case stepFailed:
			failed++
		case stepSkipped:
			skipped++
		}
	}
	return completed, failed, skipped
}

func buildSummary(pipeline string, status domain.Status, tracker *stepTracker, pc *domain.PipelineContext, total time.Duration) domain.ExecutionSummary {
	completed, failed, skipped := tracker.counts()
	start, end := pc.State.Times()
	return domain.ExecutionSummary{
		Pipeline:       pipeline,
		Status:         status,
		StepsTotal:     len(tracker.order),
		StepsCompleted: completed,
		StepsFailed:    failed,
		StepsSkipped:   skipped,
		ErrorCount:     pc.ErrorCount(),
		WarningCount:   len(pc.Warnings()),
		TotalTime:      total,
		StartTime:      start,
		EndTime:        end,
	}
}

// buildOutput combines all step outputs, metrics, warnings and errors into
// the final structured artifact, preserving execution order.
func buildOutput(pipeline string, pc *domain.PipelineContext) *domain.PipelineOutput {
	names := pc.Results.Names()
	steps := make([]domain.StepOutput, 0, len(names))
	for _, name := range names {
		output, _ := pc.Results.Get(name)
		steps = append(steps, domain.StepOutput{Name: name, Output: output})
	}
	return &domain.PipelineOutput{
		Pipeline:    pipeline,
		ExecutionID: pc.ExecutionID,
		Steps:       steps,
		Metrics:     pc.Metrics.Snapshot(),
		Errors:      pc.Errors(),
		Warnings:    pc.Warnings(),
		GeneratedAt: time.Now(),
	}
}
