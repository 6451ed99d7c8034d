package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/pkg/domain"
)

// recoveryHandler applies a step's configured error-handling strategy after a
// failure. Retry attempt counters are local to each Handle call: the shared
// StepSpec is never mutated, so a PipelineConfig stays safely reusable across
// Execute calls.
type recoveryHandler struct {
	executor *stepExecutor
	backoff  *governance.BackoffPolicy
	logger   *slog.Logger
}

// recoveryDecision is what Handle reports back to the engine loop.
type recoveryDecision struct {
	// result is the authoritative result for the step after recovery: the
	// last retry attempt, or a substituted fallback output.
	result domain.StepResult
	// continuePipeline is false when the pipeline must stop iterating.
	continuePipeline bool
	// retries counts re-invocations performed during recovery.
	retries int
}

// Handle routes a failed step through its strategy. The failure is appended
// to the context's error list before any branching, so the record is never
// lost even when execution continues.
func (h *recoveryHandler) Handle(ctx context.Context, spec domain.StepSpec, failed domain.StepResult, cfg *domain.PipelineConfig, pc *domain.PipelineContext, defaultTimeout time.Duration) recoveryDecision {
	if failed.Error == nil {
		failed.Error = domain.NewStepError(spec.Name, fmt.Errorf("step failed"), spec.OnError.EffectiveStrategy() != domain.StrategyFail)
	}
	pc.AddError(*failed.Error)

	// Configuration-level errors bypass strategies: they should have been
	// caught at validation time and are never recoverable.
	if failed.Error.Kind == domain.ErrorKindValidation {
		h.logger.Error("non-recoverable configuration error",
			slog.String("step", spec.Name),
			slog.String("error", failed.Error.Message))
		return recoveryDecision{result: failed, continuePipeline: false}
	}

	strategy := spec.OnError.EffectiveStrategy()
	switch strategy {
	case domain.StrategyFail:
		h.logger.Error("step failed, stopping pipeline",
			slog.String("step", spec.Name),
			slog.String("error", failed.Error.Message))
		return recoveryDecision{result: failed, continuePipeline: false}

	case domain.StrategySkip:
		h.logger.Warn("step failed, skipping",
			slog.String("step", spec.Name),
			slog.String("error", failed.Error.Message))
		return recoveryDecision{result: failed, continuePipeline: true}

	case domain.StrategyRetry:
		return h.retry(ctx, spec, failed, pc, defaultTimeout)

	case domain.StrategyFallback:
		return h.fallback(ctx, spec, failed, cfg, pc, defaultTimeout)
	}

	// Unreachable: validation rejects unknown strategies.
	return recoveryDecision{result: failed, continuePipeline: false}
}

// retry re-invokes the executor up to MaxRetries times with backoff between
// attempts. Every failed attempt is recorded; once retries are exhausted the
// step's ContinueOnError decides whether the pipeline proceeds.
func (h *recoveryHandler) retry(ctx context.Context, spec domain.StepSpec, failed domain.StepResult, pc *domain.PipelineContext, defaultTimeout time.Duration) recoveryDecision {
	last := failed
	for attempt := 0; attempt < spec.OnError.MaxRetries; attempt++ {
		if err := h.backoff.Wait(ctx, attempt); err != nil {
			return recoveryDecision{result: last, continuePipeline: false, retries: attempt}
		}

		h.logger.Info("retrying step",
			slog.String("step", spec.Name),
			slog.Int("attempt", attempt+1),
			slog.Int("max_retries", spec.OnError.MaxRetries))

		last = h.executor.Run(ctx, spec, pc, defaultTimeout)
		if last.Success {
			return recoveryDecision{result: last, continuePipeline: true, retries: attempt + 1}
		}
		if last.Error != nil {
			// The final attempt's record carries the exhaustion marker.
			if attempt == spec.OnError.MaxRetries-1 {
				last.Error.Detail = governance.ErrMaxRetriesExceeded.Error()
			}
			pc.AddError(*last.Error)
		}
	}

	h.logger.Warn("retries exhausted",
		slog.String("step", spec.Name),
		slog.Int("max_retries", spec.OnError.MaxRetries),
		slog.Bool("continue_on_error", spec.OnError.ContinueOnError))
	return recoveryDecision{
		result:           last,
		continuePipeline: spec.OnError.ContinueOnError,
		retries:          spec.OnError.MaxRetries,
	}
}

// fallback substitutes the fallback step's output for the failed step. The
// fallback's output is reused when already recorded, or produced on demand;
// without a configured fallback (or when the fallback itself fails) the
// step's ContinueOnError decides.
func (h *recoveryHandler) fallback(ctx context.Context, spec domain.StepSpec, failed domain.StepResult, cfg *domain.PipelineConfig, pc *domain.PipelineContext, defaultTimeout time.Duration) recoveryDecision {
	name := spec.OnError.FallbackStep
	if name == "" {
		return recoveryDecision{result: failed, continuePipeline: spec.OnError.ContinueOnError}
	}

	if output, ok := pc.Results.Get(name); ok {
		h.logger.Info("substituting recorded fallback output",
			slog.String("step", spec.Name),
			slog.String("fallback", name))
		return recoveryDecision{
			result: domain.StepResult{
				Success:  true,
				Output:   output,
				Elapsed:  failed.Elapsed,
				Warnings: []string{fmt.Sprintf("output substituted from fallback step %q", name)},
			},
			continuePipeline: true,
		}
	}

	fbSpec, ok := findStep(cfg, name)
	if !ok {
		pc.AddWarning(fmt.Sprintf("step %q: %v: %s", spec.Name, domain.ErrFallbackUnresolvable, name))
		return recoveryDecision{result: failed, continuePipeline: spec.OnError.ContinueOnError}
	}

	h.logger.Info("running fallback step on demand",
		slog.String("step", spec.Name),
		slog.String("fallback", name))
	fbResult := h.executor.Run(ctx, fbSpec, pc, defaultTimeout)
	if !fbResult.Success {
		if fbResult.Error != nil {
			pc.AddError(*fbResult.Error)
		}
		return recoveryDecision{result: failed, continuePipeline: spec.OnError.ContinueOnError, retries: 1}
	}

	return recoveryDecision{
		result: domain.StepResult{
			Success:  true,
			Output:   fbResult.Output,
			Elapsed:  fbResult.Elapsed,
			Usage:    fbResult.Usage,
			Warnings: append(fbResult.Warnings, fmt.Sprintf("output substituted from fallback step %q", name)),
		},
		continuePipeline: true,
		retries:          1,
	}
}

func findStep(cfg *domain.PipelineConfig, name string) (domain.StepSpec, bool) {
	for _, spec := range cfg.Steps {
		if spec.Name == name {
			return spec, true
		}
	}
	return domain.StepSpec{}, false
}
