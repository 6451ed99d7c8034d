package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/procflow/procflow/pkg/domain"
)

// stepExecutor runs one step under timeout enforcement with standardized
// result capture.
type stepExecutor struct {
	registry *Registry
	logger   *slog.Logger
}

type stepOutcome struct {
	result domain.StepResult
	err    error
}

// Run invokes the processor for spec under a timeout race. The configured
// timeout (or defaultTimeout) bounds execution; the deadline is propagated
// into Process through the context, so a cooperative processor stops at
// cancellation, while a non-cooperative one is abandoned and its late result
// discarded. Elapsed wall-clock time is recorded regardless of outcome.
func (x *stepExecutor) Run(ctx context.Context, spec domain.StepSpec, pc *domain.PipelineContext, defaultTimeout time.Duration) domain.StepResult {
	proc, ok := x.registry.Lookup(spec.Type)
	if !ok {
		// Validation should have rejected the config; a miss here is a
		// defensive programming error and never recoverable.
		return domain.StepResult{
			Success: false,
			Error: &domain.PipelineError{
				Step:        spec.Name,
				Kind:        domain.ErrorKindValidation,
				Message:     fmt.Sprintf("no processor registered for step type %q", spec.Type),
				Timestamp:   time.Now(),
				Recoverable: false,
			},
		}
	}

	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	// A timeout is recoverable unless the step's strategy is "fail".
	recoverable := spec.OnError.EffectiveStrategy() != domain.StrategyFail

	stepCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	done := make(chan stepOutcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- stepOutcome{err: fmt.Errorf("step processor panicked: %v", r)}
			}
		}()
		result, err := proc.Process(stepCtx, spec, pc)
		done <- stepOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		result := out.result
		result.Elapsed = time.Since(start)
		if out.err != nil {
			result.Success = false
			if result.Error == nil {
				result.Error = domain.NewStepError(spec.Name, out.err, recoverable)
			}
		} else if !result.Success && result.Error == nil {
			result.Error = domain.NewStepError(spec.Name, fmt.Errorf("step reported failure without detail"), recoverable)
		}
		return result

	case <-stepCtx.Done():
		if ctx.Err() != nil {
			// Parent cancellation, not the step's own deadline. The step
			// may have finished in the same instant; a result delivered
			// within the grace window still counts.
			select {
			case out := <-done:
				result := out.result
				result.Elapsed = time.Since(start)
				if out.err != nil {
					result.Success = false
					if result.Error == nil {
						result.Error = domain.NewStepError(spec.Name, out.err, recoverable)
					}
				}
				return result
			case <-time.After(10 * time.Millisecond):
			}
		}

		elapsed := time.Since(start)
		if ctx.Err() != nil {
			return domain.StepResult{
				Success: false,
				Elapsed: elapsed,
				Error: &domain.PipelineError{
					Step:        spec.Name,
					Kind:        domain.ErrorKindPipelineExecution,
					Message:     fmt.Sprintf("step %q aborted: %v", spec.Name, ctx.Err()),
					Timestamp:   time.Now(),
					Recoverable: false,
				},
			}
		}

		x.logger.Warn("step exceeded timeout",
			slog.String("step", spec.Name),
			slog.Duration("timeout", timeout),
			slog.Duration("elapsed", elapsed))
		return domain.StepResult{
			Success: false,
			Elapsed: elapsed,
			Error:   domain.NewTimeoutError(spec.Name, timeout, recoverable),
		}
	}
}
