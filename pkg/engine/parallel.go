package engine

import (
	"context"
	"log/slog"

	"github.com/procflow/procflow/pkg/domain"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

// runParallel executes the plan level by level: steps in the same dependency
// level share no ancestry and run concurrently, levels run in order. The
// sequential semantics are preserved at the boundaries: conditions are
// evaluated in declared order before a level launches, and results fold into
// the context in declared order after the whole level returns, so the result
// set stays deterministically ordered and visible to the next level.
func (e *Engine) runParallel(ctx context.Context, cfg *domain.PipelineConfig, plan *executionPlan, pc *domain.PipelineContext, tracker *stepTracker, tracer trace.Tracer) runOutcome {
	total := len(plan.order)
	executed := 0
	for _, level := range plan.levels {
		if ctx.Err() != nil {
			tracker.markRemainingSkipped()
			return runCancelled
		}

		runnable := make([]domain.StepSpec, 0, len(level))
		for _, spec := range level {
			pc.State.Advance(executed)
			e.notifyProgress(spec.Name, executed, total)
			executed++

			if !plan.conditions[spec.Name].open(ctx, pc, e.logger) {
				e.logger.Debug("condition not met, skipping step", slog.String("step", spec.Name))
				tracker.mark(spec.Name, stepSkipped)
				e.metrics.RecordStep(cfg.Name, spec.Name, "skipped", 0)
				continue
			}
			runnable = append(runnable, spec)
		}
		if len(runnable) == 0 {
			continue
		}

		results := make([]domain.StepResult, len(runnable))
		group, groupCtx := errgroup.WithContext(ctx)
		for i, spec := range runnable {
			group.Go(func() error {
				results[i] = e.executeStep(groupCtx, spec, plan, pc, tracer)
				return nil
			})
		}
		// Workers report failures through their result, never an error, so
		// Wait is a pure barrier here.
		_ = group.Wait()

		for i, spec := range runnable {
			if !e.foldResult(ctx, cfg, plan, spec, results[i], pc, tracker) {
				tracker.markRemainingSkipped()
				return runHalted
			}
		}
	}
	return runCompleted
}
