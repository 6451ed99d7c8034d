package engine

import (
	"context"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/pkg/domain"
)

func newRecovery(processors map[string]domain.StepProcessor) *recoveryHandler {
	executor := newExecutor(processors)
	return &recoveryHandler{
		executor: executor,
		backoff: governance.NewBackoffPolicy(governance.BackoffConfig{
			InitialDelay: time.Millisecond,
			MaxDelay:     2 * time.Millisecond,
			Multiplier:   2,
		}),
		logger: testLogger(),
	}
}

func failedResult(stepName string) domain.StepResult {
	return domain.StepResult{
		Success: false,
		Error:   domain.NewStepError(stepName, fmt.Errorf("boom"), true),
	}
}

func TestRecovery_FailHaltsPipeline(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{Name: "a", Type: "work", OnError: domain.ErrorPolicy{Strategy: domain.StrategyFail}}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if decision.continuePipeline {
		t.Fatalf("fail strategy must halt the pipeline")
	}
	if pc.ErrorCount() != 1 {
		t.Fatalf("failure must be recorded, got %d errors", pc.ErrorCount())
	}
}

func TestRecovery_EmptyStrategyMeansFail(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := step("a", "work")

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if decision.continuePipeline {
		t.Fatalf("unset strategy must behave as fail")
	}
}

func TestRecovery_SkipContinues(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{Name: "a", Type: "work", OnError: domain.ErrorPolicy{Strategy: domain.StrategySkip}}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if !decision.continuePipeline {
		t.Fatalf("skip strategy must continue the pipeline")
	}
	if decision.result.Success {
		t.Fatalf("skipped step must not report success")
	}
	if pc.ErrorCount() != 1 {
		t.Fatalf("skipped failure must still be recorded")
	}
}

func TestRecovery_RetrySucceedsMidway(t *testing.T) {
	var calls atomic.Int32
	h := newRecovery(map[string]domain.StepProcessor{
		"flaky": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				if calls.Add(1) < 2 {
					return domain.StepResult{}, fmt.Errorf("transient")
				}
				return domain.StepResult{Success: true, Output: "recovered"}, nil
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{
		Name: "a", Type: "flaky",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyRetry, MaxRetries: 3},
	}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if !decision.continuePipeline || !decision.result.Success {
		t.Fatalf("expected recovery via retry, got %+v", decision)
	}
	if decision.result.Output != "recovered" {
		t.Fatalf("unexpected output: %v", decision.result.Output)
	}
	if decision.retries != 2 {
		t.Fatalf("expected 2 re-invocations, got %d", decision.retries)
	}
}

func TestRecovery_RetriesExhausted(t *testing.T) {
	var calls atomic.Int32
	h := newRecovery(map[string]domain.StepProcessor{
		"dead": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				calls.Add(1)
				return domain.StepResult{}, fmt.Errorf("still down")
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{
		Name: "a", Type: "dead",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyRetry, MaxRetries: 3},
	}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if decision.continuePipeline {
		t.Fatalf("exhausted retries without ContinueOnError must halt")
	}
	if got := calls.Load(); got != 3 {
		t.Fatalf("expected exactly 3 retry invocations, got %d", got)
	}
	// Original failure plus one error per failed retry.
	if pc.ErrorCount() != 4 {
		t.Fatalf("expected 4 recorded errors, got %d", pc.ErrorCount())
	}
	recorded := pc.Errors()
	if got := recorded[len(recorded)-1].Detail; got != governance.ErrMaxRetriesExceeded.Error() {
		t.Fatalf("final retry record must mark exhaustion, got detail %q", got)
	}
	for _, e := range recorded[:len(recorded)-1] {
		if e.Detail == governance.ErrMaxRetriesExceeded.Error() {
			t.Fatalf("only the final record may carry the exhaustion marker")
		}
	}

	// ContinueOnError lets the pipeline proceed past the exhausted step.
	spec.OnError.ContinueOnError = true
	pc2 := domain.NewPipelineContext("y", nil, 1)
	decision = h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc2, time.Second)
	if !decision.continuePipeline {
		t.Fatalf("ContinueOnError must let the pipeline proceed")
	}
	if decision.result.Success {
		t.Fatalf("the step itself still failed")
	}
}

func TestRecovery_RetryCountersPerInvocation(t *testing.T) {
	// Two consecutive Handle calls for the same spec must each get the full
	// retry budget: attempt counters live in the call, not in the spec.
	var calls atomic.Int32
	h := newRecovery(map[string]domain.StepProcessor{
		"dead": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				calls.Add(1)
				return domain.StepResult{}, fmt.Errorf("still down")
			},
		},
	})
	spec := domain.StepSpec{
		Name: "a", Type: "dead",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyRetry, MaxRetries: 2, ContinueOnError: true},
	}
	cfg := pipelineOf(spec)

	for run := 0; run < 2; run++ {
		pc := domain.NewPipelineContext(fmt.Sprintf("run-%d", run), nil, 1)
		decision := h.Handle(context.Background(), spec, failedResult("a"), cfg, pc, time.Second)
		if decision.retries != 2 {
			t.Fatalf("run %d: expected full retry budget, got %d", run, decision.retries)
		}
	}
	if got := calls.Load(); got != 4 {
		t.Fatalf("expected 4 total invocations across runs, got %d", got)
	}
}

func TestRecovery_FallbackReusesRecordedOutput(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 2)
	if err := pc.Results.Set("cached", "cached-output"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	spec := domain.StepSpec{
		Name: "a", Type: "work",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyFallback, FallbackStep: "cached"},
	}
	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if !decision.continuePipeline || !decision.result.Success {
		t.Fatalf("expected fallback substitution, got %+v", decision)
	}
	if decision.result.Output != "cached-output" {
		t.Fatalf("expected the recorded fallback output, got %v", decision.result.Output)
	}
	if len(decision.result.Warnings) == 0 {
		t.Fatalf("substitution must carry a warning")
	}
	// The fallback's own result entry stays untouched.
	if v, _ := pc.Results.Get("cached"); v != "cached-output" {
		t.Fatalf("fallback result mutated: %v", v)
	}
}

func TestRecovery_FallbackRunsOnDemand(t *testing.T) {
	h := newRecovery(map[string]domain.StepProcessor{
		"backup": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				return domain.StepResult{Success: true, Output: "backup-output"}, nil
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 2)
	fallbackSpec := step("plan-b", "backup")
	spec := domain.StepSpec{
		Name: "a", Type: "work",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyFallback, FallbackStep: "plan-b"},
	}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec, fallbackSpec), pc, time.Second)
	if !decision.continuePipeline || !decision.result.Success {
		t.Fatalf("expected on-demand fallback, got %+v", decision)
	}
	if decision.result.Output != "backup-output" {
		t.Fatalf("unexpected output: %v", decision.result.Output)
	}
	// The on-demand run substitutes for the failed step; it is not recorded
	// under the fallback's own name.
	if pc.Results.Has("plan-b") {
		t.Fatalf("on-demand fallback must not claim its own result slot")
	}
}

func TestRecovery_FallbackUnresolvable(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{
		Name: "a", Type: "work",
		OnError: domain.ErrorPolicy{Strategy: domain.StrategyFallback, FallbackStep: "ghost"},
	}

	decision := h.Handle(context.Background(), spec, failedResult("a"), pipelineOf(spec), pc, time.Second)
	if decision.continuePipeline {
		t.Fatalf("unresolvable fallback without ContinueOnError must halt")
	}
	if len(pc.Warnings()) == 0 {
		t.Fatalf("unresolvable fallback must be surfaced as a warning")
	}
}

func TestRecovery_ValidationErrorBypassesStrategy(t *testing.T) {
	h := newRecovery(nil)
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{Name: "a", Type: "work", OnError: domain.ErrorPolicy{Strategy: domain.StrategySkip}}

	failed := domain.StepResult{
		Success: false,
		Error: &domain.PipelineError{
			Step:      "a",
			Kind:      domain.ErrorKindValidation,
			Message:   "no processor registered",
			Timestamp: time.Now(),
		},
	}
	decision := h.Handle(context.Background(), spec, failed, pipelineOf(spec), pc, time.Second)
	if decision.continuePipeline {
		t.Fatalf("configuration errors must halt regardless of strategy")
	}
}
