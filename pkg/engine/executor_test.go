package engine

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/procflow/procflow/pkg/domain"
)

func newExecutor(processors map[string]domain.StepProcessor) *stepExecutor {
	registry := NewRegistry()
	for stepType, proc := range processors {
		registry.Register(stepType, proc)
	}
	return &stepExecutor{registry: registry, logger: testLogger()}
}

func TestExecutor_Success(t *testing.T) {
	x := newExecutor(map[string]domain.StepProcessor{"work": &fakeStep{}})
	pc := domain.NewPipelineContext("x", nil, 1)

	result := x.Run(context.Background(), step("extract", "work"), pc, time.Second)
	if !result.Success {
		t.Fatalf("expected success, got %+v", result)
	}
	if result.Output != "extract-output" {
		t.Fatalf("unexpected output: %v", result.Output)
	}
	if result.Elapsed <= 0 {
		t.Fatalf("elapsed time not recorded")
	}
}

func TestExecutor_TimeoutEnforced(t *testing.T) {
	x := newExecutor(map[string]domain.StepProcessor{
		"slow": &fakeStep{
			process: func(ctx context.Context, _ domain.StepSpec, _ *domain.PipelineContext) (domain.StepResult, error) {
				select {
				case <-time.After(5 * time.Second):
					return domain.StepResult{Success: true}, nil
				case <-ctx.Done():
					return domain.StepResult{}, ctx.Err()
				}
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{Name: "crawl", Type: "slow", Timeout: 50 * time.Millisecond}

	start := time.Now()
	result := x.Run(context.Background(), spec, pc, time.Minute)
	elapsed := time.Since(start)

	if result.Success {
		t.Fatalf("expected timeout failure")
	}
	if result.Error == nil || result.Error.Kind != domain.ErrorKindTimeout {
		t.Fatalf("expected timeout error, got %+v", result.Error)
	}
	if elapsed > spec.Timeout+500*time.Millisecond {
		t.Fatalf("Run returned after %v, expected close to the %v timeout", elapsed, spec.Timeout)
	}
}

func TestExecutor_NonCooperativeStepAbandoned(t *testing.T) {
	release := make(chan struct{})
	x := newExecutor(map[string]domain.StepProcessor{
		"stubborn": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				// Ignores the context entirely.
				<-release
				return domain.StepResult{Success: true}, nil
			},
		},
	})
	defer close(release)

	pc := domain.NewPipelineContext("x", nil, 1)
	spec := domain.StepSpec{Name: "crawl", Type: "stubborn", Timeout: 20 * time.Millisecond}

	result := x.Run(context.Background(), spec, pc, time.Minute)
	if result.Success {
		t.Fatalf("expected timeout failure for non-cooperative step")
	}
	if result.Error == nil || result.Error.Kind != domain.ErrorKindTimeout {
		t.Fatalf("expected timeout error, got %+v", result.Error)
	}
}

func TestExecutor_DefaultTimeoutApplies(t *testing.T) {
	x := newExecutor(map[string]domain.StepProcessor{
		"slow": &fakeStep{
			process: func(ctx context.Context, _ domain.StepSpec, _ *domain.PipelineContext) (domain.StepResult, error) {
				<-ctx.Done()
				return domain.StepResult{}, ctx.Err()
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)

	// No per-step timeout: the supplied default bounds the run.
	result := x.Run(context.Background(), step("crawl", "slow"), pc, 30*time.Millisecond)
	if result.Success || result.Error == nil || result.Error.Kind != domain.ErrorKindTimeout {
		t.Fatalf("expected default-timeout failure, got %+v", result)
	}
}

func TestExecutor_PanicBecomesStepError(t *testing.T) {
	x := newExecutor(map[string]domain.StepProcessor{
		"bomb": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				panic("kaboom")
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)

	result := x.Run(context.Background(), step("transform", "bomb"), pc, time.Second)
	if result.Success {
		t.Fatalf("expected failure after panic")
	}
	if result.Error == nil || result.Error.Kind != domain.ErrorKindStepExecution {
		t.Fatalf("expected step execution error, got %+v", result.Error)
	}
}

func TestExecutor_ErrorReturnNormalized(t *testing.T) {
	x := newExecutor(map[string]domain.StepProcessor{
		"broken": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				return domain.StepResult{}, fmt.Errorf("upstream unavailable")
			},
		},
	})
	pc := domain.NewPipelineContext("x", nil, 1)

	spec := domain.StepSpec{Name: "fetch", Type: "broken", OnError: domain.ErrorPolicy{Strategy: domain.StrategySkip}}
	result := x.Run(context.Background(), spec, pc, time.Second)
	if result.Success || result.Error == nil {
		t.Fatalf("expected normalized error result, got %+v", result)
	}
	if !result.Error.Recoverable {
		t.Fatalf("skip strategy should make the failure recoverable")
	}

	// With the fail strategy the same failure is not recoverable.
	spec.OnError.Strategy = domain.StrategyFail
	result = x.Run(context.Background(), spec, pc, time.Second)
	if result.Error.Recoverable {
		t.Fatalf("fail strategy should make the failure non-recoverable")
	}
}

func TestExecutor_ParentCancellation(t *testing.T) {
	release := make(chan struct{})
	x := newExecutor(map[string]domain.StepProcessor{
		"stubborn": &fakeStep{
			process: func(context.Context, domain.StepSpec, *domain.PipelineContext) (domain.StepResult, error) {
				<-release
				return domain.StepResult{Success: true}, nil
			},
		},
	})
	defer close(release)
	pc := domain.NewPipelineContext("x", nil, 1)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	result := x.Run(ctx, step("crawl", "stubborn"), pc, time.Minute)
	if result.Success {
		t.Fatalf("expected failure on parent cancellation")
	}
	// Distinguished from a step timeout.
	if result.Error == nil || result.Error.Kind != domain.ErrorKindPipelineExecution {
		t.Fatalf("expected pipeline execution error, got %+v", result.Error)
	}
}

func TestExecutor_UnregisteredType(t *testing.T) {
	x := newExecutor(nil)
	pc := domain.NewPipelineContext("x", nil, 1)

	result := x.Run(context.Background(), step("a", "ghost"), pc, time.Second)
	if result.Success || result.Error == nil {
		t.Fatalf("expected failure for unregistered type")
	}
	if result.Error.Kind != domain.ErrorKindValidation || result.Error.Recoverable {
		t.Fatalf("expected non-recoverable validation error, got %+v", result.Error)
	}
}

func TestRegistry_InitializeOnce(t *testing.T) {
	calls := 0
	registry := NewRegistry()
	registry.Register("init", &initStep{calls: &calls})

	for i := 0; i < 3; i++ {
		if err := registry.Initialize(context.Background()); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if calls != 1 {
		t.Fatalf("expected one initialization, got %d", calls)
	}
}

func TestRegistry_InitializeError(t *testing.T) {
	registry := NewRegistry()
	wantErr := errors.New("no credentials")
	registry.Register("init", &initStep{err: wantErr})

	if err := registry.Initialize(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected initialization error, got %v", err)
	}
}

// initStep is a processor implementing the optional Initializer interface.
type initStep struct {
	fakeStep
	calls *int
	err   error
}

func (s *initStep) Initialize(context.Context) error {
	if s.calls != nil {
		*s.calls++
	}
	return s.err
}
