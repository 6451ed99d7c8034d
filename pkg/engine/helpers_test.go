package engine

import (
	"context"
	"io"
	"log/slog"
	"time"

	"github.com/procflow/procflow/internal/governance"
	"github.com/procflow/procflow/pkg/domain"
)

// fakeStep is a configurable StepProcessor for tests.
type fakeStep struct {
	process  func(ctx context.Context, spec domain.StepSpec, pc *domain.PipelineContext) (domain.StepResult, error)
	validate func(spec domain.StepSpec) (bool, []error)
	deps     func(spec domain.StepSpec) []string
}

func (f *fakeStep) Process(ctx context.Context, spec domain.StepSpec, pc *domain.PipelineContext) (domain.StepResult, error) {
	if f.process == nil {
		return domain.StepResult{Success: true, Output: spec.Name + "-output"}, nil
	}
	return f.process(ctx, spec, pc)
}

func (f *fakeStep) ValidateConfig(spec domain.StepSpec) (bool, []error) {
	if f.validate == nil {
		return true, nil
	}
	return f.validate(spec)
}

func (f *fakeStep) Dependencies(spec domain.StepSpec) []string {
	if f.deps == nil {
		return nil
	}
	return f.deps(spec)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestEngine builds an engine with a quiet logger, a near-zero backoff so
// retry tests stay fast, and the given processors registered under their
// map keys.
func newTestEngine(processors map[string]domain.StepProcessor) *Engine {
	registry := NewRegistry()
	for stepType, proc := range processors {
		registry.Register(stepType, proc)
	}
	backoff := governance.BackoffConfig{
		InitialDelay: time.Millisecond,
		MaxDelay:     2 * time.Millisecond,
		Multiplier:   2,
		Jitter:       false,
	}
	return NewEngine(EngineConfig{
		Registry: registry,
		Logger:   testLogger(),
		Backoff:  &backoff,
	})
}

func step(name, stepType string, deps ...string) domain.StepSpec {
	return domain.StepSpec{Name: name, Type: stepType, DependsOn: deps}
}
