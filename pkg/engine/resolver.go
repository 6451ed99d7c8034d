package engine

import (
	"fmt"
	"time"

	"github.com/procflow/procflow/pkg/domain"
)

// DefaultStepTimeout bounds a step whose spec carries no timeout of its own
// and whose pipeline settings provide none either.
const DefaultStepTimeout = 5 * time.Minute

// executionPlan is the validated, ordered form of a pipeline config, built
// once per Execute call. Conditions are compiled here so evaluation never
// re-parses expressions.
type executionPlan struct {
	order          []domain.StepSpec
	levels         [][]domain.StepSpec
	conditions     map[string]*conditionGate
	hooks          []plannedHook
	warnings       []string
	defaultTimeout time.Duration
}

type plannedHook struct {
	spec domain.HookSpec
	gate *conditionGate
}

// resolve validates a config and produces its execution plan. Validation
// aggregates every problem found rather than failing on the first, so callers
// see the full picture at once. Graph errors (cycles) surface from the
// topological sort.
func (e *Engine) resolve(cfg *domain.PipelineConfig) (*executionPlan, error) {
	problems := e.validateConfig(cfg)
	if len(problems) > 0 {
		return nil, &domain.ValidationError{Pipeline: cfg.Name, Problems: problems}
	}

	order, err := resolveOrder(cfg.Steps, e.effectiveDependencies)
	if err != nil {
		return nil, err
	}

	plan := &executionPlan{
		order:          order,
		conditions:     make(map[string]*conditionGate, len(order)),
		defaultTimeout: e.defaultTimeout(cfg),
	}

	for _, spec := range order {
		gate, warning := compileGate(spec.Name, spec.Condition)
		if warning != "" {
			plan.warnings = append(plan.warnings, warning)
		}
		plan.conditions[spec.Name] = gate
	}
	for _, hook := range cfg.Hooks {
		gate, warning := compileGate(hook.Name, hook.Condition)
		if warning != "" {
			plan.warnings = append(plan.warnings, warning)
		}
		plan.hooks = append(plan.hooks, plannedHook{spec: hook, gate: gate})
	}

	if cfg.Settings.Parallel {
		plan.levels = dependencyLevels(order, e.effectiveDependencies)
	}

	return plan, nil
}

// validateConfig aggregates every configuration problem.
func (e *Engine) validateConfig(cfg *domain.PipelineConfig) []string {
	var problems []string

	if cfg.Name == "" {
		problems = append(problems, "pipeline name is required")
	}
	if len(cfg.Steps) == 0 {
		problems = append(problems, "pipeline requires at least one step")
	}

	names := make(map[string]bool, len(cfg.Steps))
	for i, spec := range cfg.Steps {
		if spec.Name == "" {
			problems = append(problems, fmt.Sprintf("step[%d]: name is required", i))
			continue
		}
		if names[spec.Name] {
			problems = append(problems, fmt.Sprintf("duplicate step name %q", spec.Name))
		}
		names[spec.Name] = true
	}

	for _, spec := range cfg.Steps {
		if spec.Name == "" {
			continue
		}

		proc, registered := e.registry.Lookup(spec.Type)
		if !registered {
			problems = append(problems, fmt.Sprintf("step %q: unknown step type %q", spec.Name, spec.Type))
		} else if valid, errs := proc.ValidateConfig(spec); !valid {
			for _, err := range errs {
				problems = append(problems, fmt.Sprintf("step %q: %v", spec.Name, err))
			}
		}

		if !spec.OnError.Strategy.Valid() {
			problems = append(problems, fmt.Sprintf("step %q: unknown error strategy %q", spec.Name, spec.OnError.Strategy))
		}
		if spec.OnError.EffectiveStrategy() == domain.StrategyRetry && spec.OnError.MaxRetries < 0 {
			problems = append(problems, fmt.Sprintf("step %q: maxRetries must not be negative", spec.Name))
		}
		if fb := spec.OnError.FallbackStep; fb != "" && !names[fb] {
			problems = append(problems, fmt.Sprintf("step %q: fallback step %q not defined", spec.Name, fb))
		}

		for _, dep := range spec.DependsOn {
			if !names[dep] {
				problems = append(problems, fmt.Sprintf("missing dependency: %s (required by step %q)", dep, spec.Name))
			}
		}
	}

	return problems
}

// effectiveDependencies returns the declared dependencies, or the processor's
// implicit ones when the author specified none.
func (e *Engine) effectiveDependencies(spec domain.StepSpec) []string {
	if len(spec.DependsOn) > 0 {
		return spec.DependsOn
	}
	if proc, ok := e.registry.Lookup(spec.Type); ok {
		return proc.Dependencies(spec)
	}
	return nil
}

// resolveOrder computes a valid execution order via depth-first post-order
// traversal with visiting/visited marker sets. Dependencies are visited in
// declared order, so the output is deterministic for a given input order.
// A step re-encountered while still "visiting" is a cycle; a dependency name
// absent from the step list is a missing dependency. Revisiting an already
// "visited" step is a no-op, so diamond-shaped graphs resolve fine. On any
// error no partial ordering is returned.
func resolveOrder(steps []domain.StepSpec, deps func(domain.StepSpec) []string) ([]domain.StepSpec, error) {
	index := make(map[string]int, len(steps))
	for i, spec := range steps {
		index[spec.Name] = i
	}

	visited := make(map[string]bool, len(steps))
	visiting := make(map[string]bool, len(steps))
	order := make([]domain.StepSpec, 0, len(steps))

	var visit func(name string) error
	visit = func(name string) error {
		if visited[name] {
			return nil
		}
		if visiting[name] {
			return fmt.Errorf("%w: step %q", domain.ErrDependencyCycle, name)
		}
		visiting[name] = true

		spec := steps[index[name]]
		for _, dep := range deps(spec) {
			if _, known := index[dep]; !known {
				return fmt.Errorf("%w: %s (required by step %q)", domain.ErrMissingDependency, dep, name)
			}
			if err := visit(dep); err != nil {
				return err
			}
		}

		visiting[name] = false
		visited[name] = true
		order = append(order, spec)
		return nil
	}

	for _, spec := range steps {
		if err := visit(spec.Name); err != nil {
			return nil, err
		}
	}
	return order, nil
}

// dependencyLevels groups a resolved order into waves whose members have no
// ordering constraint between them. Used only by the opt-in parallel mode.
func dependencyLevels(order []domain.StepSpec, deps func(domain.StepSpec) []string) [][]domain.StepSpec {
	depth := make(map[string]int, len(order))
	var levels [][]domain.StepSpec

	for _, spec := range order {
		d := 0
		for _, dep := range deps(spec) {
			if depDepth, ok := depth[dep]; ok && depDepth+1 > d {
				d = depDepth + 1
			}
		}
		depth[spec.Name] = d
		for len(levels) <= d {
			levels = append(levels, nil)
		}
		levels[d] = append(levels[d], spec)
	}
	return levels
}

// defaultTimeout resolves the fallback timeout for steps without their own.
func (e *Engine) defaultTimeout(cfg *domain.PipelineConfig) time.Duration {
	if cfg.Settings.Timeout > 0 {
		return cfg.Settings.Timeout
	}
	return DefaultStepTimeout
}
