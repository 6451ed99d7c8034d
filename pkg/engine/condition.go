package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/procflow/procflow/pkg/domain"
	"github.com/procflow/procflow/pkg/engine/expr"
)

// conditionEvalTimeout bounds a single condition evaluation.
const conditionEvalTimeout = 50 * time.Millisecond

// conditionGate is a compiled condition attached to a step or hook.
//
// Conditions are permissive unless proven false: an expression that fails to
// compile, or whose evaluation errors (unknown identifier, type mismatch),
// gates its step OPEN and records a warning. This fail-open behaviour is a
// deliberate policy, not dropped error handling.
type conditionGate struct {
	program *expr.Program // nil means the gate is always open
	source  string
}

// compileGate compiles a condition expression once, at plan-build time. A
// malformed expression yields an always-open gate plus a warning message.
func compileGate(owner, raw string) (*conditionGate, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, ""
	}
	program, err := expr.Compile(raw)
	if err != nil {
		return &conditionGate{source: raw},
			fmt.Sprintf("condition on %q failed to compile, evaluating as true: %v", owner, err)
	}
	return &conditionGate{program: program, source: raw}, ""
}

// open evaluates the gate against the execution context.
func (g *conditionGate) open(ctx context.Context, pc *domain.PipelineContext, logger *slog.Logger) bool {
	if g == nil || g.program == nil {
		return true
	}

	evalCtx, cancel := context.WithTimeout(ctx, conditionEvalTimeout)
	defer cancel()

	matched, err := g.program.Eval(evalCtx, contextLookup(pc))
	if err != nil {
		pc.AddWarning(fmt.Sprintf("condition %q failed open: %v", g.source, err))
		logger.Warn("condition failed open",
			slog.String("condition", g.source),
			slog.Any("error", err))
		return true
	}
	return matched
}

// contextLookup exposes pipeline state to condition expressions.
//
// Supported paths:
//
//	results.<step>            whole output of a completed step
//	results.<step>.<prop>...  property traversal into map outputs
//	filename, contentType     input artifact scalar fields
//	input.filename, input.content_type, input.size, input.id
//	errors.count, warnings.count
//	execution.id, pipeline.step_count
func contextLookup(pc *domain.PipelineContext) expr.LookupFunc {
	return func(path string) (any, bool) {
		if path == "" || pc == nil {
			return nil, false
		}

		if rest, ok := strings.CutPrefix(path, "results."); ok {
			return lookupResult(pc.Results, rest)
		}

		switch path {
		case "filename", "input.filename":
			if pc.Input != nil {
				return pc.Input.Filename, true
			}
		case "contentType", "input.content_type":
			if pc.Input != nil {
				return pc.Input.ContentType, true
			}
		case "input.size":
			if pc.Input != nil {
				return pc.Input.Size, true
			}
		case "input.id":
			if pc.Input != nil {
				return pc.Input.ID, true
			}
		case "errors.count":
			return pc.ErrorCount(), true
		case "warnings.count":
			return len(pc.Warnings()), true
		case "execution.id":
			return pc.ExecutionID, true
		case "pipeline.step_count":
			_, total := pc.State.Progress()
			return total, true
		}
		return nil, false
	}
}

// lookupResult resolves "<step>" or "<step>.<prop>..." against the result set.
// Step names may themselves contain dots, so the longest recorded prefix wins.
func lookupResult(results *domain.ResultSet, path string) (any, bool) {
	if output, ok := results.Get(path); ok {
		return output, true
	}

	segments := strings.Split(path, ".")
	for cut := len(segments) - 1; cut > 0; cut-- {
		name := strings.Join(segments[:cut], ".")
		output, ok := results.Get(name)
		if !ok {
			continue
		}
		return traverse(output, segments[cut:])
	}
	return nil, false
}

func traverse(value any, props []string) (any, bool) {
	for _, prop := range props {
		m, ok := value.(map[string]any)
		if !ok {
			return nil, false
		}
		value, ok = m[prop]
		if !ok {
			return nil, false
		}
	}
	return value, true
}
