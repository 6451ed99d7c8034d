package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/procflow/procflow/pkg/domain"
)

// RegisterBuiltins installs the step types that ship with the engine:
// passthrough, static and checksum. They are small by design; real
// deployments register their own processors next to these.
func RegisterBuiltins(r *Registry) {
	r.Register("passthrough", &PassthroughStep{})
	r.Register("static", &StaticStep{})
	r.Register("checksum", &ChecksumStep{})
}

// PassthroughStep forwards a named prior result, or the input artifact's
// payload when no source is configured. Useful for renaming outputs and for
// wiring fallback chains.
type PassthroughStep struct{}

func (s *PassthroughStep) Process(_ context.Context, spec domain.StepSpec, pc *domain.PipelineContext) (domain.StepResult, error) {
	if source, ok := spec.Params["source"].(string); ok && source != "" {
		output, found := pc.Results.Get(source)
		if !found {
			return domain.StepResult{}, fmt.Errorf("no result recorded for step %q", source)
		}
		return domain.StepResult{Success: true, Output: output}, nil
	}
	if pc.Input == nil {
		return domain.StepResult{Success: true, Output: nil}, nil
	}
	return domain.StepResult{Success: true, Output: pc.Input.Payload}, nil
}

func (s *PassthroughStep) ValidateConfig(spec domain.StepSpec) (bool, []error) {
	if raw, ok := spec.Params["source"]; ok {
		if _, isString := raw.(string); !isString {
			return false, []error{fmt.Errorf("param %q must be a string", "source")}
		}
	}
	return true, nil
}

func (s *PassthroughStep) Dependencies(spec domain.StepSpec) []string {
	if source, ok := spec.Params["source"].(string); ok && source != "" {
		return []string{source}
	}
	return nil
}

// StaticStep emits the configured value verbatim. Handy as a stand-in during
// pipeline development and as a fixed fallback target.
type StaticStep struct{}

func (s *StaticStep) Process(_ context.Context, spec domain.StepSpec, _ *domain.PipelineContext) (domain.StepResult, error) {
	return domain.StepResult{Success: true, Output: spec.Params["value"]}, nil
}

func (s *StaticStep) ValidateConfig(spec domain.StepSpec) (bool, []error) {
	if _, ok := spec.Params["value"]; !ok {
		return false, []error{fmt.Errorf("param %q is required", "value")}
	}
	return true, nil
}

func (s *StaticStep) Dependencies(domain.StepSpec) []string { return nil }

// ChecksumStep computes the SHA-256 digest of the input artifact's payload,
// or of a prior step's output when it is a byte slice or string.
type ChecksumStep struct{}

func (s *ChecksumStep) Process(_ context.Context, spec domain.StepSpec, pc *domain.PipelineContext) (domain.StepResult, error) {
	payload, err := s.payload(spec, pc)
	if err != nil {
		return domain.StepResult{}, err
	}
	sum := sha256.Sum256(payload)
	return domain.StepResult{
		Success: true,
		Output: map[string]any{
			"algorithm": "sha256",
			"digest":    hex.EncodeToString(sum[:]),
			"size":      len(payload),
		},
	}, nil
}

func (s *ChecksumStep) payload(spec domain.StepSpec, pc *domain.PipelineContext) ([]byte, error) {
	if source, ok := spec.Params["source"].(string); ok && source != "" {
		output, found := pc.Results.Get(source)
		if !found {
			return nil, fmt.Errorf("no result recorded for step %q", source)
		}
		switch v := output.(type) {
		case []byte:
			return v, nil
		case string:
			return []byte(v), nil
		default:
			return nil, fmt.Errorf("result of step %q is not hashable (%T)", source, output)
		}
	}
	if pc.Input == nil {
		return nil, fmt.Errorf("no input artifact to hash")
	}
	return pc.Input.Payload, nil
}

func (s *ChecksumStep) ValidateConfig(spec domain.StepSpec) (bool, []error) {
	if raw, ok := spec.Params["source"]; ok {
		if _, isString := raw.(string); !isString {
			return false, []error{fmt.Errorf("param %q must be a string", "source")}
		}
	}
	return true, nil
}

func (s *ChecksumStep) Dependencies(spec domain.StepSpec) []string {
	if source, ok := spec.Params["source"].(string); ok && source != "" {
		return []string{source}
	}
	return nil
}
