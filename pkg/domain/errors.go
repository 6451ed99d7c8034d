package domain

import (
	"errors"
	"fmt"
	"time"
)

// Common domain errors
var (
	ErrConfigInvalid        = errors.New("invalid pipeline configuration")
	ErrDependencyCycle      = errors.New("dependency cycle detected")
	ErrMissingDependency    = errors.New("missing dependency")
	ErrStepNotRegistered    = errors.New("step type not registered")
	ErrStepTimeout          = errors.New("step timeout exceeded")
	ErrResultExists         = errors.New("step result already recorded")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrExecutionCancelled   = errors.New("pipeline execution cancelled")
	ErrFallbackUnresolvable = errors.New("fallback step unresolvable")
)

// ErrorKind classifies a PipelineError per the engine's error taxonomy.
type ErrorKind string

const (
	ErrorKindValidation        ErrorKind = "validation_error"
	ErrorKindCycle             ErrorKind = "cycle_error"
	ErrorKindMissingDependency ErrorKind = "missing_dependency_error"
	ErrorKindTimeout           ErrorKind = "timeout_error"
	ErrorKindStepExecution     ErrorKind = "step_execution_error"
	ErrorKindPipelineExecution ErrorKind = "pipeline_execution_error"
)

// PipelineError is the structured error record accumulated on the context.
// Fatal setup errors (validation, graph) are returned from Execute directly;
// per-step errors are recorded here and routed through the recovery policy.
type PipelineError struct {
	Step        string    `json:"step,omitempty"`
	Kind        ErrorKind `json:"kind"`
	Message     string    `json:"message"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
	Recoverable bool      `json:"recoverable"`
}

func (e *PipelineError) Error() string {
	if e.Step != "" {
		return fmt.Sprintf("%s: step %q: %s", e.Kind, e.Step, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// NewStepError builds a step_execution_error from an underlying error,
// preserving the original message.
func NewStepError(step string, err error, recoverable bool) *PipelineError {
	return &PipelineError{
		Step:        step,
		Kind:        ErrorKindStepExecution,
		Message:     err.Error(),
		Timestamp:   time.Now(),
		Recoverable: recoverable,
	}
}

// NewTimeoutError builds a timeout_error for a step that exceeded its deadline.
func NewTimeoutError(step string, timeout time.Duration, recoverable bool) *PipelineError {
	return &PipelineError{
		Step:        step,
		Kind:        ErrorKindTimeout,
		Message:     fmt.Sprintf("step %q exceeded %s timeout", step, timeout),
		Timestamp:   time.Now(),
		Recoverable: recoverable,
	}
}

// ValidationError aggregates every problem found while validating a config so
// callers see all issues at once rather than the first.
type ValidationError struct {
	Pipeline string
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("pipeline %q validation failed: %d problem(s): %v", e.Pipeline, len(e.Problems), e.Problems)
}

func (e *ValidationError) Unwrap() error { return ErrConfigInvalid }
