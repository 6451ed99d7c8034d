package domain

import (
	"fmt"
	"sync"
	"time"
)

// Status is the lifecycle state of one pipeline execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// PipelineState tracks the progress of one execution. Transitions are
// monotonic: pending → running → {completed, failed, cancelled}. A config
// that fails validation moves pending → failed without ever running.
type PipelineState struct {
	mu          sync.Mutex
	currentStep int
	totalSteps  int
	status      Status
	startTime   time.Time
	endTime     time.Time
}

// NewPipelineState returns a pending state for totalSteps steps.
func NewPipelineState(totalSteps int) *PipelineState {
	return &PipelineState{status: StatusPending, totalSteps: totalSteps}
}

// Transition moves the state to next, enforcing monotonicity.
func (s *PipelineState) Transition(next Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	valid := false
	switch s.status {
	case StatusPending:
		valid = next == StatusRunning || next == StatusFailed || next == StatusCancelled
	case StatusRunning:
		valid = next.Terminal()
	}
	if !valid {
		return fmt.Errorf("%w: %s → %s", ErrInvalidTransition, s.status, next)
	}

	s.status = next
	switch next {
	case StatusRunning:
		s.startTime = time.Now()
	case StatusCompleted, StatusFailed, StatusCancelled:
		s.endTime = time.Now()
	}
	return nil
}

// Status returns the current lifecycle status.
func (s *PipelineState) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Advance records that execution moved to step index.
func (s *PipelineState) Advance(index int) {
	s.mu.Lock()
	s.currentStep = index
	s.mu.Unlock()
}

// Progress returns the current step index and the total step count.
func (s *PipelineState) Progress() (current, total int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.currentStep, s.totalSteps
}

// Times returns the recorded start and end timestamps.
func (s *PipelineState) Times() (start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startTime, s.endTime
}

// ResultSet is the insertion-ordered mapping from step name to step output.
// Entries are append-only: once a step's output is recorded it is never
// overwritten.
type ResultSet struct {
	mu    sync.RWMutex
	order []string
	items map[string]any
}

// NewResultSet returns an empty result set.
func NewResultSet() *ResultSet {
	return &ResultSet{items: make(map[string]any)}
}

// Set records the output for name. Recording the same name twice is an error.
func (r *ResultSet) Set(name string, output any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.items[name]; exists {
		return fmt.Errorf("%w: %s", ErrResultExists, name)
	}
	r.items[name] = output
	r.order = append(r.order, name)
	return nil
}

// Get returns the recorded output for name.
func (r *ResultSet) Get(name string) (any, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.items[name]
	return v, ok
}

// Has reports whether name has a recorded output.
func (r *ResultSet) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

// Names returns the recorded step names in insertion order.
func (r *ResultSet) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// Len returns the number of recorded outputs.
func (r *ResultSet) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// PipelineContext is the mutable execution record owned by exactly one
// Execute call. It must never be shared across concurrent executions;
// running two pipelines concurrently requires two independent contexts.
type PipelineContext struct {
	ExecutionID string
	Input       *Artifact
	Results     *ResultSet
	State       *PipelineState
	Metrics     *PipelineMetrics

	mu       sync.Mutex
	errors   []PipelineError
	warnings []string
}

// NewPipelineContext creates a fresh context for one execution.
func NewPipelineContext(executionID string, input *Artifact, totalSteps int) *PipelineContext {
	return &PipelineContext{
		ExecutionID: executionID,
		Input:       input,
		Results:     NewResultSet(),
		State:       NewPipelineState(totalSteps),
		Metrics:     NewPipelineMetrics(),
	}
}

// AddError appends a failure record. Errors are append-only and never dropped,
// even when the recovery policy continues execution.
func (pc *PipelineContext) AddError(e PipelineError) {
	pc.mu.Lock()
	pc.errors = append(pc.errors, e)
	pc.mu.Unlock()
}

// AddWarning appends a warning message.
func (pc *PipelineContext) AddWarning(w string) {
	pc.mu.Lock()
	pc.warnings = append(pc.warnings, w)
	pc.mu.Unlock()
}

// Errors returns a copy of the accumulated error records.
func (pc *PipelineContext) Errors() []PipelineError {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]PipelineError, len(pc.errors))
	copy(out, pc.errors)
	return out
}

// Warnings returns a copy of the accumulated warnings.
func (pc *PipelineContext) Warnings() []string {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	out := make([]string, len(pc.warnings))
	copy(out, pc.warnings)
	return out
}

// ErrorCount returns the number of accumulated errors. Safe to call from the
// monitor goroutine while steps execute.
func (pc *PipelineContext) ErrorCount() int {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return len(pc.errors)
}
