package domain

import (
	"errors"
	"sync"
	"testing"
)

func TestResultSet_InsertionOrder(t *testing.T) {
	rs := NewResultSet()
	names := []string{"extract", "transform", "validate", "store"}
	for i, name := range names {
		if err := rs.Set(name, i); err != nil {
			t.Fatalf("unexpected error recording %s: %v", name, err)
		}
	}

	got := rs.Names()
	if len(got) != len(names) {
		t.Fatalf("expected %d names, got %d", len(names), len(got))
	}
	for i, name := range names {
		if got[i] != name {
			t.Fatalf("expected %s at position %d, got %s", name, i, got[i])
		}
	}
}

func TestResultSet_AppendOnly(t *testing.T) {
	rs := NewResultSet()
	if err := rs.Set("extract", "first"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	err := rs.Set("extract", "second")
	if !errors.Is(err, ErrResultExists) {
		t.Fatalf("expected ErrResultExists, got %v", err)
	}

	v, ok := rs.Get("extract")
	if !ok || v != "first" {
		t.Fatalf("expected original output to survive, got %v", v)
	}
	if rs.Len() != 1 {
		t.Fatalf("expected length 1, got %d", rs.Len())
	}
}

func TestResultSet_ConcurrentReads(t *testing.T) {
	rs := NewResultSet()
	if err := rs.Set("extract", 42); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if v, ok := rs.Get("extract"); !ok || v != 42 {
				t.Errorf("unexpected read result: %v %v", v, ok)
			}
			_ = rs.Names()
			_ = rs.Has("extract")
		}()
	}
	wg.Wait()
}

func TestPipelineState_HappyPath(t *testing.T) {
	s := NewPipelineState(3)
	if s.Status() != StatusPending {
		t.Fatalf("expected pending, got %s", s.Status())
	}
	if err := s.Transition(StatusRunning); err != nil {
		t.Fatalf("pending → running failed: %v", err)
	}
	if err := s.Transition(StatusCompleted); err != nil {
		t.Fatalf("running → completed failed: %v", err)
	}

	start, end := s.Times()
	if start.IsZero() || end.IsZero() {
		t.Fatalf("expected both timestamps recorded, got %v %v", start, end)
	}
	if end.Before(start) {
		t.Fatalf("end %v precedes start %v", end, start)
	}
}

func TestPipelineState_FailedValidationSkipsRunning(t *testing.T) {
	s := NewPipelineState(2)
	if err := s.Transition(StatusFailed); err != nil {
		t.Fatalf("pending → failed should be allowed: %v", err)
	}
}

func TestPipelineState_TerminalIsFinal(t *testing.T) {
	s := NewPipelineState(1)
	if err := s.Transition(StatusRunning); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := s.Transition(StatusFailed); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	for _, next := range []Status{StatusRunning, StatusCompleted, StatusPending, StatusCancelled} {
		if err := s.Transition(next); !errors.Is(err, ErrInvalidTransition) {
			t.Fatalf("failed → %s should be rejected, got %v", next, err)
		}
	}
	if s.Status() != StatusFailed {
		t.Fatalf("status changed after rejected transition: %s", s.Status())
	}
}

func TestPipelineState_CannotCompleteFromPending(t *testing.T) {
	s := NewPipelineState(1)
	if err := s.Transition(StatusCompleted); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("pending → completed should be rejected, got %v", err)
	}
}

func TestPipelineContext_ErrorsAndWarnings(t *testing.T) {
	pc := NewPipelineContext("exec-1", nil, 2)

	pc.AddError(PipelineError{Step: "extract", Kind: ErrorKindStepExecution, Message: "boom"})
	pc.AddError(PipelineError{Step: "extract", Kind: ErrorKindStepExecution, Message: "boom again"})
	pc.AddWarning("reduced quality")

	if pc.ErrorCount() != 2 {
		t.Fatalf("expected 2 errors, got %d", pc.ErrorCount())
	}
	if got := pc.Warnings(); len(got) != 1 || got[0] != "reduced quality" {
		t.Fatalf("unexpected warnings: %v", got)
	}

	// Returned slices are copies; mutating them must not affect the context.
	errs := pc.Errors()
	errs[0].Message = "mutated"
	if pc.Errors()[0].Message != "boom" {
		t.Fatalf("error list leaked internal state")
	}
}
