package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/procflow/procflow/pkg/domain"
)

// Registry maps step-type tags to their StepProcessor implementations. It is
// an explicit object passed into the engine rather than hidden global state,
// so multiple engines with different step sets can coexist in one process.
type Registry struct {
	mu          sync.RWMutex
	processors  map[string]domain.StepProcessor
	initialized map[string]bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		processors:  make(map[string]domain.StepProcessor),
		initialized: make(map[string]bool),
	}
}

// Register adds or replaces the processor for a step type.
func (r *Registry) Register(stepType string, p domain.StepProcessor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[stepType] = p
	delete(r.initialized, stepType)
}

// Lookup returns the processor registered for a step type.
func (r *Registry) Lookup(stepType string) (domain.StepProcessor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[stepType]
	return p, ok
}

// Types returns the registered step types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.processors))
	for t := range r.processors {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Initialize calls Initialize on every registered processor that implements
// domain.Initializer. Each processor is initialized at most once per registry;
// implementations are expected to be idempotent anyway.
func (r *Registry) Initialize(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for stepType, p := range r.processors {
		if r.initialized[stepType] {
			continue
		}
		if init, ok := p.(domain.Initializer); ok {
			if err := init.Initialize(ctx); err != nil {
				return fmt.Errorf("initialize processor %q: %w", stepType, err)
			}
		}
		r.initialized[stepType] = true
	}
	return nil
}
