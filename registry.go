package orchestrator

import (
	"context"
	"encoding/json"
	"sync"
)

// ExecuteFunc performs a step's forward action. The returned payload is
// persisted verbatim as the step's result and handed back to Compensate
// unchanged if the saga later rolls back.
type ExecuteFunc func(ctx context.Context) (json.RawMessage, error)

// CompensateFunc reverses a step's forward action using the result that
// action returned. Steps registered without a compensate action (nil)
// are treated as having no side effect worth undoing.
type CompensateFunc func(ctx context.Context, result json.RawMessage) error

// StepDefinition is the executable pair a step name is bound to.
type StepDefinition struct {
	Name       string
	Execute    ExecuteFunc
	Compensate CompensateFunc
}

// StepRegistry is the process-wide keyed collection of §4.1: a
// statically-keyed handler table populated at program start. It is an
// explicit value owned by whoever constructs a Worker, never a package
// singleton (§9 design note) — tests can build a fresh one per case
// instead of calling a global reset.
type StepRegistry struct {
	mu    sync.RWMutex
	steps map[string]StepDefinition
}

// NewStepRegistry returns an empty registry ready for Register calls.
func NewStepRegistry() *StepRegistry {
	return &StepRegistry{steps: make(map[string]StepDefinition)}
}

// Register binds name to the given execute/compensate pair. Compensate
// may be nil for steps with nothing to undo. Re-registering the same
// name replaces the previous binding (last writer wins).
func (r *StepRegistry) Register(name string, execute ExecuteFunc, compensate CompensateFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps[name] = StepDefinition{Name: name, Execute: execute, Compensate: compensate}
}

// Get looks up a step definition by name.
func (r *StepRegistry) Get(name string) (StepDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.steps[name]
	return def, ok
}

// Has reports whether name is currently registered.
func (r *StepRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.steps[name]
	return ok
}

// List returns the currently registered step names in no particular order.
func (r *StepRegistry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.steps))
	for name := range r.steps {
		names = append(names, name)
	}
	return names
}

// Unregister removes a single step binding, if present.
func (r *StepRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.steps, name)
}

// Clear empties the registry. Tests use this between cases instead of
// relying on process-global state (§9 design note).
func (r *StepRegistry) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.steps = make(map[string]StepDefinition)
}
