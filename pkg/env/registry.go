package env

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"
)

// Info identifies the environment instance a factory is asked to build.
type Info struct {
	Slug        string
	DisplayName string
}

// Factory constructs an environment from its stored config blob.
type Factory func(info Info, config json.RawMessage) (Environment, error)

// Registry maps plugin reference strings ("module.path:Attribute") to
// factories. It is the only process-wide mutable registry: populated at
// startup with the builtins and mutated by admin plugin uploads.
// Re-registering a reference overwrites it, which is how hot reload works.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Register binds ref to factory, replacing any previous binding.
func (r *Registry) Register(ref string, factory Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[ref] = factory
}

// Resolve looks up the factory bound to ref.
func (r *Registry) Resolve(ref string) (Factory, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.factories[ref]
	return f, ok
}

// Refs returns all registered reference strings, sorted.
func (r *Registry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.factories))
	for ref := range r.factories {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// New constructs an environment instance for ref and verifies its
// contract: settings must validate and CanAbandonRuns requires the
// Abandoner interface.
func (r *Registry) New(ref string, info Info, config json.RawMessage) (Environment, error) {
	factory, ok := r.Resolve(ref)
	if !ok {
		return nil, fmt.Errorf("no environment registered for %q", ref)
	}
	e, err := factory(info, config)
	if err != nil {
		return nil, fmt.Errorf("failed to construct environment %q: %w", ref, err)
	}
	settings := e.Settings().Normalize()
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("environment %q has invalid settings: %w", ref, err)
	}
	if settings.CanAbandonRuns {
		if _, ok := e.(Abandoner); !ok {
			return nil, fmt.Errorf("environment %q allows abandoning runs but does not implement Abandoner", ref)
		}
	}
	return e, nil
}
