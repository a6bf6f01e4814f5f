package adapter

import (
	"context"
	"fmt"
	"sort"
)

// Factory constructs one adapter instance. Factories run once, at startup,
// when the registry is built.
type Factory func(ctx context.Context) (Adapter, error)

// Registry is an explicit mapping from adapter name to factory, built once
// at process startup and passed by reference to the pipeline. There is no
// global registration; everything an adapter needs arrives through its
// factory closure.
type Registry struct {
	factories map[string]Factory
	adapters  map[string]Adapter
	built     bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		adapters:  make(map[string]Adapter),
	}
}

// Register adds a named factory. Registering after Build or under a name
// already taken is a wiring bug and returns an error.
func (r *Registry) Register(name string, factory Factory) error {
	if r.built {
		return fmt.Errorf("registry already built, cannot register %q", name)
	}
	if _, exists := r.factories[name]; exists {
		return fmt.Errorf("adapter %q already registered", name)
	}
	if factory == nil {
		return fmt.Errorf("nil factory for adapter %q", name)
	}
	r.factories[name] = factory
	return nil
}

// Build invokes every registered factory. After Build the registry is
// read-only and safe for concurrent use without locking.
func (r *Registry) Build(ctx context.Context) error {
	if r.built {
		return fmt.Errorf("registry already built")
	}
	for name, factory := range r.factories {
		a, err := factory(ctx)
		if err != nil {
			return fmt.Errorf("building adapter %q: %w", name, err)
		}
		r.adapters[name] = a
	}
	r.built = true
	return nil
}

// Adapters returns all built adapters in stable name order.
func (r *Registry) Adapters() []Adapter {
	names := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make([]Adapter, 0, len(names))
	for _, name := range names {
		out = append(out, r.adapters[name])
	}
	return out
}

// Get returns the adapter registered under name.
func (r *Registry) Get(name string) (Adapter, bool) {
	a, ok := r.adapters[name]
	return a, ok
}
