// Package registry maps component names to lazy factories. Factories are only
// invoked once a component is selected, so unselected backends never open
// connections or pull in their client setup.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownComponent is returned when a name is not registered
var ErrUnknownComponent = errors.New("unknown component")

// Factory builds a fresh component instance
type Factory[T any] func() (T, error)

// Descriptor describes a registered component
type Descriptor[T any] struct {
	Name    string
	Type    string // strategy tag, e.g. the ID derivation used by a sink
	Factory Factory[T]
}

// Registry holds descriptors indexed by name
type Registry[T any] struct {
	kind        string
	descriptors map[string]Descriptor[T]
	mu          sync.RWMutex
}

// New creates an empty registry. kind names the registry in errors.
func New[T any](kind string) *Registry[T] {
	return &Registry[T]{
		kind:        kind,
		descriptors: make(map[string]Descriptor[T]),
	}
}

// Register adds a descriptor. Names are unique within a registry.
func (r *Registry[T]) Register(d Descriptor[T]) error {
	if d.Name == "" {
		return fmt.Errorf("%s name cannot be empty", r.kind)
	}
	if d.Factory == nil {
		return fmt.Errorf("%s %s: factory cannot be nil", r.kind, d.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.descriptors[d.Name]; exists {
		return fmt.Errorf("%s %s already registered", r.kind, d.Name)
	}
	r.descriptors[d.Name] = d
	return nil
}

// MustRegister adds a descriptor and panics on a duplicate
func (r *Registry[T]) MustRegister(d Descriptor[T]) {
	if err := r.Register(d); err != nil {
		panic(err)
	}
}

// Resolve returns the descriptor for name
func (r *Registry[T]) Resolve(name string) (Descriptor[T], error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	d, ok := r.descriptors[name]
	if !ok {
		return Descriptor[T]{}, fmt.Errorf("%w: %s %q (known: %v)", ErrUnknownComponent, r.kind, name, r.namesLocked())
	}
	return d, nil
}

// ResolveAll resolves every name, failing on the first unknown one
func (r *Registry[T]) ResolveAll(names []string) ([]Descriptor[T], error) {
	out := make([]Descriptor[T], 0, len(names))
	for _, name := range names {
		d, err := r.Resolve(name)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

// Names returns registered names in sorted order
func (r *Registry[T]) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.namesLocked()
}

func (r *Registry[T]) namesLocked() []string {
	names := make([]string, 0, len(r.descriptors))
	for name := range r.descriptors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
