package engine

import (
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrUnknownEngine is returned when no boundary is registered under a name.
var ErrUnknownEngine = errors.New("unknown engine")

// Registry holds the engine boundaries available to the server.
type Registry struct {
	mu         sync.RWMutex
	boundaries map[string]Boundary
}

// NewRegistry creates a registry holding the given boundaries.
func NewRegistry(bs ...Boundary) *Registry {
	r := &Registry{
		boundaries: make(map[string]Boundary),
	}
	for _, b := range bs {
		r.Register(b)
	}
	return r
}

// Register adds b under b.Name(), replacing any previous boundary of that name.
func (r *Registry) Register(b Boundary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.boundaries[b.Name()] = b
}

// Resolve returns the boundary registered under name.
func (r *Registry) Resolve(name string) (Boundary, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.boundaries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEngine, name)
	}
	return b, nil
}

// Names returns the registered engine names, sorted for a stable API response.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.boundaries))
	for name := range r.boundaries {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}
