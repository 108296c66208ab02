package workflow

import (
	"fmt"
	"sync"

	rewind "github.com/QualityUnit/rewind"
)

// Registry holds workflow definitions by name. Registration normally
// happens at startup before the engine serves traffic, but the
// registry is safe for concurrent use regardless.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]*Definition
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]*Definition)}
}

// Register adds a definition. Registering the same name twice is a
// programming error and fails loudly.
func (r *Registry) Register(def *Definition) error {
	if def == nil || def.Name == "" {
		return fmt.Errorf("register workflow: empty definition")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.defs[def.Name]; exists {
		return fmt.Errorf("register workflow %q: already registered", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

// Get returns the definition for name, or ErrWorkflowNotFound.
func (r *Registry) Get(name string) (*Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[name]
	if !ok {
		return nil, fmt.Errorf("workflow %q: %w", name, rewind.ErrWorkflowNotFound)
	}
	return def, nil
}

// List returns the registered workflow names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}
