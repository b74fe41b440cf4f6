package stage

import (
	"fmt"
	"sync"

	"github.com/GriffinCanCode/governor/internal/shared/utils"
)

// Registry holds the collaborator and default params for each stage.
type Registry struct {
	mu     sync.RWMutex
	stages map[Name]Collaborator
	params map[Name]map[string]interface{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[Name]Collaborator),
		params: make(map[Name]map[string]interface{}),
	}
}

// Register adds c with its default params. Each stage may be registered once.
func (r *Registry) Register(c Collaborator, params map[string]interface{}) error {
	name := c.Name()
	if !name.Valid() {
		return fmt.Errorf("register: unknown stage %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[name]; exists {
		return fmt.Errorf("register: stage %s already registered", name)
	}
	r.stages[name] = c
	r.params[name] = utils.CloneMap(params)
	return nil
}

// Get returns the collaborator for name.
func (r *Registry) Get(name Name) (Collaborator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.stages[name]
	return c, ok
}

// Params returns a copy of the default params for name.
func (r *Registry) Params(name Name) map[string]interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return utils.CloneMap(r.params[name])
}

// Complete returns an error naming the first stage with no collaborator.
func (r *Registry) Complete() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, name := range order {
		if _, ok := r.stages[name]; !ok {
			return fmt.Errorf("no collaborator registered for stage %s", name)
		}
	}
	return nil
}

// Names lists registered stages in pipeline order.
func (r *Registry) Names() []Name {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Name
	for _, name := range order {
		if _, ok := r.stages[name]; ok {
			out = append(out, name)
		}
	}
	return out
}
