package dag

import (
	"fmt"
	"slices"
	"sort"
	"sync"
)

// Registry maps task names to definitions. Tasks are registered at start-up
// and read concurrently afterwards.
type Registry struct {
	mu   sync.RWMutex
	defs map[string]Definition
}

func NewRegistry() *Registry {
	return &Registry{defs: make(map[string]Definition)}
}

// Register adds def. Registering a name again succeeds only when the input
// and output schemas are identical, in which case the new definition replaces
// the old one.
func (r *Registry) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if prev, ok := r.defs[def.Name]; ok && !sameSchema(prev, def) {
		return mismatchf("task %s already registered with a different schema", def.Name)
	}
	r.defs[def.Name] = def
	return nil
}

func (r *Registry) MustRegister(defs ...Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

func (r *Registry) Resolve(name string) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.defs[name]
	if !ok {
		return Definition{}, notFoundf("task %s", name)
	}
	return def, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidTask)
	}
	if def.Run == nil {
		return fmt.Errorf("%w: task %s has no run function", ErrInvalidTask, def.Name)
	}
	if !def.Idempotent && def.MaxRetries > 0 {
		return fmt.Errorf("%w: task %s is not idempotent and cannot be retried", ErrInvalidTask, def.Name)
	}
	if def.CacheVersion != "" && len(def.Outputs) == 0 {
		return fmt.Errorf("%w: cached task %s has no outputs", ErrInvalidTask, def.Name)
	}
	for _, params := range [][]Param{def.Inputs, def.Outputs} {
		seen := make(map[string]bool, len(params))
		for _, p := range params {
			if p.Name == "" || p.Kind == "" {
				return fmt.Errorf("%w: task %s has a parameter without name or kind", ErrInvalidTask, def.Name)
			}
			if seen[p.Name] {
				return fmt.Errorf("%w: task %s declares %q twice", ErrInvalidTask, def.Name, p.Name)
			}
			seen[p.Name] = true
		}
	}
	return nil
}

func sameSchema(a, b Definition) bool {
	return slices.Equal(a.Inputs, b.Inputs) && slices.Equal(a.Outputs, b.Outputs)
}
