package operator

import (
	"sort"
	"sync"

	"github.com/rendis/flowctl/pkg/schema"
)

// Registry is a thread-safe map of operator types.
type Registry struct {
	mu        sync.RWMutex
	operators map[string]Operator
}

// Info summarizes a registered operator for listing.
type Info struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	HasSchema   bool   `json:"has_schema"`
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{operators: make(map[string]Operator)}
}

// Register adds an operator. Returns CONFLICT on a duplicate type.
func (r *Registry) Register(op Operator) error {
	if op == nil {
		return schema.NewError(schema.ErrCodeValidation, "operator is nil")
	}
	name := op.Type()
	if name == "" {
		return schema.NewError(schema.ErrCodeValidation, "operator type is empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.operators[name]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "operator %q already registered", name)
	}
	r.operators[name] = op
	return nil
}

// Get returns the operator for a type. An unknown type is a config error.
func (r *Registry) Get(name string) (Operator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	op, ok := r.operators[name]
	if !ok {
		return nil, schema.NewErrorf(schema.ErrCodeConfig, "operator %q not registered", name)
	}
	return op, nil
}

// Has checks if an operator type is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.operators[name]
	return ok
}

// List returns every registered operator, sorted by type.
func (r *Registry) List() []Info {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]Info, 0, len(r.operators))
	for _, op := range r.operators {
		info := Info{Type: op.Type(), HasSchema: op.Schema() != nil}
		if d, ok := op.(Describer); ok {
			info.Description = d.Description()
		}
		infos = append(infos, info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Type < infos[j].Type })
	return infos
}

// Count returns the number of registered operators.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.operators)
}
