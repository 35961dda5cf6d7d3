package saga

import (
	"fmt"
	"sort"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry maps saga types to their Definitions.
//
// A record in the Store only carries its SagaType. When a saga is resumed by
// a different process, or by the same process after a restart, the concrete
// steps are recovered through the Registry, so every saga type that may be
// resumed has to be registered on every worker.
type Registry struct {
	defs *xsync.MapOf[SagaType, *Definition]
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		defs: xsync.NewMapOf[SagaType, *Definition](),
	}
}

// Register adds a Definition. A type may only be registered once.
func (r *Registry) Register(def *Definition) error {
	if def == nil {
		return ErrDefinitionNotSet
	}
	if _, loaded := r.defs.LoadOrStore(def.Type(), def); loaded {
		return fmt.Errorf("saga type %q already registered", def.Type())
	}
	return nil
}

// MustRegister is like Register but panics on error.
func (r *Registry) MustRegister(defs ...*Definition) {
	for _, def := range defs {
		if err := r.Register(def); err != nil {
			panic(err)
		}
	}
}

// Get retrieves the Definition registered for t.
func (r *Registry) Get(t SagaType) (*Definition, error) {
	def, ok := r.defs.Load(t)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSagaType, t)
	}
	return def, nil
}

// Types returns the registered saga types in sorted order.
func (r *Registry) Types() []SagaType {
	types := make([]SagaType, 0, r.defs.Size())
	r.defs.Range(func(t SagaType, _ *Definition) bool {
		types = append(types, t)
		return true
	})
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })
	return types
}
