package replay

import (
	"fmt"
	"sync"

	"github.com/evohq/sourcing-go/core/es"
)

// StateBuilder reconstructs the state of one aggregate type. ApplyEvent
// must be a pure reducer over (state, event).
type StateBuilder interface {
	// AggregateType is the registry key.
	AggregateType() string
	// BuildInitialState returns the zero state of the aggregate.
	BuildInitialState() any
	// ApplyEvent folds one event into the state and returns the next
	// state.
	ApplyEvent(state any, event es.Event) (any, error)
	// ValidateState reports whether the state is structurally sound.
	ValidateState(state any) bool
	// SerializeState and DeserializeState convert between the in-memory
	// state and its persisted form (snapshots, results).
	SerializeState(state any) ([]byte, error)
	DeserializeState(data []byte) (any, error)
}

// builderRegistry maps aggregate types to their state builders. Shared
// between request and timer paths, so all access is mutex-guarded.
type builderRegistry struct {
	mu       sync.RWMutex
	builders map[string]StateBuilder
}

func newBuilderRegistry() *builderRegistry {
	return &builderRegistry{builders: map[string]StateBuilder{}}
}

func (r *builderRegistry) register(b StateBuilder) error {
	if b == nil || b.AggregateType() == "" {
		return fmt.Errorf("%w: state builder requires an aggregate type", es.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.builders[b.AggregateType()] = b
	return nil
}

func (r *builderRegistry) unregister(aggType string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.builders, aggType)
}

func (r *builderRegistry) resolve(aggType string) (StateBuilder, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.builders[aggType]
	if !ok {
		return nil, fmt.Errorf("no state builder registered for aggregate type %q", aggType)
	}
	return b, nil
}

func (r *builderRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.builders)
}
