package projection

import (
	"fmt"
	"sync"

	"github.com/evohq/sourcing-go/core/es"
)

// Handler builds and serves one read model. HandleEvent must be a pure
// reducer over (state, event).
type Handler interface {
	// ProjectionType and ProjectionName identify the handler; together
	// they form the registry key "type:name".
	ProjectionType() string
	ProjectionName() string

	// AggregateTypes and EventTypes declare what the handler consumes.
	// An empty slice means no filter on that axis.
	AggregateTypes() []string
	EventTypes() []string

	// InitializeProjection returns the empty read model.
	InitializeProjection() any
	// HandleEvent folds one event into the read model.
	HandleEvent(state any, event es.Event) (any, error)
	// ValidateProjection reports whether the read model is sound.
	ValidateProjection(state any) bool

	SerializeProjection(state any) ([]byte, error)
	DeserializeProjection(data []byte) (any, error)

	// HandleQuery answers a read query against the current read model.
	HandleQuery(state any, query map[string]any) (any, error)
}

// HandlerKey builds the registry key for a projection type and name.
func HandlerKey(projType, projName string) string {
	return fmt.Sprintf("%s:%s", projType, projName)
}

type handlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func newHandlerRegistry() *handlerRegistry {
	return &handlerRegistry{handlers: map[string]Handler{}}
}

func (r *handlerRegistry) register(h Handler) error {
	if h.ProjectionType() == "" || h.ProjectionName() == "" {
		return fmt.Errorf("%w: projection handler requires a type and a name", es.ErrValidation)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[HandlerKey(h.ProjectionType(), h.ProjectionName())] = h
	return nil
}

func (r *handlerRegistry) unregister(projType, projName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, HandlerKey(projType, projName))
}

func (r *handlerRegistry) resolve(projType, projName string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[HandlerKey(projType, projName)]
	if !ok {
		return nil, fmt.Errorf("no projection handler registered for %s", HandlerKey(projType, projName))
	}
	return h, nil
}

func (r *handlerRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// matches applies the handler's declared filters to one event.
func matches(h Handler, ev es.Event) bool {
	if !matchesAny(h.AggregateTypes(), ev.AggregateType) {
		return false
	}
	return matchesAny(h.EventTypes(), ev.EventType)
}

func matchesAny(allowed []string, val string) bool {
	if len(allowed) == 0 {
		return true
	}
	for _, a := range allowed {
		if a == val {
			return true
		}
	}
	return false
}
