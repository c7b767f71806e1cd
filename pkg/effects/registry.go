package effects

import (
	"context"
	"sync"

	"foreman/pkg/workorder"
)

// Handler processes one claimed event. Returning nil marks the event done;
// returning an error routes it through the retry policy. A handler may emit
// further events as part of its side effect; the dispatcher does not
// interpret handler internals.
type Handler interface {
	Handle(ctx context.Context, ev workorder.Event) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, ev workorder.Event) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, ev workorder.Event) error {
	return f(ctx, ev)
}

// Registry maps event type tags to handlers. Unknown tags resolve to a
// handler that always fails permanently with a descriptive reason.
type Registry struct {
	mu       sync.RWMutex
	handlers map[workorder.EventType]Handler
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[workorder.EventType]Handler)}
}

// Register binds a handler to an event type, replacing any previous binding.
func (r *Registry) Register(t workorder.EventType, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[t] = h
}

// Resolve returns the handler for an event type. The second return reports
// whether the type was recognized; the returned handler is always non-nil.
func (r *Registry) Resolve(t workorder.EventType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if h, ok := r.handlers[t]; ok {
		return h, true
	}
	return unknownTypeHandler{}, false
}

// unknownTypeHandler terminates events with unrecognized type tags.
type unknownTypeHandler struct{}

func (unknownTypeHandler) Handle(_ context.Context, ev workorder.Event) error {
	return &workorder.UnknownEventTypeError{EventID: ev.ID, Type: ev.Type}
}
