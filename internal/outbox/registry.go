package outbox

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Handler delivers one event. Implementations must be idempotent.
type Handler interface {
	Handle(ctx context.Context, eventType string, payload []byte) error
}

type HandlerFunc func(ctx context.Context, eventType string, payload []byte) error

func (f HandlerFunc) Handle(ctx context.Context, eventType string, payload []byte) error {
	return f(ctx, eventType, payload)
}

// Resolver finds the handler for an event type.
type Resolver interface {
	Resolve(eventType string) (Handler, bool)
}

// Registry stores event handlers by event type.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: map[string]Handler{}}
}

func (r *Registry) Register(eventType string, h Handler) error {
	normalized := strings.TrimSpace(eventType)
	if normalized == "" {
		return ErrEventTypeRequired
	}
	if h == nil {
		return ErrEventHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[normalized]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, normalized)
	}
	r.handlers[normalized] = h
	return nil
}

// Unregister removes the handler for eventType and reports whether one existed.
func (r *Registry) Unregister(eventType string) bool {
	normalized := strings.TrimSpace(eventType)

	r.mu.Lock()
	defer r.mu.Unlock()

	_, ok := r.handlers[normalized]
	delete(r.handlers, normalized)
	return ok
}

func (r *Registry) Resolve(eventType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	h, ok := r.handlers[strings.TrimSpace(eventType)]
	return h, ok
}

// EventTypes lists registered types in sorted order.
func (r *Registry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
