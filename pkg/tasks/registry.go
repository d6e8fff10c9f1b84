package tasks

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// ErrUnknownOperation is returned when a task names an operation with no registered handler.
var ErrUnknownOperation = errors.New("unknown operation")

// Handler executes a dequeued task. The returned value becomes the TaskResult payload.
type Handler func(ctx context.Context, task *Task) (any, error)

// Registry resolves operation names to handlers at dequeue time.
// Tasks carry only the operation name and arguments across process boundaries.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to an operation name, replacing any previous binding.
func (r *Registry) Register(operation string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[operation] = h
}

// Lookup returns the handler registered for operation.
func (r *Registry) Lookup(operation string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[operation]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownOperation, operation)
	}
	return h, nil
}

// Names lists registered operations in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
