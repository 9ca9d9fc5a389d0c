package task

import (
	"context"
	"fmt"
	"sync"

	"checkinbot/internal/classify"
)

// Result is what a handler reports for one attempt.
type Result struct {
	Category   classify.Category
	Extracted  string
	Detail     string
	Transcript []string
}

// Retryable reports whether the attempt's outcome is worth another try.
// Decisive bot replies are final; only silence, transport trouble, and
// undecipherable replies earn a retry.
func (r Result) Retryable() bool {
	switch r.Category {
	case classify.CategoryTimeout, classify.CategoryError, classify.CategoryUnclassified:
		return true
	}
	return false
}

// Handler executes one kind of task. Implementations must be safe for
// concurrent use; the engine serializes per account, not per handler.
type Handler interface {
	Kind() Kind
	Execute(ctx context.Context, def *Definition) (Result, error)
}

// Registry maps kinds to handlers.
type Registry struct {
	mu       sync.RWMutex
	handlers map[Kind]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[Kind]Handler)}
}

func (r *Registry) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := h.Kind()
	if !k.Valid() {
		return fmt.Errorf("register: unknown kind %q", k)
	}
	if _, dup := r.handlers[k]; dup {
		return fmt.Errorf("register: duplicate handler for kind %q", k)
	}
	r.handlers[k] = h
	return nil
}

func (r *Registry) Lookup(k Kind) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[k]
	return h, ok
}
