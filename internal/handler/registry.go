package handler

import (
	"fmt"
	"sort"
	"sync"

	"jobqueue/internal/models"
)

// Registry maps job types to handlers. It is filled at startup and read
// concurrently by workers afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds h to jobType. Registering the same type twice fails.
func (r *Registry) Register(jobType string, h Handler) error {
	if jobType == "" || h == nil {
		return fmt.Errorf("register handler: type and handler are required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		return fmt.Errorf("%w: %q", models.ErrDuplicateType, jobType)
	}
	r.handlers[jobType] = h
	return nil
}

// MustRegister is Register for startup wiring; it panics on error.
func (r *Registry) MustRegister(jobType string, h Handler) {
	if err := r.Register(jobType, h); err != nil {
		panic(err)
	}
}

func (r *Registry) Resolve(jobType string) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	if !ok {
		return nil, fmt.Errorf("%w: %q", models.ErrHandlerMissing, jobType)
	}
	return h, nil
}

func (r *Registry) Has(jobType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[jobType]
	return ok
}

// Types returns the registered job types in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.handlers))
	for t := range r.handlers {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}
