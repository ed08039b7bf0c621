package registry

import (
	"fmt"
	"sync"

	types "github.com/oss/geoetl-orchestrator/internal/domain/orchestration"
)

/*
HandlerRegistry is a concurrency-safe map of task_type -> TaskHandler,
generalizing internal/jobs/runtime/registry.go's Registry. At most one
handler may be registered per task_type; registration happens once at
process startup and lookups happen concurrently from every CoreMachine
goroutine.
*/
type HandlerRegistry struct {
	mu       sync.RWMutex
	handlers map[string]types.TaskHandler
}

func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{handlers: make(map[string]types.TaskHandler)}
}

// Register adds a handler to the registry. Duplicate task_type
// registration is a wiring error and is rejected rather than silently
// overwritten, same as the teacher's job_type registry.
func (r *HandlerRegistry) Register(h types.TaskHandler) error {
	if h == nil {
		return fmt.Errorf("nil handler")
	}
	t := h.Type()
	if t == "" {
		return fmt.Errorf("handler Type() is empty")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[t]; exists {
		return fmt.Errorf("handler already registered for task_type=%s", t)
	}
	r.handlers[t] = h
	return nil
}

// Get retrieves the handler responsible for task_type. A miss is treated
// by the caller as a contract violation, never as retryable.
func (r *HandlerRegistry) Get(taskType string) (types.TaskHandler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[taskType]
	return h, ok
}

// Has reports whether a handler is registered for taskType, used by
// JobRegistry.Register to validate a blueprint's stage list at
// registration time.
func (r *HandlerRegistry) Has(taskType string) bool {
	_, ok := r.Get(taskType)
	return ok
}
