// Package abort tracks cancellation handles for in-flight runs so an external
// cancel request can interrupt a specific execution. The registry is purely
// in-memory and per-process; it does not survive restarts and is not visible
// to other worker processes.
package abort

import (
	"context"
	"sync"
)

// WorkflowKeyPrefix namespaces workflow run handles so they can never collide
// with single-agent run identifiers.
const WorkflowKeyPrefix = "workflow_"

// Registry maps run identifiers to cancellation handles. It is an injected
// service object, not package-level state, so tests can create independent
// instances.
type Registry struct {
	mu      sync.Mutex
	handles map[string]context.CancelFunc
}

// NewRegistry creates an empty abort registry.
func NewRegistry() *Registry {
	return &Registry{
		handles: make(map[string]context.CancelFunc),
	}
}

// Register stores the cancellation handle for a run. Registering a key that
// is already present replaces the previous handle.
func (r *Registry) Register(key string, cancel context.CancelFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[key] = cancel
}

// Abort triggers the cancellation handle for a run.
// Returns true iff a handle was found and cancelled.
func (r *Registry) Abort(key string) bool {
	r.mu.Lock()
	cancel, ok := r.handles[key]
	if ok {
		delete(r.handles, key)
	}
	r.mu.Unlock()

	if ok {
		cancel()
	}
	return ok
}

// Unregister removes a run's handle without cancelling it. Safe to call for
// keys that were never registered or were already aborted.
func (r *Registry) Unregister(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handles, key)
}

// Len returns the number of in-flight handles.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

// WorkflowKey builds the registry key for a workflow run.
func WorkflowKey(runID string) string {
	return WorkflowKeyPrefix + runID
}
