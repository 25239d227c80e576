package abort

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRegistryAbort(t *testing.T) {
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	registry.Register("run-1", cancel)

	assert.True(t, registry.Abort("run-1"))
	assert.Error(t, ctx.Err(), "abort should cancel the handle's context")

	// Handle is consumed by the abort
	assert.False(t, registry.Abort("run-1"))
	assert.Equal(t, 0, registry.Len())
}

func TestRegistryAbortUnknownKey(t *testing.T) {
	registry := NewRegistry()
	assert.False(t, registry.Abort("missing"))
}

func TestRegistryUnregisterDoesNotCancel(t *testing.T) {
	registry := NewRegistry()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	registry.Register("run-1", cancel)
	registry.Unregister("run-1")

	assert.NoError(t, ctx.Err())
	assert.False(t, registry.Abort("run-1"))
}

func TestRegistryWorkflowKeyNamespace(t *testing.T) {
	registry := NewRegistry()

	_, runCancel := context.WithCancel(context.Background())
	wfCtx, wfCancel := context.WithCancel(context.Background())
	defer runCancel()

	registry.Register("run-1", runCancel)
	registry.Register(WorkflowKey("run-1"), wfCancel)

	assert.Equal(t, 2, registry.Len(), "run and workflow keys must not collide")
	assert.True(t, registry.Abort(WorkflowKey("run-1")))
	assert.Error(t, wfCtx.Err())
	assert.Equal(t, 1, registry.Len())
}

func TestRegistryConcurrentAccess(t *testing.T) {
	registry := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, cancel := context.WithCancel(context.Background())
			key := string(rune('a' + n%26))
			registry.Register(key, cancel)
			registry.Abort(key)
			registry.Unregister(key)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 0, registry.Len())
}
