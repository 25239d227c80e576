package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/azevedojoel/relay/pkg/log"
)

func TestChainsSerializesSameKey(t *testing.T) {
	chains := NewChains(log.NewNop())
	defer chains.Close()

	var mu sync.Mutex
	var order []int
	running := 0
	maxRunning := 0

	done := make(chan struct{}, 3)
	for i := 0; i < 3; i++ {
		i := i
		chains.Submit("agent-1", func(ctx context.Context) {
			mu.Lock()
			running++
			if running > maxRunning {
				maxRunning = running
			}
			mu.Unlock()

			time.Sleep(10 * time.Millisecond)

			mu.Lock()
			order = append(order, i)
			running--
			mu.Unlock()
			done <- struct{}{}
		})
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for chained tasks")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{0, 1, 2}, order, "same-key tasks must run in submission order")
	assert.Equal(t, 1, maxRunning, "same-key tasks must never overlap")
}

func TestChainsDifferentKeysRunConcurrently(t *testing.T) {
	chains := NewChains(log.NewNop())
	defer chains.Close()

	started := make(chan string, 2)
	release := make(chan struct{})

	chains.Submit("agent-1", func(ctx context.Context) {
		started <- "agent-1"
		<-release
	})
	chains.Submit("agent-2", func(ctx context.Context) {
		started <- "agent-2"
		<-release
	})

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case key := <-started:
			seen[key] = true
		case <-time.After(2 * time.Second):
			t.Fatal("tasks under different keys did not start concurrently")
		}
	}
	close(release)

	require.True(t, seen["agent-1"])
	require.True(t, seen["agent-2"])
}

func TestChainsCloseDropsPending(t *testing.T) {
	chains := NewChains(log.NewNop())

	blockerStarted := make(chan struct{})
	ran := make(chan struct{}, 1)

	chains.Submit("agent-1", func(ctx context.Context) {
		close(blockerStarted)
		<-ctx.Done()
	})
	chains.Submit("agent-1", func(ctx context.Context) {
		ran <- struct{}{}
	})

	<-blockerStarted
	chains.Close()

	select {
	case <-ran:
		t.Fatal("pending task should have been dropped at shutdown")
	default:
	}
}
