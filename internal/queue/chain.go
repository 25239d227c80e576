package queue

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

// Chains serializes fallback executions per key when the durable queue is
// unavailable. Each key owns a FIFO chain: a submitted task runs after every
// task submitted before it under the same key, so per-agent mutual exclusion
// holds even without the durable backend. Tasks under different keys run
// concurrently. Nothing here is durable; a restart drops pending tasks.
type Chains struct {
	ctx    context.Context
	cancel context.CancelFunc
	logger zerolog.Logger

	mu    sync.Mutex
	tails map[string]chan struct{}
	wg    sync.WaitGroup
}

// NewChains creates the fallback chain set. The returned value is shared by
// every queue so keys serialize across queues too.
func NewChains(logger zerolog.Logger) *Chains {
	ctx, cancel := context.WithCancel(context.Background())
	return &Chains{
		ctx:    ctx,
		cancel: cancel,
		logger: logger.With().Str("component", "fallback-chains").Logger(),
		tails:  make(map[string]chan struct{}),
	}
}

// Submit appends task to the chain for key. The task runs on its own
// goroutine once every previously submitted task for the same key has
// finished. Submit never blocks.
func (c *Chains) Submit(key string, task func(ctx context.Context)) {
	c.mu.Lock()
	prev := c.tails[key]
	done := make(chan struct{})
	c.tails[key] = done
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer close(done)

		if prev != nil {
			select {
			case <-prev:
			case <-c.ctx.Done():
				c.logger.Debug().Str("key", key).Msg("fallback task dropped during shutdown")
				return
			}
		}

		select {
		case <-c.ctx.Done():
			c.logger.Debug().Str("key", key).Msg("fallback task dropped during shutdown")
			return
		default:
		}

		task(c.ctx)

		// Clear the tail once the chain drains so the map does not grow
		// without bound.
		c.mu.Lock()
		if c.tails[key] == done {
			delete(c.tails, key)
		}
		c.mu.Unlock()
	}()
}

// Close cancels the chain context and waits for in-flight tasks to finish.
// Queued tasks that have not started yet are dropped.
func (c *Chains) Close() {
	c.cancel()
	c.wg.Wait()
}
