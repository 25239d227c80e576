// Package leader provides lease-based leader election for multi-instance
// deployments. Exactly one instance holds the "scheduler-leader" lease at a
// time; the holder renews at half the lease TTL, and a crashed leader is
// replaced once its lease expires. Single-instance deployments trivially lead.
package leader

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/lock"
)

// LeaseKey is the lock key contested by candidate instances.
const LeaseKey = "relay:scheduler-leader"

// Elector contests and renews the leader lease.
type Elector struct {
	locks    lock.Service
	identity string
	ttl      time.Duration
	logger   zerolog.Logger

	mu      sync.RWMutex
	leading bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// Config holds configuration for the elector.
type Config struct {
	// TTL is the lease duration. Default: 30s.
	TTL time.Duration
	// Identity uniquely names this instance. Default: a random UUID.
	Identity string
}

// NewElector creates an elector that contests the leader lease.
func NewElector(locks lock.Service, cfg Config, logger zerolog.Logger) *Elector {
	if cfg.TTL == 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.Identity == "" {
		cfg.Identity = uuid.NewString()
	}
	return &Elector{
		locks:    locks,
		identity: cfg.Identity,
		ttl:      cfg.TTL,
		logger:   logger.With().Str("component", "leader").Str("identity", cfg.Identity).Logger(),
		stopCh:   make(chan struct{}),
	}
}

// IsLeader reports whether this instance currently holds the lease.
func (e *Elector) IsLeader() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.leading
}

// Start begins contesting the lease until the context is cancelled or Stop
// is called.
func (e *Elector) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.loop(ctx)
	}()
}

// Stop relinquishes the lease and stops contesting it.
func (e *Elector) Stop(ctx context.Context) {
	close(e.stopCh)
	e.wg.Wait()

	e.mu.Lock()
	wasLeading := e.leading
	e.leading = false
	e.mu.Unlock()

	if wasLeading {
		if _, err := e.locks.Release(ctx, LeaseKey, e.identity); err != nil {
			e.logger.Warn().Err(err).Msg("failed to release leader lease")
		}
	}
}

func (e *Elector) loop(ctx context.Context) {
	// Renew at half the TTL so a single missed renewal does not lose the lease.
	ticker := time.NewTicker(e.ttl / 2)
	defer ticker.Stop()

	e.tick(ctx)
	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(ctx)
		}
	}
}

func (e *Elector) tick(ctx context.Context) {
	var (
		ok  bool
		err error
	)
	if e.IsLeader() {
		ok, err = e.locks.Renew(ctx, LeaseKey, e.identity, e.ttl)
		if err == nil && !ok {
			// Lost the lease, try to take it back immediately.
			ok, err = e.locks.Acquire(ctx, LeaseKey, e.identity, e.ttl)
		}
	} else {
		ok, err = e.locks.Acquire(ctx, LeaseKey, e.identity, e.ttl)
	}

	if err != nil {
		e.logger.Warn().Err(err).Msg("leader lease operation failed")
		e.setLeading(false)
		return
	}
	e.setLeading(ok)
}

func (e *Elector) setLeading(leading bool) {
	e.mu.Lock()
	changed := e.leading != leading
	e.leading = leading
	e.mu.Unlock()

	if changed {
		if leading {
			e.logger.Info().Msg("acquired leader lease")
		} else {
			e.logger.Info().Msg("lost leader lease")
		}
	}
}
