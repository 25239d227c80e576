package queue

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/pkg/metrics"
)

// SweeperConfig holds retention configuration for finished jobs. Completed
// jobs are short-lived bookkeeping; failed jobs are kept longer for forensic
// inspection.
type SweeperConfig struct {
	// Interval is how often the sweep runs. Default: 10m.
	Interval time.Duration
	// CompletedRetention is how long completed jobs are kept. Default: 24h.
	CompletedRetention time.Duration
	// FailedRetention is how long failed jobs are kept. Default: 7 days.
	FailedRetention time.Duration
}

// DefaultSweeperConfig returns the default retention configuration.
func DefaultSweeperConfig() SweeperConfig {
	return SweeperConfig{
		Interval:           10 * time.Minute,
		CompletedRetention: 24 * time.Hour,
		FailedRetention:    7 * 24 * time.Hour,
	}
}

// Leadership gates the sweep to a single instance.
type Leadership interface {
	IsLeader() bool
}

// Sweeper deletes finished jobs past their retention window and refreshes the
// queue depth gauges. Only the leader sweeps; the jobs table is shared.
type Sweeper struct {
	store   Store
	leader  Leadership
	queues  []string
	cfg     SweeperConfig
	metrics *metrics.QueueMetrics
	logger  zerolog.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewSweeper creates a retention sweeper over the given queues.
func NewSweeper(store Store, leader Leadership, queues []string, cfg SweeperConfig, qm *metrics.QueueMetrics, logger zerolog.Logger) *Sweeper {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Minute
	}
	if cfg.CompletedRetention <= 0 {
		cfg.CompletedRetention = 24 * time.Hour
	}
	if cfg.FailedRetention <= 0 {
		cfg.FailedRetention = 7 * 24 * time.Hour
	}
	return &Sweeper{
		store:   store,
		leader:  leader,
		queues:  queues,
		cfg:     cfg,
		metrics: qm,
		logger:  logger.With().Str("component", "queue-sweeper").Logger(),
		stopCh:  make(chan struct{}),
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.sweep(ctx)
			}
		}
	}()

	s.logger.Info().
		Dur("interval", s.cfg.Interval).
		Dur("completed_retention", s.cfg.CompletedRetention).
		Dur("failed_retention", s.cfg.FailedRetention).
		Msg("queue sweeper started")
	return nil
}

// Stop stops the sweep loop.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.refreshDepths(ctx)

	if s.leader != nil && !s.leader.IsLeader() {
		return
	}

	now := time.Now().UTC()
	removed, err := s.store.Sweep(ctx, now.Add(-s.cfg.CompletedRetention), now.Add(-s.cfg.FailedRetention))
	if err != nil {
		s.logger.Error().Err(err).Msg("retention sweep failed")
		return
	}
	if removed > 0 {
		s.logger.Info().Int64("removed", removed).Msg("swept expired jobs")
	}
}

func (s *Sweeper) refreshDepths(ctx context.Context) {
	if s.metrics == nil {
		return
	}
	for _, name := range s.queues {
		depth, err := s.store.Depth(ctx, name)
		if err != nil {
			s.logger.Warn().Err(err).Str("queue", name).Msg("failed to read queue depth")
			continue
		}
		s.metrics.Depth.WithLabelValues(name).Set(float64(depth))
	}
}
