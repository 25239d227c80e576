// Package queue provides the durable job queue and worker pools that deliver
// run submissions with at-least-once semantics. Jobs are keyed by run ID, so
// enqueue is idempotent: the cron tick and a user-triggered "run now" can both
// submit the same run without double-executing it. When the durable backend is
// unavailable, submissions degrade to an in-process per-key serialization
// chain (best effort, non-durable).
package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/pkg/metrics"
	"github.com/azevedojoel/relay/pkg/tracing"
)

// Handler processes one delivered job. Returning nil completes the job,
// ErrDefer requeues it after the defer delay without consuming an attempt,
// and any other error counts as a failed delivery.
type Handler func(ctx context.Context, job *database.Job) error

// Config holds configuration for one queue's worker pool.
type Config struct {
	// Name is the queue to consume.
	Name string
	// Concurrency is the number of worker goroutines. Bounded to [1, 10].
	Concurrency int
	// MaxAttempts is the delivery attempt budget. Default: 3.
	MaxAttempts int
	// RetryBackoff is the base delay before a failed delivery retries;
	// doubled per attempt. Default: 5s.
	RetryBackoff time.Duration
	// DeferDelay is the fixed redelivery delay for deferred jobs. Default: 5s.
	DeferDelay time.Duration
	// JobTimeout is the hard per-job execution limit; it also bounds the
	// claim lease so a hung worker's job is reclaimable. Default: 30m.
	JobTimeout time.Duration
	// PollInterval is how often idle workers check for work. Default: 1s.
	PollInterval time.Duration
}

// Hard bounds for operator-configured concurrency.
const (
	minConcurrency = 1
	maxConcurrency = 10
)

// DefaultConfig returns the default configuration for a queue.
func DefaultConfig(name string) Config {
	cfg := Config{
		Name:         name,
		Concurrency:  3,
		MaxAttempts:  3,
		RetryBackoff: 5 * time.Second,
		DeferDelay:   5 * time.Second,
		JobTimeout:   30 * time.Minute,
		PollInterval: time.Second,
	}
	if name == WorkflowRuns {
		// Workflow jobs fan out into multiple agent invocations; keep the
		// pool smaller and the timeout larger.
		cfg.Concurrency = 2
		cfg.JobTimeout = 60 * time.Minute
	}
	return cfg
}

func (c *Config) normalize() {
	if c.Concurrency < minConcurrency {
		c.Concurrency = minConcurrency
	}
	if c.Concurrency > maxConcurrency {
		c.Concurrency = maxConcurrency
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 3
	}
	if c.RetryBackoff <= 0 {
		c.RetryBackoff = 5 * time.Second
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = 5 * time.Second
	}
	if c.JobTimeout <= 0 {
		c.JobTimeout = 30 * time.Minute
	}
	if c.PollInterval <= 0 {
		c.PollInterval = time.Second
	}
}

// Queue couples a durable store with a bounded worker pool for one queue name.
type Queue struct {
	cfg     Config
	store   Store
	handler Handler
	chains  *Chains
	metrics *metrics.QueueMetrics
	logger  zerolog.Logger

	workerID string

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a queue consumer. The fallback chains are shared across queues
// so per-key serialization holds regardless of which queue degraded.
func New(cfg Config, store Store, handler Handler, chains *Chains, qm *metrics.QueueMetrics, logger zerolog.Logger) *Queue {
	cfg.normalize()
	hostname, _ := os.Hostname()
	return &Queue{
		cfg:      cfg,
		store:    store,
		handler:  handler,
		chains:   chains,
		metrics:  qm,
		logger:   logger.With().Str("component", "queue").Str("queue", cfg.Name).Logger(),
		workerID: fmt.Sprintf("%s-%s", hostname, uuid.NewString()[:8]),
		stopCh:   make(chan struct{}),
	}
}

// Enqueue submits a job keyed by runID. Re-enqueueing the same runID is a
// no-op. If the durable store is unavailable, the submission is routed through
// the in-process serialization chain for chainKey instead; that path is best
// effort and does not survive a restart.
func (q *Queue) Enqueue(ctx context.Context, runID uuid.UUID, payload []byte, chainKey string) error {
	job := &database.Job{
		ID:          runID,
		Queue:       q.cfg.Name,
		Payload:     payload,
		MaxAttempts: q.cfg.MaxAttempts,
	}

	inserted, err := q.store.Enqueue(ctx, job)
	if err == nil {
		outcome := "accepted"
		if !inserted {
			outcome = "duplicate"
			q.logger.Debug().Str("run_id", runID.String()).Msg("duplicate enqueue dropped")
		}
		if q.metrics != nil {
			q.metrics.EnqueuedTotal.WithLabelValues(q.cfg.Name, outcome).Inc()
		}
		return nil
	}

	if q.chains == nil {
		return err
	}

	// Degraded path: the durable backend is down. Serialize same-key runs in
	// process so mutual exclusion still holds, and surface the mode to
	// operators.
	q.logger.Warn().
		Err(err).
		Str("mode", "degraded").
		Str("run_id", runID.String()).
		Str("chain_key", chainKey).
		Msg("durable queue unavailable, falling back to in-process serialization")
	if q.metrics != nil {
		q.metrics.DegradedTotal.Inc()
	}

	jobCopy := *job
	// The chain has no redelivery machinery, so each submission is delivered
	// as the final attempt: the handler must record a terminal status on
	// failure instead of leaving the run for a retry that will never come.
	jobCopy.Attempts = jobCopy.MaxAttempts
	q.chains.Submit(chainKey, func(chainCtx context.Context) {
		for {
			runCtx, cancel := context.WithTimeout(chainCtx, q.cfg.JobTimeout)
			handlerErr := q.handler(runCtx, &jobCopy)
			cancel()

			if handlerErr == nil {
				return
			}
			if !errors.Is(handlerErr, ErrDefer) {
				q.logger.Error().
					Err(handlerErr).
					Str("run_id", runID.String()).
					Msg("degraded-mode job failed")
				return
			}

			// Lock contention. The durable path reschedules the job; here the
			// chain slot waits out the delay and redelivers so the run is not
			// lost while it sits in queued.
			select {
			case <-time.After(q.cfg.DeferDelay):
			case <-chainCtx.Done():
				q.logger.Warn().
					Str("run_id", runID.String()).
					Msg("deferred degraded job dropped during shutdown")
				return
			}
		}
	})
	return nil
}

// Remove cancels a job that has not started running. Returns ErrJobActive if
// the job is currently executing and ErrJobNotFound if it does not exist.
func (q *Queue) Remove(ctx context.Context, runID uuid.UUID) error {
	return q.store.Remove(ctx, runID)
}

// Start launches the worker pool.
func (q *Queue) Start(ctx context.Context) error {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return fmt.Errorf("queue %s already running", q.cfg.Name)
	}
	q.running = true
	q.stopCh = make(chan struct{})
	q.mu.Unlock()

	for i := 0; i < q.cfg.Concurrency; i++ {
		q.wg.Add(1)
		go func(worker int) {
			defer q.wg.Done()
			q.workerLoop(ctx, worker)
		}(i)
	}

	q.logger.Info().
		Int("concurrency", q.cfg.Concurrency).
		Dur("job_timeout", q.cfg.JobTimeout).
		Msg("queue workers started")

	return nil
}

// Stop gracefully stops the worker pool, waiting for in-flight jobs up to the
// context deadline.
func (q *Queue) Stop(ctx context.Context) error {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return nil
	}
	q.running = false
	close(q.stopCh)
	q.mu.Unlock()

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		q.logger.Info().Msg("queue workers stopped")
		return nil
	case <-ctx.Done():
		q.logger.Warn().Msg("queue stop timed out")
		return ctx.Err()
	}
}

func (q *Queue) workerLoop(ctx context.Context, worker int) {
	ticker := time.NewTicker(q.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			// Drain available work before going back to sleep.
			for q.processOne(ctx, worker) {
				select {
				case <-q.stopCh:
					return
				case <-ctx.Done():
					return
				default:
				}
			}
		}
	}
}

// processOne claims and executes a single job. Returns true when a job was
// processed, false when the queue was empty or the claim failed.
func (q *Queue) processOne(ctx context.Context, worker int) bool {
	job, err := q.store.Claim(ctx, q.cfg.Name, fmt.Sprintf("%s/%d", q.workerID, worker), q.cfg.JobTimeout)
	if err != nil {
		q.logger.Error().Err(err).Msg("failed to claim job")
		return false
	}
	if job == nil {
		return false
	}

	logger := q.logger.With().Str("job_id", job.ID.String()).Int("attempt", job.Attempts).Logger()
	started := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, q.cfg.JobTimeout)
	jobCtx, span := tracing.StartSpan(jobCtx, "queue.process", tracing.WithAttributes(
		tracing.AttrQueue.String(q.cfg.Name),
		tracing.AttrRunID.String(job.ID.String()),
	))
	handlerErr := q.handler(jobCtx, job)
	if handlerErr != nil && !errors.Is(handlerErr, ErrDefer) {
		tracing.RecordError(jobCtx, handlerErr)
	}
	span.End()
	cancel()

	if q.metrics != nil {
		q.metrics.JobDuration.WithLabelValues(q.cfg.Name).Observe(time.Since(started).Seconds())
	}

	switch {
	case handlerErr == nil:
		if err := q.store.Complete(ctx, job.ID); err != nil {
			logger.Error().Err(err).Msg("failed to mark job completed")
		}
		q.recordDelivery("success")

	case errors.Is(handlerErr, ErrDefer):
		if err := q.store.Defer(ctx, job.ID, q.cfg.DeferDelay); err != nil {
			logger.Error().Err(err).Msg("failed to defer job")
		}
		logger.Debug().Dur("delay", q.cfg.DeferDelay).Msg("job deferred")
		q.recordDelivery("deferred")
		if q.metrics != nil {
			q.metrics.LockDeferrals.Inc()
		}

	default:
		retryDelay := q.backoff(job.Attempts)
		if err := q.store.Fail(ctx, job.ID, handlerErr.Error(), retryDelay); err != nil {
			logger.Error().Err(err).Msg("failed to record job failure")
		}
		logger.Warn().
			Err(handlerErr).
			Int("max_attempts", job.MaxAttempts).
			Dur("retry_delay", retryDelay).
			Msg("job delivery failed")
		q.recordDelivery("failure")
	}

	return true
}

func (q *Queue) recordDelivery(result string) {
	if q.metrics != nil {
		q.metrics.DeliveriesTotal.WithLabelValues(q.cfg.Name, result).Inc()
	}
}

// backoff computes the exponential retry delay for the given attempt number
// (1-based): base, 2*base, 4*base, ...
func (q *Queue) backoff(attempt int) time.Duration {
	delay := q.cfg.RetryBackoff
	for i := 1; i < attempt; i++ {
		delay *= 2
	}
	return delay
}
