// Package scheduler provides the cron tick that fires schedules and the
// submitter that turns fired schedules into queued runs. The tick runs on
// every instance but only the leader acts, so a schedule fires once per
// window across a multi-instance deployment.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/pkg/metrics"
	"github.com/azevedojoel/relay/pkg/tracing"
)

// dueWindow is how far back a tick looks for cron fire times. A fire is due
// when it falls in (now-dueWindow, now]; anything older is considered missed
// and skipped rather than fired late in a burst.
const dueWindow = time.Minute

// Leadership reports whether this instance may fire schedules.
type Leadership interface {
	IsLeader() bool
}

// Config holds configuration for the scheduler tick.
type Config struct {
	// TickInterval is how often due schedules are evaluated. Default: 1m.
	TickInterval time.Duration
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval: time.Minute,
	}
}

// Scheduler evaluates schedules on a fixed tick and submits the due ones.
type Scheduler struct {
	schedules database.ScheduleRepository
	submitter *Submitter
	leader    Leadership
	cfg       Config
	metrics   *metrics.SchedulerMetrics
	logger    zerolog.Logger

	parser cron.Parser

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// New creates a scheduler.
func New(
	schedules database.ScheduleRepository,
	submitter *Submitter,
	leader Leadership,
	cfg Config,
	sm *metrics.SchedulerMetrics,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = time.Minute
	}
	return &Scheduler{
		schedules: schedules,
		submitter: submitter,
		leader:    leader,
		cfg:       cfg,
		metrics:   sm,
		logger:    logger.With().Str("component", "scheduler").Logger(),
		parser:    cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the background tick loop.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.tickLoop(ctx)
	}()

	s.logger.Info().Dur("tick_interval", s.cfg.TickInterval).Msg("scheduler started")
	return nil
}

// Stop gracefully stops the tick loop.
func (s *Scheduler) Stop(ctx context.Context) error {
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
		s.logger.Info().Msg("scheduler stopped")
		return nil
	case <-ctx.Done():
		s.logger.Warn().Msg("scheduler stop timed out")
		return ctx.Err()
	}
}

func (s *Scheduler) tickLoop(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Tick(ctx, time.Now().UTC()); err != nil {
				s.logger.Error().Err(err).Msg("scheduler tick failed")
			}
		}
	}
}

// Tick evaluates every enabled schedule against now and submits the due ones.
// A failing schedule is logged and skipped; it never blocks the rest of the
// tick.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) error {
	if s.metrics != nil {
		if s.leader.IsLeader() {
			s.metrics.LeaderState.Set(1)
		} else {
			s.metrics.LeaderState.Set(0)
		}
	}

	if !s.leader.IsLeader() {
		s.recordTick("follower")
		return nil
	}

	ctx, span := tracing.StartSpan(ctx, "scheduler.tick")
	defer span.End()

	started := time.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(time.Since(started).Seconds())
		}
	}()

	var firstErr error

	if err := s.tickRecurring(ctx, now); err != nil {
		firstErr = err
	}
	if err := s.tickOneOff(ctx, now); err != nil && firstErr == nil {
		firstErr = err
	}

	if firstErr != nil {
		s.recordTick("error")
		return firstErr
	}
	s.recordTick("ok")
	return nil
}

func (s *Scheduler) tickRecurring(ctx context.Context, now time.Time) error {
	scheds, err := s.schedules.ListEnabledRecurring(ctx)
	if err != nil {
		return fmt.Errorf("failed to list recurring schedules: %w", err)
	}

	for i := range scheds {
		sched := &scheds[i]

		fireAt, due, err := s.dueAt(sched, now)
		if err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule_id", sched.ID.String()).
				Str("cron_expr", derefString(sched.CronExpr)).
				Msg("skipping schedule with invalid cron expression")
			s.recordSubmitError()
			continue
		}
		if !due {
			continue
		}

		// A fire already recorded at or after this fire time means another
		// tick (or a previous leader) got here first.
		if sched.LastRunAt != nil && !sched.LastRunAt.Before(fireAt) {
			continue
		}

		if s.metrics != nil {
			s.metrics.SchedulesDue.Inc()
		}

		if err := s.fire(ctx, sched, fireAt); err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule_id", sched.ID.String()).
				Msg("failed to fire schedule")
			s.recordSubmitError()
		}
	}

	return nil
}

func (s *Scheduler) tickOneOff(ctx context.Context, now time.Time) error {
	scheds, err := s.schedules.ListDueOneOff(ctx, now)
	if err != nil {
		return fmt.Errorf("failed to list due one-off schedules: %w", err)
	}

	for i := range scheds {
		sched := &scheds[i]

		if s.metrics != nil {
			s.metrics.SchedulesDue.Inc()
		}

		if err := s.fire(ctx, sched, now); err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule_id", sched.ID.String()).
				Msg("failed to fire one-off schedule")
			s.recordSubmitError()
			continue
		}

		// A one-off fires exactly once. Disable only after the submit
		// succeeded so a failed submit retries next tick.
		if err := s.schedules.SetEnabled(ctx, sched.ID, false); err != nil {
			s.logger.Error().
				Err(err).
				Str("schedule_id", sched.ID.String()).
				Msg("failed to disable fired one-off schedule")
		}
	}

	return nil
}

// fire submits one run for a due schedule and records the fire time.
func (s *Scheduler) fire(ctx context.Context, sched *database.Schedule, firedAt time.Time) error {
	ctx, span := tracing.StartSpan(ctx, "scheduler.fire", tracing.WithAttributes(
		tracing.AttrScheduleID.String(sched.ID.String()),
		tracing.AttrAgentID.String(sched.AgentID.String()),
		tracing.AttrUserID.String(sched.UserID.String()),
	))
	defer span.End()

	scheduleID := sched.ID
	_, err := s.submitter.SubmitRun(ctx, RunSubmission{
		ScheduleID:    &scheduleID,
		UserID:        sched.UserID,
		AgentID:       sched.AgentID,
		Prompt:        sched.Prompt,
		SelectedTools: sched.SelectedTools,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return err
	}

	if err := s.schedules.RecordLastRun(ctx, sched.ID, firedAt, string(database.RunStatusQueued)); err != nil {
		s.logger.Error().
			Err(err).
			Str("schedule_id", sched.ID.String()).
			Msg("failed to record schedule fire time")
	}

	s.logger.Info().
		Str("schedule_id", sched.ID.String()).
		Str("name", sched.Name).
		Time("fired_at", firedAt).
		Msg("schedule fired")

	return nil
}

// dueAt evaluates a recurring schedule's cron expression in its timezone and
// reports the most recent fire time inside the due window, if any.
func (s *Scheduler) dueAt(sched *database.Schedule, now time.Time) (time.Time, bool, error) {
	if sched.CronExpr == nil || *sched.CronExpr == "" {
		return time.Time{}, false, fmt.Errorf("recurring schedule has no cron expression")
	}

	expr, err := s.parser.Parse(*sched.CronExpr)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to parse cron expression %q: %w", *sched.CronExpr, err)
	}

	loc := time.UTC
	if sched.Timezone != "" {
		loc, err = time.LoadLocation(sched.Timezone)
		if err != nil {
			return time.Time{}, false, fmt.Errorf("failed to load timezone %q: %w", sched.Timezone, err)
		}
	}

	// Due iff the expression fires in (now-dueWindow, now]. Walking from the
	// window edge keeps a slow or delayed tick from replaying older fires.
	local := now.In(loc)
	next := expr.Next(local.Add(-dueWindow))
	if next.IsZero() || next.After(local) {
		return time.Time{}, false, nil
	}
	return next.UTC(), true, nil
}

func (s *Scheduler) recordTick(outcome string) {
	if s.metrics != nil {
		s.metrics.TicksTotal.WithLabelValues(outcome).Inc()
	}
}

func (s *Scheduler) recordSubmitError() {
	if s.metrics != nil {
		s.metrics.SubmitErrorsTotal.Inc()
	}
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
