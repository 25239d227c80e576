// Package run executes queued agent runs. The executor is the job handler
// behind the agent-runs queue: it serializes runs per agent with a
// distributed lock, drives the agent runtime to completion, and records the
// terminal status. Delivery retries and run execution are kept idempotent so
// at-least-once delivery never runs the same agent turn twice to completion.
package run

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/agent"
	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/lock"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/pkg/metrics"
)

// CancelledMessage is the terminal error message recorded for runs that were
// aborted rather than failing on their own.
const CancelledMessage = "Cancelled by user"

// maxTitleLen bounds the conversation title derived from a prompt.
const maxTitleLen = 80

// Events receives run lifecycle notifications. Implementations fan the
// transition out to connected clients.
type Events interface {
	PublishRunStatus(kind string, runID uuid.UUID, status database.RunStatus)
}

// Config holds configuration for the run executor.
type Config struct {
	// LockNamespace prefixes agent lock keys. Default: "relay".
	LockNamespace string
	// LockTTL bounds how long a single run may hold its agent's lock. Must
	// exceed the job timeout so the lock never lapses under a live run.
	// Default: 35m.
	LockTTL time.Duration
}

// DefaultConfig returns the default executor configuration.
func DefaultConfig() Config {
	return Config{
		LockNamespace: "relay",
		LockTTL:       35 * time.Minute,
	}
}

// Executor drives queued agent runs to completion.
type Executor struct {
	runs      database.RunRepository
	schedules database.ScheduleRepository
	users     database.UserRepository
	agents    database.AgentRepository
	convs     database.ConversationRepository
	runtime   agent.Runtime
	locks     lock.Service
	aborts    *abort.Registry
	events    Events
	cfg       Config
	metrics   *metrics.RunMetrics
	logger    zerolog.Logger
}

// NewExecutor creates a run executor.
func NewExecutor(
	runs database.RunRepository,
	schedules database.ScheduleRepository,
	users database.UserRepository,
	agents database.AgentRepository,
	convs database.ConversationRepository,
	runtime agent.Runtime,
	locks lock.Service,
	aborts *abort.Registry,
	events Events,
	cfg Config,
	rm *metrics.RunMetrics,
	logger zerolog.Logger,
) *Executor {
	if cfg.LockNamespace == "" {
		cfg.LockNamespace = "relay"
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 35 * time.Minute
	}
	return &Executor{
		runs:      runs,
		schedules: schedules,
		users:     users,
		agents:    agents,
		convs:     convs,
		runtime:   runtime,
		locks:     locks,
		aborts:    aborts,
		events:    events,
		cfg:       cfg,
		metrics:   rm,
		logger:    logger.With().Str("component", "run-executor").Logger(),
	}
}

// HandleJob is the queue handler for agent-run jobs. At most one run per
// agent executes at a time: when the agent's lock is held elsewhere the job
// is deferred, not failed, and redelivers after the defer delay without
// consuming an attempt.
func (e *Executor) HandleJob(ctx context.Context, job *database.Job) error {
	var payload queue.RunPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		// An undecodable payload never becomes decodable; burn the job.
		e.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("dropping undecodable run job")
		return nil
	}

	logger := e.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("agent_id", payload.AgentID.String()).
		Logger()

	run, err := e.runs.Get(ctx, payload.RunID)
	if err != nil {
		if database.IsNotFound(err) {
			logger.Warn().Msg("run record missing, dropping job")
			return nil
		}
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run.Status.IsTerminal() {
		// Redelivery of a run that already finished.
		logger.Debug().Str("status", string(run.Status)).Msg("run already terminal, dropping job")
		return nil
	}

	// Resolve the user and agent before taking the lock or touching the run:
	// a run whose references are gone can never execute, so it fails terminal
	// right away instead of burning delivery attempts.
	if _, err := e.users.Get(ctx, payload.UserID); err != nil {
		if database.IsNotFound(err) {
			return e.failValidation(ctx, &payload, "user not found", logger)
		}
		return fmt.Errorf("failed to load user: %w", err)
	}
	if _, err := e.agents.Get(ctx, payload.AgentID); err != nil {
		if database.IsNotFound(err) {
			return e.failValidation(ctx, &payload, "agent not found", logger)
		}
		return fmt.Errorf("failed to load agent: %w", err)
	}

	key := lock.AgentKey(e.cfg.LockNamespace, payload.AgentID.String())
	holder := payload.RunID.String()

	acquired, err := e.locks.Acquire(ctx, key, holder, e.cfg.LockTTL)
	if err != nil {
		return fmt.Errorf("failed to acquire agent lock: %w", err)
	}
	if !acquired {
		logger.Debug().Str("lock_key", key).Msg("agent busy, deferring run")
		return queue.ErrDefer
	}
	defer func() {
		// Release failures are tolerable: the TTL reclaims the lock.
		if _, err := e.locks.Release(context.WithoutCancel(ctx), key, holder); err != nil {
			logger.Error().Err(err).Str("lock_key", key).Msg("failed to release agent lock")
		}
	}()

	final := job.Attempts >= job.MaxAttempts
	return e.execute(ctx, &payload, final, logger)
}

// execute runs one agent invocation under the already-held agent lock.
// When final is false a non-cancellation failure leaves the run in running
// state for the queue to retry; the terminal failed status is only recorded
// on the last attempt.
func (e *Executor) execute(ctx context.Context, payload *queue.RunPayload, final bool, logger zerolog.Logger) error {
	if err := e.runs.MarkRunning(ctx, payload.RunID); err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	e.publish(database.RunStatusRunning, payload.RunID)

	if e.metrics != nil {
		e.metrics.RunsActive.Inc()
		defer e.metrics.RunsActive.Dec()
	}
	started := time.Now()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.aborts.Register(payload.RunID.String(), cancel)
	defer e.aborts.Unregister(payload.RunID.String())

	result, err := e.invoke(runCtx, payload)

	if e.metrics != nil {
		e.metrics.RunDuration.WithLabelValues("agent").Observe(time.Since(started).Seconds())
	}

	// Status writes below use a context that survives the abort, otherwise a
	// cancelled run could never record its own terminal state.
	writeCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		convID := result.ConversationID
		if err := e.runs.Finish(writeCtx, payload.RunID, database.RunStatusSuccess, &convID, ""); err != nil {
			logger.Error().Err(err).Msg("failed to record run success")
		}
		e.tagConversation(writeCtx, payload, convID, logger)
		e.recordScheduleOutcome(writeCtx, payload, database.RunStatusSuccess, logger)
		e.finishMetrics(database.RunStatusSuccess)
		e.publish(database.RunStatusSuccess, payload.RunID)
		logger.Info().Str("conversation_id", convID.String()).Msg("run succeeded")
		return nil

	case agent.IsCancelled(err):
		if err := e.runs.Finish(writeCtx, payload.RunID, database.RunStatusFailed, nil, CancelledMessage); err != nil {
			logger.Error().Err(err).Msg("failed to record cancelled run")
		}
		e.recordScheduleOutcome(writeCtx, payload, database.RunStatusFailed, logger)
		e.finishMetrics(database.RunStatusFailed)
		e.publish(database.RunStatusFailed, payload.RunID)
		logger.Info().Msg("run cancelled")
		// A cancelled run is deliberate; never redeliver it.
		return nil

	default:
		if final {
			if finishErr := e.runs.Finish(writeCtx, payload.RunID, database.RunStatusFailed, nil, err.Error()); finishErr != nil {
				logger.Error().Err(finishErr).Msg("failed to record run failure")
			}
			e.recordScheduleOutcome(writeCtx, payload, database.RunStatusFailed, logger)
			e.finishMetrics(database.RunStatusFailed)
			e.publish(database.RunStatusFailed, payload.RunID)
		}
		logger.Warn().Err(err).Bool("final", final).Msg("run failed")
		return err
	}
}

func (e *Executor) invoke(ctx context.Context, payload *queue.RunPayload) (*agent.RunResult, error) {
	session, err := e.runtime.NewSession(ctx, payload.UserID, payload.AgentID)
	if err != nil {
		return nil, fmt.Errorf("failed to open agent session: %w", err)
	}
	defer session.Close()

	result, err := session.Run(ctx, agent.RunRequest{
		UserID:         payload.UserID,
		AgentID:        payload.AgentID,
		Prompt:         payload.Prompt,
		ConversationID: payload.ConversationID,
		SelectedTools:  payload.SelectedTools,
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// tagConversation titles the output conversation after the schedule that
// produced it, or after the prompt for direct runs, and marks it with the
// producing run so chat surfaces can filter and trace it.
func (e *Executor) tagConversation(ctx context.Context, payload *queue.RunPayload, convID uuid.UUID, logger zerolog.Logger) {
	title := payload.Prompt
	if payload.ScheduleID != nil {
		sched, err := e.schedules.Get(ctx, *payload.ScheduleID)
		if err != nil {
			logger.Warn().Err(err).Msg("failed to load schedule for conversation title")
		} else {
			title = sched.Name
		}
	}
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}

	if err := e.convs.Tag(ctx, convID, title, []string{"automated", "run:" + payload.RunID.String()}); err != nil {
		logger.Warn().Err(err).Str("conversation_id", convID.String()).Msg("failed to tag conversation")
	}
}

// failValidation records a terminal failure for a run that can never execute.
// Returns nil so the queue does not redeliver it.
func (e *Executor) failValidation(ctx context.Context, payload *queue.RunPayload, reason string, logger zerolog.Logger) error {
	if err := e.runs.Finish(ctx, payload.RunID, database.RunStatusFailed, nil, reason); err != nil {
		logger.Error().Err(err).Msg("failed to record run validation failure")
	}
	e.recordScheduleOutcome(ctx, payload, database.RunStatusFailed, logger)
	e.finishMetrics(database.RunStatusFailed)
	e.publish(database.RunStatusFailed, payload.RunID)
	logger.Warn().Str("reason", reason).Msg("run failed validation")
	return nil
}

func (e *Executor) recordScheduleOutcome(ctx context.Context, payload *queue.RunPayload, status database.RunStatus, logger zerolog.Logger) {
	if payload.ScheduleID == nil {
		return
	}
	if err := e.schedules.RecordLastRun(ctx, *payload.ScheduleID, time.Now().UTC(), string(status)); err != nil {
		logger.Warn().Err(err).Msg("failed to record schedule outcome")
	}
}

func (e *Executor) finishMetrics(status database.RunStatus) {
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues("agent", string(status)).Inc()
	}
}

func (e *Executor) publish(status database.RunStatus, runID uuid.UUID) {
	if e.events != nil {
		e.events.PublishRunStatus("agent", runID, status)
	}
}
