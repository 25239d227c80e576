package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/queue"
)

// RunSubmission describes a single-agent run to submit. ScheduleID is nil for
// runs triggered directly by a user.
type RunSubmission struct {
	ScheduleID     *uuid.UUID
	UserID         uuid.UUID
	AgentID        uuid.UUID
	Prompt         string
	ConversationID *uuid.UUID
	SelectedTools  []string
}

// Submitter creates run records and hands them to the job queues. It is the
// single entry point for every trigger path: the cron tick, user "run now"
// requests, and workflow launches all go through here, so a run always has a
// persisted row before a job can deliver it.
type Submitter struct {
	runs      database.RunRepository
	wfRuns    database.WorkflowRunRepository
	agentJobs *queue.Queue
	wfJobs    *queue.Queue
	logger    zerolog.Logger
}

// NewSubmitter creates a submitter over the two delivery queues.
func NewSubmitter(
	runs database.RunRepository,
	wfRuns database.WorkflowRunRepository,
	agentJobs *queue.Queue,
	wfJobs *queue.Queue,
	logger zerolog.Logger,
) *Submitter {
	return &Submitter{
		runs:      runs,
		wfRuns:    wfRuns,
		agentJobs: agentJobs,
		wfJobs:    wfJobs,
		logger:    logger.With().Str("component", "submitter").Logger(),
	}
}

// SubmitRun persists a queued run and enqueues its delivery job. The job is
// keyed by the run ID, and same-agent fallback submissions serialize on the
// agent ID.
func (s *Submitter) SubmitRun(ctx context.Context, sub RunSubmission) (*database.Run, error) {
	run := &database.Run{
		ID:         uuid.New(),
		ScheduleID: sub.ScheduleID,
		UserID:     sub.UserID,
		AgentID:    sub.AgentID,
		Status:     database.RunStatusQueued,
		FiredAt:    time.Now().UTC(),
	}

	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run: %w", err)
	}

	payload, err := queue.EncodePayload(queue.RunPayload{
		RunID:          run.ID,
		ScheduleID:     sub.ScheduleID,
		UserID:         sub.UserID,
		AgentID:        sub.AgentID,
		Prompt:         sub.Prompt,
		ConversationID: sub.ConversationID,
		SelectedTools:  sub.SelectedTools,
	})
	if err != nil {
		return nil, err
	}

	if err := s.agentJobs.Enqueue(ctx, run.ID, payload, sub.AgentID.String()); err != nil {
		// The run exists but nothing will ever deliver it; fail it so it does
		// not sit in queued forever.
		if failErr := s.runs.Finish(ctx, run.ID, database.RunStatusFailed, nil, "failed to enqueue run"); failErr != nil {
			s.logger.Error().Err(failErr).Str("run_id", run.ID.String()).Msg("failed to fail unenqueued run")
		}
		return nil, fmt.Errorf("failed to enqueue run: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.ID.String()).
		Str("agent_id", sub.AgentID.String()).
		Str("user_id", sub.UserID.String()).
		Msg("run submitted")

	return run, nil
}

// SubmitWorkflow persists a queued workflow run and enqueues its delivery job.
// Fallback submissions serialize on the workflow ID.
func (s *Submitter) SubmitWorkflow(ctx context.Context, wf *database.Workflow) (*database.WorkflowRun, error) {
	run := &database.WorkflowRun{
		ID:         uuid.New(),
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
		Status:     database.RunStatusQueued,
		FiredAt:    time.Now().UTC(),
	}

	if err := s.wfRuns.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create workflow run: %w", err)
	}

	payload, err := queue.EncodePayload(queue.WorkflowPayload{
		RunID:      run.ID,
		WorkflowID: wf.ID,
		UserID:     wf.UserID,
	})
	if err != nil {
		return nil, err
	}

	if err := s.wfJobs.Enqueue(ctx, run.ID, payload, wf.ID.String()); err != nil {
		if failErr := s.wfRuns.Finish(ctx, run.ID, database.RunStatusFailed, nil, nil, "failed to enqueue workflow run"); failErr != nil {
			s.logger.Error().Err(failErr).Str("run_id", run.ID.String()).Msg("failed to fail unenqueued workflow run")
		}
		return nil, fmt.Errorf("failed to enqueue workflow run: %w", err)
	}

	s.logger.Info().
		Str("run_id", run.ID.String()).
		Str("workflow_id", wf.ID.String()).
		Msg("workflow run submitted")

	return run, nil
}
