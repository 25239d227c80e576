package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// workflowRunRepo implements WorkflowRunRepository.
type workflowRunRepo struct {
	db *DB
}

// NewWorkflowRunRepo creates a new workflow run repository.
func NewWorkflowRunRepo(db *DB) WorkflowRunRepository {
	return &workflowRunRepo{db: db}
}

func (r *workflowRunRepo) Create(ctx context.Context, run *WorkflowRun) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	_, err := r.db.pool.Exec(ctx, WorkflowRunInsert,
		run.ID,
		run.WorkflowID,
		run.UserID,
		run.ConversationID,
		run.Status,
		run.FiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create workflow run: %w", WrapDBError(err))
	}
	return nil
}

func (r *workflowRunRepo) Get(ctx context.Context, id uuid.UUID) (*WorkflowRun, error) {
	run := &WorkflowRun{}
	err := scanWorkflowRun(r.db.pool.QueryRow(ctx, WorkflowRunGetByID, id), run)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get workflow run: %w", err)
	}
	return run, nil
}

func (r *workflowRunRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, WorkflowRunMarkRunning, id)
	if err != nil {
		return fmt.Errorf("failed to mark workflow run running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *workflowRunRepo) Finish(ctx context.Context, id uuid.UUID, status RunStatus, conversationID *uuid.UUID, steps []StepOutput, errMsg string) error {
	if steps == nil {
		steps = []StepOutput{}
	}
	stepJSON, err := json.Marshal(steps)
	if err != nil {
		return fmt.Errorf("failed to marshal step outputs: %w", err)
	}
	result, err := r.db.pool.Exec(ctx, WorkflowRunFinish, id, status, conversationID, stepJSON, NullString(errMsg))
	if err != nil {
		return fmt.Errorf("failed to finish workflow run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *workflowRunRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, page Pagination) ([]WorkflowRun, error) {
	rows, err := r.db.pool.Query(ctx, WorkflowRunListByWorkflow, workflowID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list workflow runs: %w", err)
	}
	defer rows.Close()

	var runs []WorkflowRun
	for rows.Next() {
		var run WorkflowRun
		if err := scanWorkflowRun(rows, &run); err != nil {
			return nil, fmt.Errorf("failed to scan workflow run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *workflowRunRepo) FailInterrupted(ctx context.Context, errMsg string) (int64, error) {
	result, err := r.db.pool.Exec(ctx, WorkflowRunFailInterrupted, errMsg)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted workflow runs: %w", err)
	}
	return result.RowsAffected(), nil
}

func scanWorkflowRun(row pgx.Row, run *WorkflowRun) error {
	var steps []byte
	err := row.Scan(
		&run.ID,
		&run.WorkflowID,
		&run.UserID,
		&run.ConversationID,
		&run.Status,
		&steps,
		&run.FiredAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		return err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &run.StepOutputs); err != nil {
			return fmt.Errorf("failed to unmarshal step outputs: %w", err)
		}
	}
	return nil
}
