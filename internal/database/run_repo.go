package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// runRepo implements RunRepository.
type runRepo struct {
	db *DB
}

// NewRunRepo creates a new run repository.
func NewRunRepo(db *DB) RunRepository {
	return &runRepo{db: db}
}

func (r *runRepo) Create(ctx context.Context, run *Run) error {
	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.Status == "" {
		run.Status = RunStatusQueued
	}
	_, err := r.db.pool.Exec(ctx, RunInsert,
		run.ID,
		run.ScheduleID,
		run.UserID,
		run.AgentID,
		run.ConversationID,
		run.Status,
		run.FiredAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", WrapDBError(err))
	}
	return nil
}

func (r *runRepo) Get(ctx context.Context, id uuid.UUID) (*Run, error) {
	run := &Run{}
	err := r.db.pool.QueryRow(ctx, RunGetByID, id).Scan(
		&run.ID,
		&run.ScheduleID,
		&run.UserID,
		&run.AgentID,
		&run.ConversationID,
		&run.Status,
		&run.FiredAt,
		&run.StartedAt,
		&run.FinishedAt,
		&run.ErrorMessage,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

func (r *runRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, RunMarkRunning, id)
	if err != nil {
		return fmt.Errorf("failed to mark run running: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *runRepo) Finish(ctx context.Context, id uuid.UUID, status RunStatus, conversationID *uuid.UUID, errMsg string) error {
	result, err := r.db.pool.Exec(ctx, RunFinish, id, status, conversationID, NullString(errMsg))
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *runRepo) ListBySchedule(ctx context.Context, scheduleID uuid.UUID, page Pagination) ([]Run, error) {
	rows, err := r.db.pool.Query(ctx, RunListBySchedule, scheduleID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []Run
	for rows.Next() {
		var run Run
		if err := rows.Scan(
			&run.ID,
			&run.ScheduleID,
			&run.UserID,
			&run.AgentID,
			&run.ConversationID,
			&run.Status,
			&run.FiredAt,
			&run.StartedAt,
			&run.FinishedAt,
			&run.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (r *runRepo) FailInterrupted(ctx context.Context, errMsg string) (int64, error) {
	result, err := r.db.pool.Exec(ctx, RunFailInterrupted, errMsg)
	if err != nil {
		return 0, fmt.Errorf("failed to fail interrupted runs: %w", err)
	}
	return result.RowsAffected(), nil
}
