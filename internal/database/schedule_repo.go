package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// scheduleRepo implements ScheduleRepository.
type scheduleRepo struct {
	db *DB
}

// NewScheduleRepo creates a new schedule repository.
func NewScheduleRepo(db *DB) ScheduleRepository {
	return &scheduleRepo{db: db}
}

func (r *scheduleRepo) Create(ctx context.Context, sched *Schedule) error {
	if sched.ID == uuid.Nil {
		sched.ID = uuid.New()
	}
	if sched.SelectedTools == nil {
		sched.SelectedTools = []string{}
	}
	err := r.db.pool.QueryRow(ctx, ScheduleInsert,
		sched.ID,
		sched.UserID,
		sched.AgentID,
		sched.Name,
		sched.Prompt,
		sched.Kind,
		sched.CronExpr,
		sched.RunAt,
		sched.Enabled,
		sched.Timezone,
		sched.SelectedTools,
	).Scan(&sched.CreatedAt, &sched.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create schedule: %w", WrapDBError(err))
	}
	return nil
}

func (r *scheduleRepo) Get(ctx context.Context, id uuid.UUID) (*Schedule, error) {
	sched := &Schedule{}
	err := scanSchedule(r.db.pool.QueryRow(ctx, ScheduleGetByID, id), sched)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sched, nil
}

func (r *scheduleRepo) Update(ctx context.Context, sched *Schedule) error {
	err := r.db.pool.QueryRow(ctx, ScheduleUpdate,
		sched.ID,
		sched.AgentID,
		sched.Name,
		sched.Prompt,
		sched.Kind,
		sched.CronExpr,
		sched.RunAt,
		sched.Enabled,
		sched.Timezone,
		sched.SelectedTools,
	).Scan(&sched.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update schedule: %w", WrapDBError(err))
	}
	return nil
}

func (r *scheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	result, err := r.db.pool.Exec(ctx, ScheduleDelete, id)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepo) ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListByUser, userID, page.Limit, page.Offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *scheduleRepo) ListEnabledRecurring(ctx context.Context) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListEnabledRecurring)
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *scheduleRepo) ListDueOneOff(ctx context.Context, now time.Time) ([]Schedule, error) {
	rows, err := r.db.pool.Query(ctx, ScheduleListDueOneOff, now)
	if err != nil {
		return nil, fmt.Errorf("failed to list due one-off schedules: %w", err)
	}
	defer rows.Close()
	return collectSchedules(rows)
}

func (r *scheduleRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	result, err := r.db.pool.Exec(ctx, ScheduleSetEnabled, id, enabled)
	if err != nil {
		return fmt.Errorf("failed to set schedule enabled: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *scheduleRepo) RecordLastRun(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	result, err := r.db.pool.Exec(ctx, ScheduleRecordLastRun, id, at, status)
	if err != nil {
		return fmt.Errorf("failed to record last run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanSchedule(row pgx.Row, sched *Schedule) error {
	return row.Scan(
		&sched.ID,
		&sched.UserID,
		&sched.AgentID,
		&sched.Name,
		&sched.Prompt,
		&sched.Kind,
		&sched.CronExpr,
		&sched.RunAt,
		&sched.Enabled,
		&sched.Timezone,
		&sched.SelectedTools,
		&sched.LastRunAt,
		&sched.LastRunStatus,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	)
}

func collectSchedules(rows pgx.Rows) ([]Schedule, error) {
	var schedules []Schedule
	for rows.Next() {
		var sched Schedule
		if err := scanSchedule(rows, &sched); err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}
