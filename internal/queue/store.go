package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/azevedojoel/relay/internal/database"
)

const (
	// jobInsertSQL inserts a job keyed by run ID. A duplicate run ID conflicts
	// on the primary key and inserts nothing, which is the idempotent-enqueue
	// guarantee.
	jobInsertSQL = `
		INSERT INTO jobs (id, queue, payload, state, max_attempts, next_run_at)
		VALUES ($1, $2, $3, 'queued', $4, $5)
		ON CONFLICT (id) DO NOTHING`

	// jobClaimSQL leases the oldest deliverable job. A job is deliverable when
	// it is queued and due, or active but past its claim lease (worker crashed
	// or exceeded the hard timeout). SKIP LOCKED keeps concurrent workers from
	// fighting over the same row.
	jobClaimSQL = `
		UPDATE jobs SET
			state = 'active',
			attempts = attempts + 1,
			claimed_by = $2,
			claimed_until = $3
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
			  AND (
				(state = 'queued' AND next_run_at <= now())
				OR (state = 'active' AND claimed_until <= now())
			  )
			ORDER BY next_run_at ASC
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, payload, state, attempts, max_attempts, next_run_at,
				  claimed_by, claimed_until, last_error, created_at, finished_at`

	// jobDeferSQL requeues an active job after the given delay and refunds the
	// attempt consumed by the claim.
	jobDeferSQL = `
		UPDATE jobs SET
			state = 'queued',
			attempts = attempts - 1,
			claimed_by = NULL,
			claimed_until = NULL,
			next_run_at = $2
		WHERE id = $1 AND state = 'active'`

	// jobCompleteSQL marks an active job completed.
	jobCompleteSQL = `
		UPDATE jobs SET
			state = 'completed',
			claimed_by = NULL,
			claimed_until = NULL,
			finished_at = now()
		WHERE id = $1 AND state = 'active'`

	// jobFailSQL records a delivery failure: the job retries after the given
	// delay until the attempt budget is exhausted, then parks as failed.
	jobFailSQL = `
		UPDATE jobs SET
			state = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'queued' END,
			claimed_by = NULL,
			claimed_until = NULL,
			next_run_at = $2,
			last_error = $3,
			finished_at = CASE WHEN attempts >= max_attempts THEN now() ELSE NULL END
		WHERE id = $1 AND state = 'active'`

	// jobRemoveSQL deletes a job that has not started running.
	jobRemoveSQL = `DELETE FROM jobs WHERE id = $1 AND state = 'queued'`

	// jobStateSQL reads a job's state.
	jobStateSQL = `SELECT state FROM jobs WHERE id = $1`

	// jobDepthSQL counts queued jobs per queue.
	jobDepthSQL = `SELECT COUNT(*) FROM jobs WHERE queue = $1 AND state = 'queued'`

	// jobSweepSQL deletes terminal jobs past their retention window.
	jobSweepSQL = `
		DELETE FROM jobs
		WHERE (state = 'completed' AND finished_at <= $1)
		   OR (state = 'failed' AND finished_at <= $2)`
)

// Store is the durable job store contract the worker pool runs against.
type Store interface {
	// Enqueue inserts a job. Returns false if a job with the same ID already
	// exists (duplicate enqueue, dropped).
	Enqueue(ctx context.Context, job *database.Job) (bool, error)

	// Claim leases the next deliverable job for workerID, or returns nil when
	// the queue is empty.
	Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*database.Job, error)

	// Defer requeues an active job after delay without consuming an attempt.
	Defer(ctx context.Context, id uuid.UUID, delay time.Duration) error

	// Complete marks an active job as completed.
	Complete(ctx context.Context, id uuid.UUID) error

	// Fail records a failed delivery; the job retries after retryDelay until
	// its attempt budget runs out.
	Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error

	// Remove deletes a job that has not started. Returns ErrJobActive if the
	// job is being processed and ErrJobNotFound if it does not exist.
	Remove(ctx context.Context, id uuid.UUID) error

	// Depth returns the number of queued jobs in a queue.
	Depth(ctx context.Context, queue string) (int64, error)

	// Sweep deletes terminal jobs past their retention windows and returns
	// the number of rows removed.
	Sweep(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error)
}

// pgStore implements Store on the shared PostgreSQL database.
type pgStore struct {
	db *database.DB
}

// NewStore creates a durable job store backed by the shared database.
func NewStore(db *database.DB) Store {
	return &pgStore{db: db}
}

func (s *pgStore) Enqueue(ctx context.Context, job *database.Job) (bool, error) {
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = 3
	}
	if job.NextRunAt.IsZero() {
		job.NextRunAt = time.Now().UTC()
	}
	result, err := s.db.Pool().Exec(ctx, jobInsertSQL,
		job.ID, job.Queue, job.Payload, job.MaxAttempts, job.NextRunAt)
	if err != nil {
		return false, fmt.Errorf("failed to enqueue job: %w", err)
	}
	return result.RowsAffected() == 1, nil
}

func (s *pgStore) Claim(ctx context.Context, queue, workerID string, lease time.Duration) (*database.Job, error) {
	job := &database.Job{}
	err := s.db.Pool().QueryRow(ctx, jobClaimSQL, queue, workerID, time.Now().UTC().Add(lease)).Scan(
		&job.ID,
		&job.Queue,
		&job.Payload,
		&job.State,
		&job.Attempts,
		&job.MaxAttempts,
		&job.NextRunAt,
		&job.ClaimedBy,
		&job.ClaimedTill,
		&job.LastError,
		&job.CreatedAt,
		&job.FinishedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

func (s *pgStore) Defer(ctx context.Context, id uuid.UUID, delay time.Duration) error {
	result, err := s.db.Pool().Exec(ctx, jobDeferSQL, id, time.Now().UTC().Add(delay))
	if err != nil {
		return fmt.Errorf("failed to defer job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *pgStore) Complete(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Pool().Exec(ctx, jobCompleteSQL, id)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *pgStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	result, err := s.db.Pool().Exec(ctx, jobFailSQL, id, time.Now().UTC().Add(retryDelay), errMsg)
	if err != nil {
		return fmt.Errorf("failed to record job failure: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrJobNotFound
	}
	return nil
}

func (s *pgStore) Remove(ctx context.Context, id uuid.UUID) error {
	result, err := s.db.Pool().Exec(ctx, jobRemoveSQL, id)
	if err != nil {
		return fmt.Errorf("failed to remove job: %w", err)
	}
	if result.RowsAffected() == 1 {
		return nil
	}

	// Nothing deleted: distinguish an active job from a missing one.
	var state database.JobState
	err = s.db.Pool().QueryRow(ctx, jobStateSQL, id).Scan(&state)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrJobNotFound
		}
		return fmt.Errorf("failed to inspect job state: %w", err)
	}
	if state == database.JobStateActive {
		return ErrJobActive
	}
	return ErrJobNotFound
}

func (s *pgStore) Depth(ctx context.Context, queue string) (int64, error) {
	var depth int64
	if err := s.db.Pool().QueryRow(ctx, jobDepthSQL, queue).Scan(&depth); err != nil {
		return 0, fmt.Errorf("failed to read queue depth: %w", err)
	}
	return depth, nil
}

func (s *pgStore) Sweep(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	result, err := s.db.Pool().Exec(ctx, jobSweepSQL, completedBefore, failedBefore)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep jobs: %w", err)
	}
	return result.RowsAffected(), nil
}
