package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/pkg/log"
)

// MockScheduleRepo is a mock implementation of database.ScheduleRepository.
type MockScheduleRepo struct {
	mock.Mock
}

func (m *MockScheduleRepo) Create(ctx context.Context, sched *database.Schedule) error {
	args := m.Called(ctx, sched)
	return args.Error(0)
}

func (m *MockScheduleRepo) Get(ctx context.Context, id uuid.UUID) (*database.Schedule, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) Update(ctx context.Context, sched *database.Schedule) error {
	args := m.Called(ctx, sched)
	return args.Error(0)
}

func (m *MockScheduleRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockScheduleRepo) ListByUser(ctx context.Context, userID uuid.UUID, page database.Pagination) ([]database.Schedule, error) {
	args := m.Called(ctx, userID, page)
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) ListEnabledRecurring(ctx context.Context) ([]database.Schedule, error) {
	args := m.Called(ctx)
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) ListDueOneOff(ctx context.Context, now time.Time) ([]database.Schedule, error) {
	args := m.Called(ctx, now)
	return args.Get(0).([]database.Schedule), args.Error(1)
}

func (m *MockScheduleRepo) SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error {
	args := m.Called(ctx, id, enabled)
	return args.Error(0)
}

func (m *MockScheduleRepo) RecordLastRun(ctx context.Context, id uuid.UUID, at time.Time, status string) error {
	args := m.Called(ctx, id, at, status)
	return args.Error(0)
}

// MockRunRepo is a mock implementation of database.RunRepository.
type MockRunRepo struct {
	mock.Mock
}

func (m *MockRunRepo) Create(ctx context.Context, run *database.Run) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockRunRepo) Get(ctx context.Context, id uuid.UUID) (*database.Run, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Run), args.Error(1)
}

func (m *MockRunRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockRunRepo) Finish(ctx context.Context, id uuid.UUID, status database.RunStatus, conversationID *uuid.UUID, errMsg string) error {
	args := m.Called(ctx, id, status, conversationID, errMsg)
	return args.Error(0)
}

func (m *MockRunRepo) ListBySchedule(ctx context.Context, scheduleID uuid.UUID, page database.Pagination) ([]database.Run, error) {
	args := m.Called(ctx, scheduleID, page)
	return args.Get(0).([]database.Run), args.Error(1)
}

func (m *MockRunRepo) FailInterrupted(ctx context.Context, errMsg string) (int64, error) {
	args := m.Called(ctx, errMsg)
	return args.Get(0).(int64), args.Error(1)
}

// MockWorkflowRunRepo is a mock implementation of database.WorkflowRunRepository.
type MockWorkflowRunRepo struct {
	mock.Mock
}

func (m *MockWorkflowRunRepo) Create(ctx context.Context, run *database.WorkflowRun) error {
	args := m.Called(ctx, run)
	return args.Error(0)
}

func (m *MockWorkflowRunRepo) Get(ctx context.Context, id uuid.UUID) (*database.WorkflowRun, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.WorkflowRun), args.Error(1)
}

func (m *MockWorkflowRunRepo) MarkRunning(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockWorkflowRunRepo) Finish(ctx context.Context, id uuid.UUID, status database.RunStatus, conversationID *uuid.UUID, steps []database.StepOutput, errMsg string) error {
	args := m.Called(ctx, id, status, conversationID, steps, errMsg)
	return args.Error(0)
}

func (m *MockWorkflowRunRepo) ListByWorkflow(ctx context.Context, workflowID uuid.UUID, page database.Pagination) ([]database.WorkflowRun, error) {
	args := m.Called(ctx, workflowID, page)
	return args.Get(0).([]database.WorkflowRun), args.Error(1)
}

func (m *MockWorkflowRunRepo) FailInterrupted(ctx context.Context, errMsg string) (int64, error) {
	args := m.Called(ctx, errMsg)
	return args.Get(0).(int64), args.Error(1)
}

// memStore is a minimal in-memory queue.Store for submitter tests.
type memStore struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*database.Job
}

func newMemStore() *memStore {
	return &memStore{jobs: make(map[uuid.UUID]*database.Job)}
}

func (s *memStore) Enqueue(ctx context.Context, job *database.Job) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.ID]; ok {
		return false, nil
	}
	j := *job
	s.jobs[job.ID] = &j
	return true, nil
}

func (s *memStore) Claim(ctx context.Context, queueName, workerID string, lease time.Duration) (*database.Job, error) {
	return nil, nil
}

func (s *memStore) Defer(ctx context.Context, id uuid.UUID, delay time.Duration) error { return nil }
func (s *memStore) Complete(ctx context.Context, id uuid.UUID) error                   { return nil }
func (s *memStore) Fail(ctx context.Context, id uuid.UUID, errMsg string, retryDelay time.Duration) error {
	return nil
}
func (s *memStore) Remove(ctx context.Context, id uuid.UUID) error { return nil }

func (s *memStore) Depth(ctx context.Context, queueName string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.jobs)), nil
}

func (s *memStore) Sweep(ctx context.Context, completedBefore, failedBefore time.Time) (int64, error) {
	return 0, nil
}

type staticLeader struct{ leading bool }

func (l staticLeader) IsLeader() bool { return l.leading }

func ptrString(s string) *string { return &s }

func newTestScheduler(t *testing.T, schedules *MockScheduleRepo, runs *MockRunRepo, leading bool) (*Scheduler, *memStore) {
	t.Helper()
	store := newMemStore()
	agentJobs := queue.New(queue.DefaultConfig(queue.AgentRuns), store, nil, nil, nil, log.NewNop())
	wfJobs := queue.New(queue.DefaultConfig(queue.WorkflowRuns), store, nil, nil, nil, log.NewNop())
	sub := NewSubmitter(runs, &MockWorkflowRunRepo{}, agentJobs, wfJobs, log.NewNop())
	return New(schedules, sub, staticLeader{leading}, DefaultConfig(), nil, log.NewNop()), store
}

func TestTickFiresDueRecurringSchedule(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	sched := database.Schedule{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Name:     "daily digest",
		Prompt:   "Summarize yesterday's activity",
		Kind:     database.ScheduleKindRecurring,
		CronExpr: ptrString("30 9 * * *"),
		Enabled:  true,
		Timezone: "UTC",
	}

	now := time.Date(2026, 4, 2, 9, 30, 5, 0, time.UTC)

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{sched}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{}, nil)
	schedules.On("RecordLastRun", mock.Anything, sched.ID, mock.Anything, "queued").Return(nil)
	runs.On("Create", mock.Anything, mock.MatchedBy(func(r *database.Run) bool {
		return r.ScheduleID != nil && *r.ScheduleID == sched.ID && r.Status == database.RunStatusQueued
	})).Return(nil)

	s, store := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	depth, err := store.Depth(context.Background(), queue.AgentRuns)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
	schedules.AssertExpectations(t)
	runs.AssertExpectations(t)
}

func TestTickSkipsScheduleOutsideWindow(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	sched := database.Schedule{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Kind:     database.ScheduleKindRecurring,
		CronExpr: ptrString("0 9 * * *"),
		Enabled:  true,
		Timezone: "UTC",
	}

	// Five minutes past the fire time: the fire is outside the due window
	// and must be treated as missed, not fired late.
	now := time.Date(2026, 4, 2, 9, 5, 0, 0, time.UTC)

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{sched}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{}, nil)

	s, store := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	depth, err := store.Depth(context.Background(), queue.AgentRuns)
	require.NoError(t, err)
	assert.Zero(t, depth)
	runs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestTickSkipsAlreadyFiredSchedule(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	now := time.Date(2026, 4, 2, 9, 30, 5, 0, time.UTC)
	lastRun := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)

	sched := database.Schedule{
		ID:        uuid.New(),
		UserID:    uuid.New(),
		AgentID:   uuid.New(),
		Kind:      database.ScheduleKindRecurring,
		CronExpr:  ptrString("30 9 * * *"),
		Enabled:   true,
		Timezone:  "UTC",
		LastRunAt: &lastRun,
	}

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{sched}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{}, nil)

	s, _ := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	runs.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestTickHonorsScheduleTimezone(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	sched := database.Schedule{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Kind:     database.ScheduleKindRecurring,
		CronExpr: ptrString("0 9 * * *"),
		Enabled:  true,
		Timezone: "America/New_York",
	}

	// 09:00 in New York is 13:00 UTC during DST.
	now := time.Date(2026, 4, 2, 13, 0, 10, 0, time.UTC)

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{sched}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{}, nil)
	schedules.On("RecordLastRun", mock.Anything, sched.ID, mock.Anything, "queued").Return(nil)
	runs.On("Create", mock.Anything, mock.Anything).Return(nil)

	s, store := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	depth, err := store.Depth(context.Background(), queue.AgentRuns)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth)
}

func TestTickFollowerDoesNothing(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	s, _ := newTestScheduler(t, schedules, runs, false)
	require.NoError(t, s.Tick(context.Background(), time.Now().UTC()))

	schedules.AssertNotCalled(t, "ListEnabledRecurring", mock.Anything)
	schedules.AssertNotCalled(t, "ListDueOneOff", mock.Anything, mock.Anything)
}

func TestTickFiresAndDisablesOneOff(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	runAt := time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)
	sched := database.Schedule{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		AgentID: uuid.New(),
		Kind:    database.ScheduleKindOneOff,
		RunAt:   &runAt,
		Enabled: true,
	}

	now := runAt.Add(30 * time.Second)

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{sched}, nil)
	schedules.On("RecordLastRun", mock.Anything, sched.ID, mock.Anything, "queued").Return(nil)
	schedules.On("SetEnabled", mock.Anything, sched.ID, false).Return(nil)
	runs.On("Create", mock.Anything, mock.Anything).Return(nil)

	s, _ := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	schedules.AssertCalled(t, "SetEnabled", mock.Anything, sched.ID, false)
}

func TestTickIsolatesBadCronExpression(t *testing.T) {
	schedules := new(MockScheduleRepo)
	runs := new(MockRunRepo)

	bad := database.Schedule{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Kind:     database.ScheduleKindRecurring,
		CronExpr: ptrString("not a cron"),
		Enabled:  true,
	}
	good := database.Schedule{
		ID:       uuid.New(),
		UserID:   uuid.New(),
		AgentID:  uuid.New(),
		Kind:     database.ScheduleKindRecurring,
		CronExpr: ptrString("30 9 * * *"),
		Enabled:  true,
		Timezone: "UTC",
	}

	now := time.Date(2026, 4, 2, 9, 30, 5, 0, time.UTC)

	schedules.On("ListEnabledRecurring", mock.Anything).Return([]database.Schedule{bad, good}, nil)
	schedules.On("ListDueOneOff", mock.Anything, now).Return([]database.Schedule{}, nil)
	schedules.On("RecordLastRun", mock.Anything, good.ID, mock.Anything, "queued").Return(nil)
	runs.On("Create", mock.Anything, mock.MatchedBy(func(r *database.Run) bool {
		return r.ScheduleID != nil && *r.ScheduleID == good.ID
	})).Return(nil)

	s, store := newTestScheduler(t, schedules, runs, true)
	require.NoError(t, s.Tick(context.Background(), now))

	depth, err := store.Depth(context.Background(), queue.AgentRuns)
	require.NoError(t, err)
	assert.Equal(t, int64(1), depth, "a bad schedule must not block the rest of the tick")
}

func TestSubmitRunFailsRunWhenEnqueueFails(t *testing.T) {
	runs := new(MockRunRepo)
	runs.On("Create", mock.Anything, mock.Anything).Return(nil)
	runs.On("Finish", mock.Anything, mock.Anything, database.RunStatusFailed, (*uuid.UUID)(nil), "failed to enqueue run").Return(nil)

	// A store that always errors and no fallback chain: enqueue must fail
	// and the run must be parked as failed.
	store := &failingStore{}
	agentJobs := queue.New(queue.DefaultConfig(queue.AgentRuns), store, nil, nil, nil, log.NewNop())
	sub := NewSubmitter(runs, &MockWorkflowRunRepo{}, agentJobs, nil, log.NewNop())

	_, err := sub.SubmitRun(context.Background(), RunSubmission{
		UserID:  uuid.New(),
		AgentID: uuid.New(),
		Prompt:  "hello",
	})
	require.Error(t, err)
	runs.AssertExpectations(t)
}

type failingStore struct{ memStore }

func (s *failingStore) Enqueue(ctx context.Context, job *database.Job) (bool, error) {
	return false, context.DeadlineExceeded
}
