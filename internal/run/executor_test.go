package run

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/agent"
	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/pkg/log"
)

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

// MockConversationRepo is a mock implementation of database.ConversationRepository.
type MockConversationRepo struct {
	mock.Mock
}

func (m *MockConversationRepo) Create(ctx context.Context, conv *database.Conversation) error {
	args := m.Called(ctx, conv)
	return args.Error(0)
}

func (m *MockConversationRepo) Get(ctx context.Context, id uuid.UUID) (*database.Conversation, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Conversation), args.Error(1)
}

func (m *MockConversationRepo) Tag(ctx context.Context, id uuid.UUID, title string, tags []string) error {
	args := m.Called(ctx, id, title, tags)
	return args.Error(0)
}

func (m *MockConversationRepo) AddMessage(ctx context.Context, msg *database.Message) error {
	args := m.Called(ctx, msg)
	return args.Error(0)
}

func (m *MockConversationRepo) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]database.Message, error) {
	args := m.Called(ctx, conversationID)
	return args.Get(0).([]database.Message), args.Error(1)
}

// fakeSession is a scripted agent.Session.
type fakeSession struct {
	result *agent.RunResult
	err    error
	block  bool

	closed bool
}

func (s *fakeSession) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	if s.block {
		<-ctx.Done()
		return nil, agent.ErrRunCancelled
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func (s *fakeSession) Close() error {
	s.closed = true
	return nil
}

type fakeRuntime struct {
	session    *fakeSession
	sessionErr error
}

func (r *fakeRuntime) NewSession(ctx context.Context, userID, agentID uuid.UUID) (agent.Session, error) {
	if r.sessionErr != nil {
		return nil, r.sessionErr
	}
	return r.session, nil
}

// fakeLocks is an in-memory lock.Service.
type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]string
	acquired []string
	released []string
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string)}
}

func (l *fakeLocks) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.held[key]; ok {
		return false, nil
	}
	l.held[key] = holder
	l.acquired = append(l.acquired, key)
	return true, nil
}

func (l *fakeLocks) Release(ctx context.Context, key, holder string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] != holder {
		return false, nil
	}
	delete(l.held, key)
	l.released = append(l.released, key)
	return true, nil
}

func (l *fakeLocks) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}

func (l *fakeLocks) Holder(ctx context.Context, key string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held[key], nil
}

// stubUsers resolves every user unless err is set.
type stubUsers struct{ err error }

func (s stubUsers) Get(ctx context.Context, id uuid.UUID) (*database.User, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &database.User{ID: id, Name: "Test User"}, nil
}

// stubAgents resolves every agent unless err is set.
type stubAgents struct{ err error }

func (s stubAgents) Get(ctx context.Context, id uuid.UUID) (*database.Agent, error) {
	if s.err != nil {
		return nil, s.err
	}
	return &database.Agent{ID: id, Name: "test-agent"}, nil
}

func (s stubAgents) GetByName(ctx context.Context, name string) (*database.Agent, error) {
	return nil, database.ErrNotFound
}

func (s stubAgents) List(ctx context.Context, page database.Pagination) ([]database.Agent, error) {
	return nil, nil
}

func newJob(t *testing.T, payload queue.RunPayload, attempts int) *database.Job {
	t.Helper()
	data, err := queue.EncodePayload(payload)
	require.NoError(t, err)
	return &database.Job{
		ID:          payload.RunID,
		Queue:       queue.AgentRuns,
		Payload:     data,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func queuedRun(payload queue.RunPayload) *database.Run {
	return &database.Run{
		ID:      payload.RunID,
		UserID:  payload.UserID,
		AgentID: payload.AgentID,
		Status:  database.RunStatusQueued,
	}
}

func TestHandleJobSuccess(t *testing.T) {
	runs := new(MockRunRepo)
	schedules := new(MockScheduleRepo)
	convs := new(MockConversationRepo)
	locks := newFakeLocks()

	convID := uuid.New()
	session := &fakeSession{result: &agent.RunResult{Text: "done", ConversationID: convID, MessageID: uuid.New()}}

	payload := queue.RunPayload{
		RunID:   uuid.New(),
		UserID:  uuid.New(),
		AgentID: uuid.New(),
		Prompt:  "Summarize yesterday's activity",
	}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("MarkRunning", mock.Anything, payload.RunID).Return(nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusSuccess, &convID, "").Return(nil)
	convs.On("Tag", mock.Anything, convID, payload.Prompt, []string{"automated", "run:" + payload.RunID.String()}).Return(nil)

	e := NewExecutor(runs, schedules, stubUsers{}, stubAgents{}, convs, &fakeRuntime{session: session}, locks, abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	err := e.HandleJob(context.Background(), newJob(t, payload, 1))
	require.NoError(t, err)

	runs.AssertExpectations(t)
	convs.AssertExpectations(t)
	assert.True(t, session.closed, "session must be closed after the run")
	assert.Len(t, locks.released, 1, "agent lock must be released")
}

func TestHandleJobDefersWhenAgentBusy(t *testing.T) {
	runs := new(MockRunRepo)
	locks := newFakeLocks()

	payload := queue.RunPayload{RunID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)

	// Simulate another run of the same agent holding the lock.
	key := "relay:agent-lock:" + payload.AgentID.String()
	_, err := locks.Acquire(context.Background(), key, "other-run", time.Minute)
	require.NoError(t, err)

	e := NewExecutor(runs, new(MockScheduleRepo), stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{}, locks, abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	err = e.HandleJob(context.Background(), newJob(t, payload, 1))
	assert.ErrorIs(t, err, queue.ErrDefer)
	runs.AssertNotCalled(t, "MarkRunning", mock.Anything, mock.Anything)
}

func TestHandleJobDropsTerminalRun(t *testing.T) {
	runs := new(MockRunRepo)

	payload := queue.RunPayload{RunID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	done := queuedRun(payload)
	done.Status = database.RunStatusSuccess
	runs.On("Get", mock.Anything, payload.RunID).Return(done, nil)

	e := NewExecutor(runs, new(MockScheduleRepo), stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	require.NoError(t, e.HandleJob(context.Background(), newJob(t, payload, 2)))
	runs.AssertNotCalled(t, "MarkRunning", mock.Anything, mock.Anything)
}

func TestHandleJobAbortRecordsCancellation(t *testing.T) {
	runs := new(MockRunRepo)
	aborts := abort.NewRegistry()

	payload := queue.RunPayload{RunID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	session := &fakeSession{block: true}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("MarkRunning", mock.Anything, payload.RunID).Run(func(args mock.Arguments) {
		// Abort once the run is underway.
		go func() {
			deadline := time.Now().Add(2 * time.Second)
			for time.Now().Before(deadline) {
				if aborts.Abort(payload.RunID.String()) {
					return
				}
				time.Sleep(5 * time.Millisecond)
			}
		}()
	}).Return(nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusFailed, (*uuid.UUID)(nil), CancelledMessage).Return(nil)

	e := NewExecutor(runs, new(MockScheduleRepo), stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{session: session}, newFakeLocks(), aborts, nil, DefaultConfig(), nil, log.NewNop())

	err := e.HandleJob(context.Background(), newJob(t, payload, 1))
	require.NoError(t, err, "a cancelled run must not be redelivered")
	runs.AssertExpectations(t)
}

func TestHandleJobRetriesBeforeFinalAttempt(t *testing.T) {
	runs := new(MockRunRepo)

	payload := queue.RunPayload{RunID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	session := &fakeSession{err: errors.New("model unavailable")}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("MarkRunning", mock.Anything, payload.RunID).Return(nil)

	e := NewExecutor(runs, new(MockScheduleRepo), stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{session: session}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	err := e.HandleJob(context.Background(), newJob(t, payload, 1))
	require.Error(t, err)
	// Not the final attempt: the run stays running for redelivery.
	runs.AssertNotCalled(t, "Finish", mock.Anything, mock.Anything, mock.Anything, mock.Anything, mock.Anything)
}

func TestHandleJobFinalAttemptRecordsFailure(t *testing.T) {
	runs := new(MockRunRepo)
	schedules := new(MockScheduleRepo)

	scheduleID := uuid.New()
	payload := queue.RunPayload{RunID: uuid.New(), ScheduleID: &scheduleID, UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	session := &fakeSession{err: errors.New("model unavailable")}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("MarkRunning", mock.Anything, payload.RunID).Return(nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusFailed, (*uuid.UUID)(nil), "model unavailable").Return(nil)
	schedules.On("RecordLastRun", mock.Anything, scheduleID, mock.Anything, "failed").Return(nil)

	e := NewExecutor(runs, schedules, stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{session: session}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	err := e.HandleJob(context.Background(), newJob(t, payload, 3))
	require.Error(t, err)
	runs.AssertExpectations(t)
	schedules.AssertExpectations(t)
}

func TestHandleJobTitlesConversationFromSchedule(t *testing.T) {
	runs := new(MockRunRepo)
	schedules := new(MockScheduleRepo)
	convs := new(MockConversationRepo)

	scheduleID := uuid.New()
	convID := uuid.New()
	payload := queue.RunPayload{RunID: uuid.New(), ScheduleID: &scheduleID, UserID: uuid.New(), AgentID: uuid.New(), Prompt: "long prompt text"}
	session := &fakeSession{result: &agent.RunResult{ConversationID: convID, MessageID: uuid.New()}}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("MarkRunning", mock.Anything, payload.RunID).Return(nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusSuccess, &convID, "").Return(nil)
	schedules.On("Get", mock.Anything, scheduleID).Return(&database.Schedule{ID: scheduleID, Name: "daily digest"}, nil)
	schedules.On("RecordLastRun", mock.Anything, scheduleID, mock.Anything, "success").Return(nil)
	convs.On("Tag", mock.Anything, convID, "daily digest", []string{"automated", "run:" + payload.RunID.String()}).Return(nil)

	e := NewExecutor(runs, schedules, stubUsers{}, stubAgents{}, convs, &fakeRuntime{session: session}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	require.NoError(t, e.HandleJob(context.Background(), newJob(t, payload, 1)))
	convs.AssertExpectations(t)
}

func TestHandleJobMissingAgentFailsWithoutRetry(t *testing.T) {
	runs := new(MockRunRepo)
	schedules := new(MockScheduleRepo)
	locks := newFakeLocks()

	scheduleID := uuid.New()
	payload := queue.RunPayload{RunID: uuid.New(), ScheduleID: &scheduleID, UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}

	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusFailed, (*uuid.UUID)(nil), "agent not found").Return(nil)
	schedules.On("RecordLastRun", mock.Anything, scheduleID, mock.Anything, "failed").Return(nil)

	e := NewExecutor(runs, schedules, stubUsers{}, stubAgents{err: database.ErrNotFound}, new(MockConversationRepo), &fakeRuntime{}, locks, abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	err := e.HandleJob(context.Background(), newJob(t, payload, 1))
	require.NoError(t, err, "a run referencing a deleted agent must not be redelivered")
	runs.AssertExpectations(t)
	schedules.AssertExpectations(t)
	runs.AssertNotCalled(t, "MarkRunning", mock.Anything, mock.Anything)
	assert.Empty(t, locks.acquired, "no lock is taken for a run that cannot execute")
}

func TestHandleJobMissingUserFailsWithoutRetry(t *testing.T) {
	runs := new(MockRunRepo)

	payload := queue.RunPayload{RunID: uuid.New(), UserID: uuid.New(), AgentID: uuid.New(), Prompt: "x"}
	runs.On("Get", mock.Anything, payload.RunID).Return(queuedRun(payload), nil)
	runs.On("Finish", mock.Anything, payload.RunID, database.RunStatusFailed, (*uuid.UUID)(nil), "user not found").Return(nil)

	e := NewExecutor(runs, new(MockScheduleRepo), stubUsers{err: database.ErrNotFound}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	require.NoError(t, e.HandleJob(context.Background(), newJob(t, payload, 1)))
	runs.AssertExpectations(t)
	runs.AssertNotCalled(t, "MarkRunning", mock.Anything, mock.Anything)
}

func TestHandleJobDropsUndecodablePayload(t *testing.T) {
	e := NewExecutor(new(MockRunRepo), new(MockScheduleRepo), stubUsers{}, stubAgents{}, new(MockConversationRepo), &fakeRuntime{}, newFakeLocks(), abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop())

	job := &database.Job{ID: uuid.New(), Queue: queue.AgentRuns, Payload: []byte("not json"), Attempts: 1, MaxAttempts: 3}
	assert.NoError(t, e.HandleJob(context.Background(), job))
}
