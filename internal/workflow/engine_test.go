package workflow

import (
	"context"
	"encoding/json"
	"strings"
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
	"github.com/azevedojoel/relay/internal/run"
	"github.com/azevedojoel/relay/pkg/log"
)

// MockWorkflowRepo is a mock implementation of database.WorkflowRepository.
type MockWorkflowRepo struct {
	mock.Mock
}

func (m *MockWorkflowRepo) Create(ctx context.Context, wf *database.Workflow) error {
	args := m.Called(ctx, wf)
	return args.Error(0)
}

func (m *MockWorkflowRepo) Get(ctx context.Context, id uuid.UUID) (*database.Workflow, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*database.Workflow), args.Error(1)
}

func (m *MockWorkflowRepo) Update(ctx context.Context, wf *database.Workflow) error {
	args := m.Called(ctx, wf)
	return args.Error(0)
}

func (m *MockWorkflowRepo) Delete(ctx context.Context, id uuid.UUID) error {
	args := m.Called(ctx, id)
	return args.Error(0)
}

func (m *MockWorkflowRepo) ListByUser(ctx context.Context, userID uuid.UUID, page database.Pagination) ([]database.Workflow, error) {
	args := m.Called(ctx, userID, page)
	return args.Get(0).([]database.Workflow), args.Error(1)
}

// MockWorkflowRunRepo is a mock implementation of database.WorkflowRunRepository.
type MockWorkflowRunRepo struct {
	mock.Mock
}

func (m *MockWorkflowRunRepo) Create(ctx context.Context, wfRun *database.WorkflowRun) error {
	args := m.Called(ctx, wfRun)
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

// fakeDirectory serves users, agents, and prompts from in-memory maps.
type fakeDirectory struct {
	users   map[uuid.UUID]*database.User
	agents  map[uuid.UUID]*database.Agent
	prompts map[uuid.UUID]*database.Prompt
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users:   make(map[uuid.UUID]*database.User),
		agents:  make(map[uuid.UUID]*database.Agent),
		prompts: make(map[uuid.UUID]*database.Prompt),
	}
}

func (d *fakeDirectory) Get(ctx context.Context, id uuid.UUID) (*database.User, error) {
	if u, ok := d.users[id]; ok {
		return u, nil
	}
	return nil, database.ErrNotFound
}

type fakeAgents struct{ d *fakeDirectory }

func (f fakeAgents) Get(ctx context.Context, id uuid.UUID) (*database.Agent, error) {
	if a, ok := f.d.agents[id]; ok {
		return a, nil
	}
	return nil, database.ErrNotFound
}

func (f fakeAgents) GetByName(ctx context.Context, name string) (*database.Agent, error) {
	for _, a := range f.d.agents {
		if a.Name == name {
			return a, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f fakeAgents) List(ctx context.Context, page database.Pagination) ([]database.Agent, error) {
	return nil, nil
}

type fakePrompts struct{ d *fakeDirectory }

func (f fakePrompts) Get(ctx context.Context, id uuid.UUID) (*database.Prompt, error) {
	if p, ok := f.d.prompts[id]; ok {
		return p, nil
	}
	return nil, database.ErrNotFound
}

// fakeConversations records created conversations and appended messages.
type fakeConversations struct {
	mu       sync.Mutex
	messages []database.Message
	tagged   map[uuid.UUID]string
	tags     map[uuid.UUID][]string
}

func newFakeConversations() *fakeConversations {
	return &fakeConversations{
		tagged: make(map[uuid.UUID]string),
		tags:   make(map[uuid.UUID][]string),
	}
}

func (c *fakeConversations) Create(ctx context.Context, conv *database.Conversation) error {
	return nil
}

func (c *fakeConversations) Get(ctx context.Context, id uuid.UUID) (*database.Conversation, error) {
	return nil, database.ErrNotFound
}

func (c *fakeConversations) Tag(ctx context.Context, id uuid.UUID, title string, tags []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tagged[id] = title
	c.tags[id] = tags
	return nil
}

func (c *fakeConversations) AddMessage(ctx context.Context, msg *database.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, *msg)
	return nil
}

func (c *fakeConversations) ListMessages(ctx context.Context, conversationID uuid.UUID) ([]database.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]database.Message(nil), c.messages...), nil
}

// scriptedRuntime returns a fixed output per agent and records every prompt.
type scriptedRuntime struct {
	mu      sync.Mutex
	outputs map[uuid.UUID]string
	errs    map[uuid.UUID]error
	prompts map[uuid.UUID][]string
	block   map[uuid.UUID]bool
}

func newScriptedRuntime() *scriptedRuntime {
	return &scriptedRuntime{
		outputs: make(map[uuid.UUID]string),
		errs:    make(map[uuid.UUID]error),
		prompts: make(map[uuid.UUID][]string),
		block:   make(map[uuid.UUID]bool),
	}
}

func (r *scriptedRuntime) NewSession(ctx context.Context, userID, agentID uuid.UUID) (agent.Session, error) {
	return &scriptedSession{runtime: r, agentID: agentID}, nil
}

type scriptedSession struct {
	runtime *scriptedRuntime
	agentID uuid.UUID
}

func (s *scriptedSession) Run(ctx context.Context, req agent.RunRequest) (*agent.RunResult, error) {
	s.runtime.mu.Lock()
	s.runtime.prompts[s.agentID] = append(s.runtime.prompts[s.agentID], req.Prompt)
	blocked := s.runtime.block[s.agentID]
	err := s.runtime.errs[s.agentID]
	out := s.runtime.outputs[s.agentID]
	s.runtime.mu.Unlock()

	if blocked {
		<-ctx.Done()
		return nil, agent.ErrRunCancelled
	}
	if err != nil {
		return nil, err
	}
	var convID uuid.UUID
	if req.ConversationID != nil {
		convID = *req.ConversationID
	}
	return &agent.RunResult{Text: out, ConversationID: convID, MessageID: uuid.New()}, nil
}

func (s *scriptedSession) Close() error { return nil }

type noopLocks struct{}

func (noopLocks) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (noopLocks) Release(ctx context.Context, key, holder string) (bool, error) { return true, nil }
func (noopLocks) Renew(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	return true, nil
}
func (noopLocks) Holder(ctx context.Context, key string) (string, error) { return "", nil }

type handoffFixture struct {
	wf       *database.Workflow
	wfRun    *database.WorkflowRun
	dir      *fakeDirectory
	convs    *fakeConversations
	runtime  *scriptedRuntime
	wfs      *MockWorkflowRepo
	wfRuns   *MockWorkflowRunRepo
	engine   *Engine
	agentIDs [2]uuid.UUID
}

// newHandoffFixture builds a two-node workflow n1 -> n2 with a forwarding
// edge.
func newHandoffFixture(t *testing.T, noForward bool) *handoffFixture {
	t.Helper()

	f := &handoffFixture{
		dir:     newFakeDirectory(),
		convs:   newFakeConversations(),
		runtime: newScriptedRuntime(),
		wfs:     new(MockWorkflowRepo),
		wfRuns:  new(MockWorkflowRunRepo),
	}

	userID := uuid.New()
	f.dir.users[userID] = &database.User{ID: userID, Name: "Dana"}

	for i, name := range []string{"researcher", "writer"} {
		id := uuid.New()
		f.agentIDs[i] = id
		f.dir.agents[id] = &database.Agent{ID: id, Name: name}
	}

	promptIDs := [2]uuid.UUID{uuid.New(), uuid.New()}
	f.dir.prompts[promptIDs[0]] = &database.Prompt{ID: promptIDs[0], Text: "Find the answer"}
	f.dir.prompts[promptIDs[1]] = &database.Prompt{ID: promptIDs[1], Text: "Write a report for {{user_name}}"}

	f.wf = &database.Workflow{
		ID:     uuid.New(),
		UserID: userID,
		Name:   "research and report",
		Nodes: []database.WorkflowNode{
			{ID: "n1", AgentID: f.agentIDs[0], PromptID: promptIDs[0]},
			{ID: "n2", AgentID: f.agentIDs[1], PromptID: promptIDs[1]},
		},
		Edges: []database.WorkflowEdge{
			{Source: "n1", Target: "n2", NoForward: noForward},
		},
	}

	f.wfRun = &database.WorkflowRun{
		ID:         uuid.New(),
		WorkflowID: f.wf.ID,
		UserID:     userID,
		Status:     database.RunStatusQueued,
		FiredAt:    time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC),
	}

	f.wfs.On("Get", mock.Anything, f.wf.ID).Return(f.wf, nil)
	f.wfRuns.On("Get", mock.Anything, f.wfRun.ID).Return(f.wfRun, nil)
	f.wfRuns.On("MarkRunning", mock.Anything, f.wfRun.ID).Return(nil)

	f.engine = NewEngine(
		f.wfs, f.wfRuns, f.dir, fakeAgents{f.dir}, fakePrompts{f.dir}, f.convs,
		f.runtime, noopLocks{}, abort.NewRegistry(), nil, DefaultConfig(), nil, log.NewNop(),
	)
	return f
}

func (f *handoffFixture) job(t *testing.T, attempts int) *database.Job {
	t.Helper()
	data, err := queue.EncodePayload(queue.WorkflowPayload{
		RunID:      f.wfRun.ID,
		WorkflowID: f.wf.ID,
		UserID:     f.wfRun.UserID,
	})
	require.NoError(t, err)
	return &database.Job{
		ID:          f.wfRun.ID,
		Queue:       queue.WorkflowRuns,
		Payload:     data,
		Attempts:    attempts,
		MaxAttempts: 3,
	}
}

func TestWorkflowHandoffForwardsOutput(t *testing.T) {
	f := newHandoffFixture(t, false)
	f.runtime.outputs[f.agentIDs[0]] = "42"
	f.runtime.outputs[f.agentIDs[1]] = "report done"

	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusSuccess, mock.Anything,
		mock.MatchedBy(func(steps []database.StepOutput) bool {
			return len(steps) == 2 && steps[0].Output == "42" && steps[1].Output == "report done"
		}), "").Return(nil)

	require.NoError(t, f.engine.HandleJob(context.Background(), f.job(t, 1)))

	// The second step's prompt is the hand-off: first output plus its own
	// resolved template.
	prompts := f.runtime.prompts[f.agentIDs[1]]
	require.Len(t, prompts, 1)
	assert.Contains(t, prompts[0], "42")
	assert.Contains(t, prompts[0], "Write a report for Dana")

	// A synthetic hand-off message sits between the two agent turns.
	require.Len(t, f.convs.messages, 1)
	msg := f.convs.messages[0]
	assert.Equal(t, "handoff", msg.ContentType)
	assert.Equal(t, database.MessageRoleAssistant, msg.Role)

	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(msg.Content), &rec))
	assert.Equal(t, "transfer", rec["type"])
	assert.Equal(t, "researcher", rec["source_agent"])
	assert.Equal(t, "writer", rec["target_agent"])

	f.wfRuns.AssertExpectations(t)

	// Conversation titled after the workflow and the last step's agent.
	require.Len(t, f.convs.tagged, 1)
	for id, title := range f.convs.tagged {
		assert.Contains(t, title, "research and report")
		assert.Contains(t, title, "writer")
		assert.Contains(t, f.convs.tags[id], "run:"+f.wfRun.ID.String())
	}
}

func TestWorkflowNoForwardUsesFreshTemplate(t *testing.T) {
	f := newHandoffFixture(t, true)
	f.runtime.outputs[f.agentIDs[0]] = "42"
	f.runtime.outputs[f.agentIDs[1]] = "done"

	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusSuccess, mock.Anything, mock.Anything, "").Return(nil)

	require.NoError(t, f.engine.HandleJob(context.Background(), f.job(t, 1)))

	prompts := f.runtime.prompts[f.agentIDs[1]]
	require.Len(t, prompts, 1)
	assert.NotContains(t, prompts[0], "42", "suppressed edge must not forward output")
	assert.Equal(t, "Write a report for Dana", prompts[0])
}

func TestWorkflowEmptyOutputRecordsPlaceholder(t *testing.T) {
	f := newHandoffFixture(t, false)
	f.runtime.outputs[f.agentIDs[0]] = ""
	f.runtime.outputs[f.agentIDs[1]] = "done"

	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusSuccess, mock.Anything,
		mock.MatchedBy(func(steps []database.StepOutput) bool {
			return len(steps) == 2 && steps[0].Output == NoOutputPlaceholder
		}), "").Return(nil)

	require.NoError(t, f.engine.HandleJob(context.Background(), f.job(t, 1)))
	f.wfRuns.AssertExpectations(t)
}

func TestWorkflowStepFailureStopsRun(t *testing.T) {
	f := newHandoffFixture(t, false)
	f.runtime.errs[f.agentIDs[0]] = assert.AnError

	// Final attempt records the failure.
	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusFailed, mock.Anything, mock.Anything,
		mock.MatchedBy(func(msg string) bool { return strings.Contains(msg, `step "n1"`) })).Return(nil)

	err := f.engine.HandleJob(context.Background(), f.job(t, 3))
	require.Error(t, err)

	assert.Empty(t, f.runtime.prompts[f.agentIDs[1]], "second step must not run after the first fails")
	f.wfRuns.AssertExpectations(t)
}

func TestWorkflowAbortRecordsCancellation(t *testing.T) {
	f := newHandoffFixture(t, false)
	f.runtime.block[f.agentIDs[0]] = true

	aborts := abort.NewRegistry()
	f.engine.aborts = aborts

	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusFailed, mock.Anything, mock.Anything, run.CancelledMessage).Return(nil)

	go func() {
		key := abort.WorkflowKey(f.wfRun.ID.String())
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if aborts.Abort(key) {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	require.NoError(t, f.engine.HandleJob(context.Background(), f.job(t, 1)), "a cancelled workflow run must not be redelivered")
	f.wfRuns.AssertExpectations(t)
}

func TestWorkflowInvalidNodeFailsBeforeAnyStep(t *testing.T) {
	f := newHandoffFixture(t, false)
	// Point the second node at a prompt that does not exist.
	f.wf.Nodes[1].PromptID = uuid.New()

	f.wfRuns.On("Finish", mock.Anything, f.wfRun.ID, database.RunStatusFailed, mock.Anything, mock.Anything, mock.Anything).Return(nil)

	err := f.engine.HandleJob(context.Background(), f.job(t, 3))
	require.Error(t, err)
	assert.Empty(t, f.runtime.prompts[f.agentIDs[0]], "no step may execute when validation fails")
}

func TestPreviewResolvesWithoutExecuting(t *testing.T) {
	f := newHandoffFixture(t, false)

	got, err := f.engine.Preview(context.Background(), f.wf, "n2")
	require.NoError(t, err)
	assert.Equal(t, "Write a report for Dana", got)
	assert.Empty(t, f.runtime.prompts[f.agentIDs[1]])

	_, err = f.engine.Preview(context.Background(), f.wf, "ghost")
	assert.Error(t, err)
}
