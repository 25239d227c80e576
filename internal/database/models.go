package database

import (
	"time"

	"github.com/google/uuid"
)

// User represents an account that owns schedules and workflows.
type User struct {
	ID        uuid.UUID `json:"id" db:"id"`
	Name      string    `json:"name" db:"name"`
	Email     string    `json:"email" db:"email"`
	Timezone  string    `json:"timezone" db:"timezone"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

// Agent represents an executable agent definition registered with the platform.
type Agent struct {
	ID          uuid.UUID `json:"id" db:"id"`
	OwnerID     uuid.UUID `json:"owner_id" db:"owner_id"`
	Name        string    `json:"name" db:"name"`
	Description *string   `json:"description,omitempty" db:"description"`
	Model       *string   `json:"model,omitempty" db:"model"`
	Tools       []string  `json:"tools,omitempty" db:"tools"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" db:"updated_at"`
}

// Prompt is a stored prompt source referenced by workflow nodes.
type Prompt struct {
	ID        uuid.UUID `json:"id" db:"id"`
	OwnerID   uuid.UUID `json:"owner_id" db:"owner_id"`
	Name      string    `json:"name" db:"name"`
	Text      string    `json:"text" db:"text"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Conversation is the output channel a run writes its transcript into.
type Conversation struct {
	ID        uuid.UUID `json:"id" db:"id"`
	UserID    uuid.UUID `json:"user_id" db:"user_id"`
	Title     *string   `json:"title,omitempty" db:"title"`
	Tags      []string  `json:"tags,omitempty" db:"tags"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	MessageRoleUser      MessageRole = "user"
	MessageRoleAssistant MessageRole = "assistant"
)

// Message is one transcript entry in a conversation. Content carries either
// plain text or a structured record (hand-off transfers are stored as JSON).
type Message struct {
	ID             uuid.UUID   `json:"id" db:"id"`
	ConversationID uuid.UUID   `json:"conversation_id" db:"conversation_id"`
	ParentID       *uuid.UUID  `json:"parent_id,omitempty" db:"parent_id"`
	AgentID        *uuid.UUID  `json:"agent_id,omitempty" db:"agent_id"`
	Role           MessageRole `json:"role" db:"role"`
	Content        string      `json:"content" db:"content"`
	ContentType    string      `json:"content_type" db:"content_type"` // text, handoff
	CreatedAt      time.Time   `json:"created_at" db:"created_at"`
}

// ScheduleKind distinguishes recurring cron schedules from one-off triggers.
type ScheduleKind string

const (
	ScheduleKindRecurring ScheduleKind = "recurring"
	ScheduleKindOneOff    ScheduleKind = "one-off"
)

// Schedule is a stored trigger that produces runs.
// Exactly one of CronExpr (recurring) or RunAt (one-off) is meaningful,
// determined by Kind.
type Schedule struct {
	ID            uuid.UUID    `json:"id" db:"id"`
	UserID        uuid.UUID    `json:"user_id" db:"user_id"`
	AgentID       uuid.UUID    `json:"agent_id" db:"agent_id"`
	Name          string       `json:"name" db:"name"`
	Prompt        string       `json:"prompt" db:"prompt"`
	Kind          ScheduleKind `json:"kind" db:"kind"`
	CronExpr      *string      `json:"cron_expr,omitempty" db:"cron_expr"`
	RunAt         *time.Time   `json:"run_at,omitempty" db:"run_at"`
	Enabled       bool         `json:"enabled" db:"enabled"`
	Timezone      string       `json:"timezone" db:"timezone"`
	SelectedTools []string     `json:"selected_tools,omitempty" db:"selected_tools"`
	LastRunAt     *time.Time   `json:"last_run_at,omitempty" db:"last_run_at"`
	LastRunStatus *string      `json:"last_run_status,omitempty" db:"last_run_status"`
	CreatedAt     time.Time    `json:"created_at" db:"created_at"`
	UpdatedAt     time.Time    `json:"updated_at" db:"updated_at"`
}

// RunStatus represents the status of a run or workflow run.
// Status is monotonic: queued -> running -> {success, failed}.
type RunStatus string

const (
	RunStatusQueued  RunStatus = "queued"
	RunStatusRunning RunStatus = "running"
	RunStatusSuccess RunStatus = "success"
	RunStatusFailed  RunStatus = "failed"
)

// IsTerminal returns true if the status is final.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSuccess || s == RunStatusFailed
}

// Run is one execution instance of a schedule against a single agent.
// Run records are never deleted automatically; they form the audit trail.
type Run struct {
	ID             uuid.UUID  `json:"id" db:"id"`
	ScheduleID     *uuid.UUID `json:"schedule_id,omitempty" db:"schedule_id"`
	UserID         uuid.UUID  `json:"user_id" db:"user_id"`
	AgentID        uuid.UUID  `json:"agent_id" db:"agent_id"`
	ConversationID *uuid.UUID `json:"conversation_id,omitempty" db:"conversation_id"`
	Status         RunStatus  `json:"status" db:"status"`
	FiredAt        time.Time  `json:"fired_at" db:"fired_at"`
	StartedAt      *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	ErrorMessage   *string    `json:"error_message,omitempty" db:"error_message"`
}

// WorkflowNode is one step declaration in a workflow graph.
type WorkflowNode struct {
	ID            string    `json:"id"`
	AgentID       uuid.UUID `json:"agent_id"`
	PromptID      uuid.UUID `json:"prompt_id"`
	SelectedTools []string  `json:"selected_tools,omitempty"`
}

// WorkflowEdge is a directed dependency arc between two nodes.
// NoForward suppresses passing the source step's output to the target step.
type WorkflowEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	NoForward bool   `json:"no_forward,omitempty"`
}

// Workflow is a directed graph of agent steps.
type Workflow struct {
	ID        uuid.UUID      `json:"id" db:"id"`
	UserID    uuid.UUID      `json:"user_id" db:"user_id"`
	Name      string         `json:"name" db:"name"`
	Nodes     []WorkflowNode `json:"nodes" db:"nodes"`
	Edges     []WorkflowEdge `json:"edges" db:"edges"`
	CreatedAt time.Time      `json:"created_at" db:"created_at"`
	UpdatedAt time.Time      `json:"updated_at" db:"updated_at"`
}

// StepOutput records the textual output of one executed workflow step.
type StepOutput struct {
	NodeID  string    `json:"node_id"`
	AgentID uuid.UUID `json:"agent_id"`
	Output  string    `json:"output"`
}

// WorkflowRun is one execution instance of a workflow. All steps write into
// a single conversation; StepOutputs is ordered by execution position.
type WorkflowRun struct {
	ID             uuid.UUID    `json:"id" db:"id"`
	WorkflowID     uuid.UUID    `json:"workflow_id" db:"workflow_id"`
	UserID         uuid.UUID    `json:"user_id" db:"user_id"`
	ConversationID *uuid.UUID   `json:"conversation_id,omitempty" db:"conversation_id"`
	Status         RunStatus    `json:"status" db:"status"`
	StepOutputs    []StepOutput `json:"step_outputs,omitempty" db:"step_outputs"`
	FiredAt        time.Time    `json:"fired_at" db:"fired_at"`
	StartedAt      *time.Time   `json:"started_at,omitempty" db:"started_at"`
	FinishedAt     *time.Time   `json:"finished_at,omitempty" db:"finished_at"`
	ErrorMessage   *string      `json:"error_message,omitempty" db:"error_message"`
}

// JobState represents the delivery state of a queued job.
type JobState string

const (
	JobStateQueued    JobState = "queued"
	JobStateActive    JobState = "active"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
)

// Job is one durable queue entry. The job ID equals the run ID it delivers,
// which is what makes enqueue idempotent: inserting a duplicate conflicts on
// the primary key and is dropped.
type Job struct {
	ID          uuid.UUID  `json:"id" db:"id"`
	Queue       string     `json:"queue" db:"queue"`
	Payload     []byte     `json:"payload" db:"payload"`
	State       JobState   `json:"state" db:"state"`
	Attempts    int        `json:"attempts" db:"attempts"`
	MaxAttempts int        `json:"max_attempts" db:"max_attempts"`
	NextRunAt   time.Time  `json:"next_run_at" db:"next_run_at"`
	ClaimedBy   *string    `json:"claimed_by,omitempty" db:"claimed_by"`
	ClaimedTill *time.Time `json:"claimed_until,omitempty" db:"claimed_until"`
	LastError   *string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// Pagination parameters for list operations.
type Pagination struct {
	Limit  int
	Offset int
}

// DefaultPagination returns default pagination settings.
func DefaultPagination() Pagination {
	return Pagination{
		Limit:  50,
		Offset: 0,
	}
}

// NullString creates a pointer to a string, returning nil for empty strings.
func NullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
