package database

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// UserRepository defines read access to user records.
type UserRepository interface {
	// Get retrieves a user by ID.
	Get(ctx context.Context, id uuid.UUID) (*User, error)
}

// AgentRepository defines read access to agent definitions.
type AgentRepository interface {
	// Get retrieves an agent by ID.
	Get(ctx context.Context, id uuid.UUID) (*Agent, error)

	// GetByName retrieves an agent by name.
	GetByName(ctx context.Context, name string) (*Agent, error)

	// List returns agents with pagination.
	List(ctx context.Context, page Pagination) ([]Agent, error)
}

// PromptRepository defines read access to stored prompt sources.
type PromptRepository interface {
	// Get retrieves a prompt by ID.
	Get(ctx context.Context, id uuid.UUID) (*Prompt, error)
}

// ConversationRepository defines the interface for conversation and message
// persistence.
type ConversationRepository interface {
	// Create creates a new conversation.
	Create(ctx context.Context, conv *Conversation) error

	// Get retrieves a conversation by ID.
	Get(ctx context.Context, id uuid.UUID) (*Conversation, error)

	// Tag sets the title and appends tags on a conversation.
	Tag(ctx context.Context, id uuid.UUID, title string, tags []string) error

	// AddMessage appends a message to a conversation.
	AddMessage(ctx context.Context, msg *Message) error

	// ListMessages returns a conversation's messages in creation order.
	ListMessages(ctx context.Context, conversationID uuid.UUID) ([]Message, error)
}

// ScheduleRepository defines the interface for schedule data operations.
type ScheduleRepository interface {
	// Create creates a new schedule.
	Create(ctx context.Context, sched *Schedule) error

	// Get retrieves a schedule by ID.
	Get(ctx context.Context, id uuid.UUID) (*Schedule, error)

	// Update updates an existing schedule.
	Update(ctx context.Context, sched *Schedule) error

	// Delete deletes a schedule by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByUser returns a user's schedules with pagination.
	ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Schedule, error)

	// ListEnabledRecurring returns every enabled recurring schedule.
	ListEnabledRecurring(ctx context.Context) ([]Schedule, error)

	// ListDueOneOff returns enabled one-off schedules with run_at <= now.
	ListDueOneOff(ctx context.Context, now time.Time) ([]Schedule, error)

	// SetEnabled flips a schedule's enabled flag.
	SetEnabled(ctx context.Context, id uuid.UUID, enabled bool) error

	// RecordLastRun stores the outcome of the most recent firing.
	RecordLastRun(ctx context.Context, id uuid.UUID, at time.Time, status string) error
}

// RunRepository defines the interface for run data operations.
type RunRepository interface {
	// Create creates a new run in queued state.
	Create(ctx context.Context, run *Run) error

	// Get retrieves a run by ID.
	Get(ctx context.Context, id uuid.UUID) (*Run, error)

	// MarkRunning transitions a run to running. Transitioning an already
	// running run is a no-op so queue redeliveries can resume idempotently.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Finish records the terminal status, output conversation, and error.
	Finish(ctx context.Context, id uuid.UUID, status RunStatus, conversationID *uuid.UUID, errMsg string) error

	// ListBySchedule returns runs for a schedule, newest first.
	ListBySchedule(ctx context.Context, scheduleID uuid.UUID, page Pagination) ([]Run, error)

	// FailInterrupted marks all running runs as failed with the given message.
	// Called at startup to reconcile runs orphaned by a crash or redeploy.
	FailInterrupted(ctx context.Context, errMsg string) (int64, error)
}

// WorkflowRepository defines the interface for workflow data operations.
type WorkflowRepository interface {
	// Create creates a new workflow.
	Create(ctx context.Context, wf *Workflow) error

	// Get retrieves a workflow by ID.
	Get(ctx context.Context, id uuid.UUID) (*Workflow, error)

	// Update updates an existing workflow.
	Update(ctx context.Context, wf *Workflow) error

	// Delete deletes a workflow by ID.
	Delete(ctx context.Context, id uuid.UUID) error

	// ListByUser returns a user's workflows with pagination.
	ListByUser(ctx context.Context, userID uuid.UUID, page Pagination) ([]Workflow, error)
}

// WorkflowRunRepository defines the interface for workflow run data operations.
type WorkflowRunRepository interface {
	// Create creates a new workflow run in queued state.
	Create(ctx context.Context, run *WorkflowRun) error

	// Get retrieves a workflow run by ID.
	Get(ctx context.Context, id uuid.UUID) (*WorkflowRun, error)

	// MarkRunning transitions a workflow run to running, idempotently.
	MarkRunning(ctx context.Context, id uuid.UUID) error

	// Finish records the terminal status, step outputs, and error.
	Finish(ctx context.Context, id uuid.UUID, status RunStatus, conversationID *uuid.UUID, steps []StepOutput, errMsg string) error

	// ListByWorkflow returns runs for a workflow, newest first.
	ListByWorkflow(ctx context.Context, workflowID uuid.UUID, page Pagination) ([]WorkflowRun, error)

	// FailInterrupted marks all running workflow runs as failed.
	FailInterrupted(ctx context.Context, errMsg string) (int64, error)
}
