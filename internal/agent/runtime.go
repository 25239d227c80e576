// Package agent defines the contract between the automation core and the
// underlying agent runtime. The runtime itself (LLM orchestration, tool
// execution, chat persistence) lives outside this core; the scheduler and
// workers drive it exclusively through the Runtime interface.
package agent

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

// ErrRunCancelled is returned by the runtime when a run was interrupted by a
// cancellation rather than failing on its own. Callers classify terminal
// status on this sentinel, never on error message text.
var ErrRunCancelled = errors.New("run cancelled")

// ErrNoCompletion is returned when the runtime finished without delivering
// its completion signal, meaning the turn's persistence cannot be trusted.
var ErrNoCompletion = errors.New("agent runtime returned no completion signal")

// RunRequest describes one agent invocation. Scheduled runs are built with
// the same fields an interactive chat turn would carry, so they get identical
// tool access and persistence behavior.
type RunRequest struct {
	UserID          uuid.UUID
	AgentID         uuid.UUID
	Prompt          string
	ConversationID  *uuid.UUID
	ParentMessageID *uuid.UUID
	SelectedTools   []string
}

// RunResult is the outcome of a completed agent invocation, available only
// after the runtime has persisted all writes for the turn.
type RunResult struct {
	// Text is the agent's final textual output. May be empty.
	Text string
	// ConversationID is the conversation the turn was written into.
	ConversationID uuid.UUID
	// MessageID identifies the agent's final message, used for chaining.
	MessageID uuid.UUID
}

// Session is one live attachment to the runtime. Close releases the
// underlying model/client handles and must be called exactly once.
type Session interface {
	// Run executes the invocation to completion. A context cancellation or a
	// runtime-side abort surfaces as an error wrapping ErrRunCancelled.
	// A nil result with nil error never occurs; the absence of a completion
	// signal is reported as ErrNoCompletion.
	Run(ctx context.Context, req RunRequest) (*RunResult, error)

	// Close releases execution resources held by the session.
	Close() error
}

// Runtime creates execution sessions. Implementations live outside this core.
type Runtime interface {
	// NewSession prepares a session for the given user and agent.
	NewSession(ctx context.Context, userID, agentID uuid.UUID) (Session, error)
}

// IsCancelled reports whether err represents a cancelled run, either via the
// runtime's sentinel or a context cancellation.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrRunCancelled) || errors.Is(err, context.Canceled)
}
