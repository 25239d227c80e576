package queue

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// Queue names. Each name is an independent delivery stream with its own
// worker pool and concurrency bound.
const (
	// AgentRuns delivers single-agent run jobs.
	AgentRuns = "agent-runs"
	// WorkflowRuns delivers workflow run jobs. Workflow jobs are heavier, so
	// this queue runs with lower concurrency.
	WorkflowRuns = "workflow-runs"
)

// RunPayload is the job body for a single-agent run. RunID doubles as the
// job's queue identifier, which is what makes enqueue idempotent.
type RunPayload struct {
	RunID          uuid.UUID  `json:"runId"`
	ScheduleID     *uuid.UUID `json:"scheduleId,omitempty"`
	UserID         uuid.UUID  `json:"userId"`
	AgentID        uuid.UUID  `json:"agentId"`
	Prompt         string     `json:"prompt"`
	ConversationID *uuid.UUID `json:"conversationId,omitempty"`
	SelectedTools  []string   `json:"selectedTools,omitempty"`
}

// WorkflowPayload is the job body for a workflow run.
type WorkflowPayload struct {
	RunID      uuid.UUID `json:"runId"`
	WorkflowID uuid.UUID `json:"workflowId"`
	UserID     uuid.UUID `json:"userId"`
}

// EncodePayload serializes a job body for storage.
func EncodePayload(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode job payload: %w", err)
	}
	return data, nil
}

// DecodePayload deserializes a job body.
func DecodePayload(data []byte, v any) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode job payload: %w", err)
	}
	return nil
}
