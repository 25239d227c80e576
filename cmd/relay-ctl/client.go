package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client wraps HTTP client for API operations
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// NewClient creates a new API client
func NewClient(server, token string) *Client {
	// Ensure server has protocol prefix
	if !strings.HasPrefix(server, "http://") && !strings.HasPrefix(server, "https://") {
		server = "http://" + server
	}

	return &Client{
		baseURL: strings.TrimSuffix(server, "/"),
		token:   token,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// request makes an HTTP request to the API
func (c *Client) request(ctx context.Context, method, path string, body interface{}, result interface{}) error {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		if err := json.Unmarshal(respBody, &errResp); err == nil && errResp.Error != "" {
			return fmt.Errorf("API error (%d): %s", resp.StatusCode, errResp.Error)
		}
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}

	return nil
}

// Schedule represents a schedule in the system
type Schedule struct {
	ID            string   `json:"id"`
	UserID        string   `json:"user_id"`
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Prompt        string   `json:"prompt"`
	Kind          string   `json:"kind"`
	CronExpr      *string  `json:"cron_expr,omitempty"`
	RunAt         *string  `json:"run_at,omitempty"`
	Enabled       bool     `json:"enabled"`
	Timezone      string   `json:"timezone"`
	SelectedTools []string `json:"selected_tools,omitempty"`
	LastRunAt     *string  `json:"last_run_at,omitempty"`
	LastRunStatus *string  `json:"last_run_status,omitempty"`
	CreatedAt     string   `json:"created_at"`
	UpdatedAt     string   `json:"updated_at"`
}

// Run represents an agent run
type Run struct {
	ID             string  `json:"id"`
	ScheduleID     *string `json:"schedule_id,omitempty"`
	UserID         string  `json:"user_id"`
	AgentID        string  `json:"agent_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Status         string  `json:"status"`
	FiredAt        string  `json:"fired_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	FinishedAt     *string `json:"finished_at,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// WorkflowNode is one step in a workflow graph
type WorkflowNode struct {
	ID            string   `json:"id"`
	AgentID       string   `json:"agent_id"`
	PromptID      string   `json:"prompt_id"`
	SelectedTools []string `json:"selected_tools,omitempty"`
}

// WorkflowEdge connects two workflow nodes
type WorkflowEdge struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	NoForward bool   `json:"no_forward,omitempty"`
}

// Workflow represents a multi-agent workflow
type Workflow struct {
	ID        string         `json:"id"`
	UserID    string         `json:"user_id"`
	Name      string         `json:"name"`
	Nodes     []WorkflowNode `json:"nodes"`
	Edges     []WorkflowEdge `json:"edges"`
	CreatedAt string         `json:"created_at"`
	UpdatedAt string         `json:"updated_at"`
}

// WorkflowRun represents one execution of a workflow
type WorkflowRun struct {
	ID             string  `json:"id"`
	WorkflowID     string  `json:"workflow_id"`
	UserID         string  `json:"user_id"`
	ConversationID *string `json:"conversation_id,omitempty"`
	Status         string  `json:"status"`
	FiredAt        string  `json:"fired_at"`
	StartedAt      *string `json:"started_at,omitempty"`
	FinishedAt     *string `json:"finished_at,omitempty"`
	ErrorMessage   *string `json:"error_message,omitempty"`
}

// SubmitResponse is the response from triggering a run
type SubmitResponse struct {
	RunID          string  `json:"run_id"`
	Status         string  `json:"status"`
	ConversationID *string `json:"conversation_id"`
}

// CreateScheduleRequest is the body for creating or updating a schedule
type CreateScheduleRequest struct {
	UserID        string   `json:"user_id"`
	AgentID       string   `json:"agent_id"`
	Name          string   `json:"name"`
	Prompt        string   `json:"prompt"`
	Kind          string   `json:"kind"`
	CronExpr      *string  `json:"cron_expr,omitempty"`
	RunAt         *string  `json:"run_at,omitempty"`
	Enabled       *bool    `json:"enabled,omitempty"`
	Timezone      string   `json:"timezone,omitempty"`
	SelectedTools []string `json:"selected_tools,omitempty"`
}

// ListSchedules lists schedules for a user
func (c *Client) ListSchedules(ctx context.Context, userID string, limit int) ([]Schedule, error) {
	params := url.Values{}
	params.Add("user_id", userID)
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}

	var resp struct {
		Schedules []Schedule `json:"schedules"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/schedules?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Schedules, nil
}

// GetSchedule retrieves a specific schedule
func (c *Client) GetSchedule(ctx context.Context, id string) (*Schedule, error) {
	var sched Schedule
	if err := c.request(ctx, http.MethodGet, "/api/v1/schedules/"+id, nil, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// CreateSchedule creates a new schedule
func (c *Client) CreateSchedule(ctx context.Context, req CreateScheduleRequest) (*Schedule, error) {
	var sched Schedule
	if err := c.request(ctx, http.MethodPost, "/api/v1/schedules", req, &sched); err != nil {
		return nil, err
	}
	return &sched, nil
}

// DeleteSchedule deletes a schedule
func (c *Client) DeleteSchedule(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/schedules/"+id, nil, nil)
}

// RunScheduleNow triggers an immediate run of a schedule
func (c *Client) RunScheduleNow(ctx context.Context, id string) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/schedules/"+id+"/run", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ListScheduleRuns lists runs for a schedule
func (c *Client) ListScheduleRuns(ctx context.Context, id string, limit int) ([]Run, error) {
	path := "/api/v1/schedules/" + id + "/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var resp struct {
		Runs []Run `json:"runs"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetRun retrieves a specific run
func (c *Client) GetRun(ctx context.Context, id string) (*Run, error) {
	var run Run
	if err := c.request(ctx, http.MethodGet, "/api/v1/runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AbortRun requests cancellation of an executing run. Returns whether the
// run was actually executing.
func (c *Client) AbortRun(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/runs/"+id+"/abort", nil, &resp); err != nil {
		return false, err
	}
	return resp.Aborted, nil
}

// RemovePendingRun removes a queued run job before it executes
func (c *Client) RemovePendingRun(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/runs/"+id+"/queue", nil, nil)
}

// ListWorkflows lists workflows for a user
func (c *Client) ListWorkflows(ctx context.Context, userID string, limit int) ([]Workflow, error) {
	params := url.Values{}
	params.Add("user_id", userID)
	if limit > 0 {
		params.Add("limit", fmt.Sprintf("%d", limit))
	}

	var resp struct {
		Workflows []Workflow `json:"workflows"`
	}
	if err := c.request(ctx, http.MethodGet, "/api/v1/workflows?"+params.Encode(), nil, &resp); err != nil {
		return nil, err
	}
	return resp.Workflows, nil
}

// GetWorkflow retrieves a specific workflow
func (c *Client) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	var wf Workflow
	if err := c.request(ctx, http.MethodGet, "/api/v1/workflows/"+id, nil, &wf); err != nil {
		return nil, err
	}
	return &wf, nil
}

// RunWorkflow triggers an immediate execution of a workflow
func (c *Client) RunWorkflow(ctx context.Context, id string) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/run", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// PreviewWorkflowNode resolves one node's prompt template without executing
func (c *Client) PreviewWorkflowNode(ctx context.Context, id, nodeID string) (string, error) {
	body := map[string]string{"node_id": nodeID}
	var resp struct {
		Prompt string `json:"prompt"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/workflows/"+id+"/preview", body, &resp); err != nil {
		return "", err
	}
	return resp.Prompt, nil
}

// ListWorkflowRuns lists runs for a workflow
func (c *Client) ListWorkflowRuns(ctx context.Context, id string, limit int) ([]WorkflowRun, error) {
	path := "/api/v1/workflows/" + id + "/runs"
	if limit > 0 {
		path += fmt.Sprintf("?limit=%d", limit)
	}

	var resp struct {
		Runs []WorkflowRun `json:"runs"`
	}
	if err := c.request(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Runs, nil
}

// GetWorkflowRun retrieves a specific workflow run
func (c *Client) GetWorkflowRun(ctx context.Context, id string) (*WorkflowRun, error) {
	var run WorkflowRun
	if err := c.request(ctx, http.MethodGet, "/api/v1/workflow-runs/"+id, nil, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// AbortWorkflowRun requests cancellation of an executing workflow run
func (c *Client) AbortWorkflowRun(ctx context.Context, id string) (bool, error) {
	var resp struct {
		Aborted bool `json:"aborted"`
	}
	if err := c.request(ctx, http.MethodPost, "/api/v1/workflow-runs/"+id+"/abort", nil, &resp); err != nil {
		return false, err
	}
	return resp.Aborted, nil
}

// RemovePendingWorkflowRun removes a queued workflow job before it executes
func (c *Client) RemovePendingWorkflowRun(ctx context.Context, id string) error {
	return c.request(ctx, http.MethodDelete, "/api/v1/workflow-runs/"+id+"/queue", nil, nil)
}
