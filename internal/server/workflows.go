package server

import (
	"fmt"
	"net/http"

	"github.com/google/uuid"

	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/workflow"
)

// workflowRequest is the JSON body for creating or updating a workflow.
type workflowRequest struct {
	UserID uuid.UUID               `json:"user_id"`
	Name   string                  `json:"name"`
	Nodes  []database.WorkflowNode `json:"nodes"`
	Edges  []database.WorkflowEdge `json:"edges"`
}

// validate checks graph shape. Cycles are allowed at save time; execution
// drops the unreachable remainder, so a cycle surfaces as a warning instead.
func (req *workflowRequest) validate() ([]string, error) {
	if req.UserID == uuid.Nil {
		return nil, fmt.Errorf("user_id is required")
	}
	if req.Name == "" {
		return nil, fmt.Errorf("name is required")
	}
	if len(req.Nodes) == 0 {
		return nil, fmt.Errorf("at least one node is required")
	}

	seen := make(map[string]bool, len(req.Nodes))
	for _, node := range req.Nodes {
		if node.ID == "" {
			return nil, fmt.Errorf("node id cannot be empty")
		}
		if seen[node.ID] {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}
		seen[node.ID] = true
		if node.AgentID == uuid.Nil {
			return nil, fmt.Errorf("node %q: agent_id is required", node.ID)
		}
		if node.PromptID == uuid.Nil {
			return nil, fmt.Errorf("node %q: prompt_id is required", node.ID)
		}
	}

	for _, edge := range req.Edges {
		if !seen[edge.Source] {
			return nil, fmt.Errorf("edge references unknown node %q", edge.Source)
		}
		if !seen[edge.Target] {
			return nil, fmt.Errorf("edge references unknown node %q", edge.Target)
		}
		if edge.Source == edge.Target {
			return nil, fmt.Errorf("edge from node %q to itself", edge.Source)
		}
	}

	var warnings []string
	if workflow.HasCycle(req.Nodes, req.Edges) {
		warnings = append(warnings, "workflow contains a cycle; steps on the cycle will not execute")
	}

	return warnings, nil
}

func (s *Server) handleCreateWorkflow(w http.ResponseWriter, r *http.Request) {
	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	warnings, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	wf := &database.Workflow{
		ID:     uuid.New(),
		UserID: req.UserID,
		Name:   req.Name,
		Nodes:  req.Nodes,
		Edges:  req.Edges,
	}

	if err := s.deps.Workflows.Create(r.Context(), wf); err != nil {
		s.logger.Error().Err(err).Msg("failed to create workflow")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"workflow": wf,
		"warnings": warnings,
	})
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	userID, err := queryUserID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "user_id query parameter is required")
		return
	}

	workflows, err := s.deps.Workflows.ListByUser(r.Context(), userID, pagination(r))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to list workflows")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"workflows": workflows})
}

func (s *Server) handleGetWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, err := s.deps.Workflows.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, wf)
}

func (s *Server) handleUpdateWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	existing, err := s.deps.Workflows.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	var req workflowRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == uuid.Nil {
		req.UserID = existing.UserID
	}

	warnings, err := req.validate()
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	existing.Name = req.Name
	existing.Nodes = req.Nodes
	existing.Edges = req.Edges

	if err := s.deps.Workflows.Update(r.Context(), existing); err != nil {
		s.logger.Error().Err(err).Str("workflow_id", id.String()).Msg("failed to update workflow")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"workflow": existing,
		"warnings": warnings,
	})
}

func (s *Server) handleDeleteWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	if err := s.deps.Workflows.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	wf, err := s.deps.Workflows.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	run, err := s.deps.Submitter.SubmitWorkflow(r.Context(), wf)
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", id.String()).Msg("failed to submit workflow run")
		writeError(w, http.StatusInternalServerError, "failed to submit workflow run")
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]any{
		"run_id":          run.ID,
		"status":          run.Status,
		"conversation_id": run.ConversationID,
	})
}

// previewRequest selects the node whose prompt should be resolved.
type previewRequest struct {
	NodeID string `json:"node_id"`
}

// handlePreviewWorkflow resolves one node's prompt template without
// executing anything. Step output placeholders resolve to the no-output
// placeholder since nothing has run yet.
func (s *Server) handlePreviewWorkflow(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	var req previewRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.NodeID == "" {
		writeError(w, http.StatusBadRequest, "node_id is required")
		return
	}

	wf, err := s.deps.Workflows.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	prompt, err := s.deps.Engine.Preview(r.Context(), wf, req.NodeID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"prompt": prompt})
}

func (s *Server) handleListWorkflowRuns(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid workflow id")
		return
	}

	runs, err := s.deps.WfRuns.ListByWorkflow(r.Context(), id, pagination(r))
	if err != nil {
		s.logger.Error().Err(err).Str("workflow_id", id.String()).Msg("failed to list workflow runs")
		writeStoreError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runs": runs})
}
