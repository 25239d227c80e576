package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/azevedojoel/relay/internal/abort"
	"github.com/azevedojoel/relay/internal/agent"
	"github.com/azevedojoel/relay/internal/database"
	"github.com/azevedojoel/relay/internal/lock"
	"github.com/azevedojoel/relay/internal/queue"
	"github.com/azevedojoel/relay/internal/run"
	"github.com/azevedojoel/relay/pkg/metrics"
	"github.com/azevedojoel/relay/pkg/tracing"
)

// lockRetryInterval is how often a step re-attempts its agent's lock while
// another run holds it. Workflow steps wait for the lock instead of deferring
// the whole job; a half-finished workflow cannot be redelivered from scratch.
const lockRetryInterval = 2 * time.Second

// Config holds configuration for the workflow engine.
type Config struct {
	// LockNamespace prefixes agent lock keys. Default: "relay".
	LockNamespace string
	// StepLockTTL bounds how long one step may hold its agent's lock.
	// Default: 35m.
	StepLockTTL time.Duration
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() Config {
	return Config{
		LockNamespace: "relay",
		StepLockTTL:   35 * time.Minute,
	}
}

// Engine executes workflow runs step by step.
type Engine struct {
	workflows database.WorkflowRepository
	wfRuns    database.WorkflowRunRepository
	users     database.UserRepository
	agents    database.AgentRepository
	prompts   database.PromptRepository
	convs     database.ConversationRepository
	runtime   agent.Runtime
	locks     lock.Service
	aborts    *abort.Registry
	events    run.Events
	cfg       Config
	metrics   *metrics.RunMetrics
	logger    zerolog.Logger
}

// NewEngine creates a workflow engine.
func NewEngine(
	workflows database.WorkflowRepository,
	wfRuns database.WorkflowRunRepository,
	users database.UserRepository,
	agents database.AgentRepository,
	prompts database.PromptRepository,
	convs database.ConversationRepository,
	runtime agent.Runtime,
	locks lock.Service,
	aborts *abort.Registry,
	events run.Events,
	cfg Config,
	rm *metrics.RunMetrics,
	logger zerolog.Logger,
) *Engine {
	if cfg.LockNamespace == "" {
		cfg.LockNamespace = "relay"
	}
	if cfg.StepLockTTL <= 0 {
		cfg.StepLockTTL = 35 * time.Minute
	}
	return &Engine{
		workflows: workflows,
		wfRuns:    wfRuns,
		users:     users,
		agents:    agents,
		prompts:   prompts,
		convs:     convs,
		runtime:   runtime,
		locks:     locks,
		aborts:    aborts,
		events:    events,
		cfg:       cfg,
		metrics:   rm,
		logger:    logger.With().Str("component", "workflow-engine").Logger(),
	}
}

// HandleJob is the queue handler for workflow-run jobs.
func (e *Engine) HandleJob(ctx context.Context, job *database.Job) error {
	var payload queue.WorkflowPayload
	if err := queue.DecodePayload(job.Payload, &payload); err != nil {
		e.logger.Error().Err(err).Str("job_id", job.ID.String()).Msg("dropping undecodable workflow job")
		return nil
	}

	logger := e.logger.With().
		Str("run_id", payload.RunID.String()).
		Str("workflow_id", payload.WorkflowID.String()).
		Logger()

	wfRun, err := e.wfRuns.Get(ctx, payload.RunID)
	if err != nil {
		if database.IsNotFound(err) {
			logger.Warn().Msg("workflow run record missing, dropping job")
			return nil
		}
		return fmt.Errorf("failed to load workflow run: %w", err)
	}
	if wfRun.Status.IsTerminal() {
		logger.Debug().Str("status", string(wfRun.Status)).Msg("workflow run already terminal, dropping job")
		return nil
	}

	final := job.Attempts >= job.MaxAttempts
	return e.execute(ctx, wfRun, final, logger)
}

func (e *Engine) execute(ctx context.Context, wfRun *database.WorkflowRun, final bool, logger zerolog.Logger) error {
	if err := e.wfRuns.MarkRunning(ctx, wfRun.ID); err != nil {
		return fmt.Errorf("failed to mark workflow run running: %w", err)
	}
	e.publish(database.RunStatusRunning, wfRun.ID)

	if e.metrics != nil {
		e.metrics.RunsActive.Inc()
		defer e.metrics.RunsActive.Dec()
	}
	started := time.Now()

	// One cancellation handle covers the whole workflow run; aborting it
	// interrupts whichever step is currently executing.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	key := abort.WorkflowKey(wfRun.ID.String())
	e.aborts.Register(key, cancel)
	defer e.aborts.Unregister(key)

	convID, steps, err := e.runSteps(runCtx, wfRun, logger)

	if e.metrics != nil {
		e.metrics.RunDuration.WithLabelValues("workflow").Observe(time.Since(started).Seconds())
	}

	writeCtx := context.WithoutCancel(ctx)

	switch {
	case err == nil:
		if finishErr := e.wfRuns.Finish(writeCtx, wfRun.ID, database.RunStatusSuccess, convID, steps, ""); finishErr != nil {
			logger.Error().Err(finishErr).Msg("failed to record workflow run success")
		}
		e.finishMetrics(database.RunStatusSuccess)
		e.publish(database.RunStatusSuccess, wfRun.ID)
		logger.Info().Int("steps", len(steps)).Msg("workflow run succeeded")
		return nil

	case agent.IsCancelled(err):
		if finishErr := e.wfRuns.Finish(writeCtx, wfRun.ID, database.RunStatusFailed, convID, steps, run.CancelledMessage); finishErr != nil {
			logger.Error().Err(finishErr).Msg("failed to record cancelled workflow run")
		}
		e.finishMetrics(database.RunStatusFailed)
		e.publish(database.RunStatusFailed, wfRun.ID)
		logger.Info().Msg("workflow run cancelled")
		return nil

	default:
		if final {
			if finishErr := e.wfRuns.Finish(writeCtx, wfRun.ID, database.RunStatusFailed, convID, steps, err.Error()); finishErr != nil {
				logger.Error().Err(finishErr).Msg("failed to record workflow run failure")
			}
			e.finishMetrics(database.RunStatusFailed)
			e.publish(database.RunStatusFailed, wfRun.ID)
		}
		logger.Warn().Err(err).Bool("final", final).Msg("workflow run failed")
		return err
	}
}

// runSteps validates the workflow, orders its graph, and executes each step.
// The returned conversation ID is non-nil once any step has run, so a partial
// transcript stays reachable from a failed run.
func (e *Engine) runSteps(ctx context.Context, wfRun *database.WorkflowRun, logger zerolog.Logger) (*uuid.UUID, []database.StepOutput, error) {
	wf, err := e.workflows.Get(ctx, wfRun.WorkflowID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load workflow: %w", err)
	}

	user, err := e.users.Get(ctx, wfRun.UserID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load user: %w", err)
	}

	stepAgents, stepPrompts, err := e.resolveNodes(ctx, wf)
	if err != nil {
		return nil, nil, err
	}

	ordered, droppedNodes := Order(wf.Nodes, wf.Edges)
	if len(droppedNodes) > 0 {
		logger.Warn().Strs("node_ids", droppedNodes).Msg("workflow graph has a cycle, skipping trapped nodes")
	}
	if len(ordered) == 0 {
		return nil, nil, fmt.Errorf("workflow has no executable steps")
	}

	conv := &database.Conversation{
		ID:        uuid.New(),
		UserID:    wfRun.UserID,
		CreatedAt: time.Now().UTC(),
	}
	if err := e.convs.Create(ctx, conv); err != nil {
		return nil, nil, fmt.Errorf("failed to create workflow conversation: %w", err)
	}
	convID := conv.ID

	tc := TemplateContext{
		UserName: user.Name,
		FiredAt:  wfRun.FiredAt,
	}

	var (
		steps []database.StepOutput
		// pendingHandoff is the text computed when the previous step
		// finished; when set it replaces the step's resolved template.
		pendingHandoff  string
		parentMessageID *uuid.UUID
	)

	for i, node := range ordered {
		select {
		case <-ctx.Done():
			return &convID, steps, agent.ErrRunCancelled
		default:
		}

		resolved := Resolve(stepPrompts[node.ID].Text, tc)
		prompt := resolved
		if pendingHandoff != "" {
			prompt = pendingHandoff
		}

		output, messageID, err := e.runStep(ctx, wfRun, &node, prompt, convID, parentMessageID)
		if err != nil {
			e.stepMetrics("failed")
			return &convID, steps, fmt.Errorf("step %q (%s) failed: %w", node.ID, stepAgents[node.ID].Name, err)
		}
		e.stepMetrics("success")

		if output == "" {
			output = NoOutputPlaceholder
		}
		steps = append(steps, database.StepOutput{NodeID: node.ID, AgentID: node.AgentID, Output: output})
		tc.Outputs = steps
		parentMessageID = messageID

		logger.Info().
			Str("node_id", node.ID).
			Str("agent", stepAgents[node.ID].Name).
			Int("step", i+1).
			Msg("workflow step completed")

		if i == len(ordered)-1 {
			break
		}

		next := ordered[i+1]
		nextResolved := Resolve(stepPrompts[next.ID].Text, tc)
		if forwardsOutput(wf.Edges, node.ID, next.ID) {
			pendingHandoff = output + "\n\n" + nextResolved
		} else {
			pendingHandoff = ""
		}

		handoffID, err := e.persistHandoff(ctx, convID, parentMessageID, stepAgents[node.ID], stepAgents[next.ID], pendingHandoff, nextResolved)
		if err != nil {
			// The transcript entry is cosmetic; losing it must not fail
			// the run.
			logger.Warn().Err(err).Str("node_id", next.ID).Msg("failed to persist hand-off message")
		} else {
			parentMessageID = handoffID
		}
	}

	e.tagConversation(context.WithoutCancel(ctx), wf, wfRun, convID, stepAgents[ordered[len(ordered)-1].ID], logger)
	return &convID, steps, nil
}

// Preview resolves a node's prompt template without executing anything.
// Step-output placeholders resolve to the no-output placeholder since no
// steps have run.
func (e *Engine) Preview(ctx context.Context, wf *database.Workflow, nodeID string) (string, error) {
	for _, node := range wf.Nodes {
		if node.ID != nodeID {
			continue
		}
		pr, err := e.prompts.Get(ctx, node.PromptID)
		if err != nil {
			return "", fmt.Errorf("node %q references unknown prompt %s: %w", node.ID, node.PromptID, err)
		}
		user, err := e.users.Get(ctx, wf.UserID)
		if err != nil {
			return "", fmt.Errorf("failed to load user: %w", err)
		}
		return Resolve(pr.Text, TemplateContext{UserName: user.Name, FiredAt: time.Now().UTC()}), nil
	}
	return "", fmt.Errorf("node %q not found in workflow", nodeID)
}

// resolveNodes validates that every node references a known agent and prompt.
// An invalid node fails the whole run before any step executes.
func (e *Engine) resolveNodes(ctx context.Context, wf *database.Workflow) (map[string]*database.Agent, map[string]*database.Prompt, error) {
	stepAgents := make(map[string]*database.Agent, len(wf.Nodes))
	stepPrompts := make(map[string]*database.Prompt, len(wf.Nodes))

	for _, node := range wf.Nodes {
		if node.AgentID == uuid.Nil || node.PromptID == uuid.Nil {
			return nil, nil, fmt.Errorf("node %q is missing an agent or prompt reference", node.ID)
		}
		ag, err := e.agents.Get(ctx, node.AgentID)
		if err != nil {
			return nil, nil, fmt.Errorf("node %q references unknown agent %s: %w", node.ID, node.AgentID, err)
		}
		pr, err := e.prompts.Get(ctx, node.PromptID)
		if err != nil {
			return nil, nil, fmt.Errorf("node %q references unknown prompt %s: %w", node.ID, node.PromptID, err)
		}
		stepAgents[node.ID] = ag
		stepPrompts[node.ID] = pr
	}
	return stepAgents, stepPrompts, nil
}

// runStep executes one agent invocation under that agent's lock. The session
// is opened and closed per step so resources never span steps.
func (e *Engine) runStep(ctx context.Context, wfRun *database.WorkflowRun, node *database.WorkflowNode, prompt string, convID uuid.UUID, parentMessageID *uuid.UUID) (string, *uuid.UUID, error) {
	ctx, span := tracing.StartSpan(ctx, "workflow.step", tracing.WithAttributes(
		tracing.AttrWorkflowID.String(wfRun.WorkflowID.String()),
		tracing.AttrRunID.String(wfRun.ID.String()),
		tracing.AttrAgentID.String(node.AgentID.String()),
	))
	defer span.End()

	key := lock.AgentKey(e.cfg.LockNamespace, node.AgentID.String())
	holder := abort.WorkflowKey(wfRun.ID.String())

	if err := e.acquireStepLock(ctx, key, holder); err != nil {
		return "", nil, err
	}
	defer func() {
		if _, err := e.locks.Release(context.WithoutCancel(ctx), key, holder); err != nil {
			e.logger.Error().Err(err).Str("lock_key", key).Msg("failed to release step lock")
		}
	}()

	session, err := e.runtime.NewSession(ctx, wfRun.UserID, node.AgentID)
	if err != nil {
		return "", nil, fmt.Errorf("failed to open agent session: %w", err)
	}
	defer session.Close()

	stepConvID := convID
	result, err := session.Run(ctx, agent.RunRequest{
		UserID:          wfRun.UserID,
		AgentID:         node.AgentID,
		Prompt:          prompt,
		ConversationID:  &stepConvID,
		ParentMessageID: parentMessageID,
		SelectedTools:   node.SelectedTools,
	})
	if err != nil {
		tracing.RecordError(ctx, err)
		return "", nil, err
	}
	messageID := result.MessageID
	return result.Text, &messageID, nil
}

// acquireStepLock waits for the step agent's lock, polling until the run is
// cancelled or times out.
func (e *Engine) acquireStepLock(ctx context.Context, key, holder string) error {
	for {
		acquired, err := e.locks.Acquire(ctx, key, holder, e.cfg.StepLockTTL)
		if err != nil {
			return fmt.Errorf("failed to acquire step lock: %w", err)
		}
		if acquired {
			return nil
		}

		select {
		case <-ctx.Done():
			return agent.ErrRunCancelled
		case <-time.After(lockRetryInterval):
		}
	}
}

// handoffRecord is the structured content of a hand-off transcript message.
// Conversation viewers render it like a tool call between the two agents; the
// instructions appear as both the call arguments and its output because no
// real tool ran.
type handoffRecord struct {
	Type        string `json:"type"`
	SourceAgent string `json:"source_agent"`
	TargetAgent string `json:"target_agent"`
	Arguments   struct {
		Instructions string `json:"instructions"`
	} `json:"arguments"`
	Output struct {
		Instructions string `json:"instructions"`
	} `json:"output"`
}

func (e *Engine) persistHandoff(ctx context.Context, convID uuid.UUID, parentID *uuid.UUID, from, to *database.Agent, handoff, fallback string) (*uuid.UUID, error) {
	instructions := handoff
	if instructions == "" {
		instructions = fallback
	}

	rec := handoffRecord{
		Type:        "transfer",
		SourceAgent: from.Name,
		TargetAgent: to.Name,
	}
	rec.Arguments.Instructions = instructions
	rec.Output.Instructions = instructions

	content, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hand-off record: %w", err)
	}

	agentID := from.ID
	msg := &database.Message{
		ID:             uuid.New(),
		ConversationID: convID,
		ParentID:       parentID,
		AgentID:        &agentID,
		Role:           database.MessageRoleAssistant,
		Content:        string(content),
		ContentType:    "handoff",
		CreatedAt:      time.Now().UTC(),
	}
	if err := e.convs.AddMessage(ctx, msg); err != nil {
		return nil, err
	}
	return &msg.ID, nil
}

func (e *Engine) tagConversation(ctx context.Context, wf *database.Workflow, wfRun *database.WorkflowRun, convID uuid.UUID, lastAgent *database.Agent, logger zerolog.Logger) {
	title := fmt.Sprintf("%s - %s (%s)", wf.Name, wfRun.FiredAt.Format("2006-01-02 15:04"), lastAgent.Name)
	if err := e.convs.Tag(ctx, convID, title, []string{"automated", "workflow", "run:" + wfRun.ID.String()}); err != nil {
		logger.Warn().Err(err).Str("conversation_id", convID.String()).Msg("failed to tag workflow conversation")
	}
}

// forwardsOutput reports whether the edge from source to target forwards the
// source step's output. No direct edge means no forwarding.
func forwardsOutput(edges []database.WorkflowEdge, source, target string) bool {
	for _, e := range edges {
		if e.Source == source && e.Target == target {
			return !e.NoForward
		}
	}
	return false
}

func (e *Engine) finishMetrics(status database.RunStatus) {
	if e.metrics != nil {
		e.metrics.RunsTotal.WithLabelValues("workflow", string(status)).Inc()
	}
}

func (e *Engine) stepMetrics(status string) {
	if e.metrics != nil {
		e.metrics.WorkflowSteps.WithLabelValues(status).Inc()
	}
}

func (e *Engine) publish(status database.RunStatus, runID uuid.UUID) {
	if e.events != nil {
		e.events.PublishRunStatus("workflow", runID, status)
	}
}
