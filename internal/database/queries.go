package database

// SQL queries for database operations.
// These are organized by entity type and operation.

// User queries
const (
	// UserGetByID retrieves a user by ID.
	UserGetByID = `
		SELECT id, name, email, timezone, created_at
		FROM users
		WHERE id = $1`
)

// Agent queries
const (
	// AgentGetByID retrieves an agent by ID.
	AgentGetByID = `
		SELECT id, owner_id, name, description, model, tools, created_at, updated_at
		FROM agents
		WHERE id = $1`

	// AgentGetByName retrieves an agent by name.
	AgentGetByName = `
		SELECT id, owner_id, name, description, model, tools, created_at, updated_at
		FROM agents
		WHERE name = $1`

	// AgentList lists agents with pagination.
	AgentList = `
		SELECT id, owner_id, name, description, model, tools, created_at, updated_at
		FROM agents
		ORDER BY name ASC
		LIMIT $1 OFFSET $2`
)

// Prompt queries
const (
	// PromptGetByID retrieves a prompt by ID.
	PromptGetByID = `
		SELECT id, owner_id, name, text, created_at, updated_at
		FROM prompts
		WHERE id = $1`
)

// Conversation queries
const (
	// ConversationInsert inserts a new conversation.
	ConversationInsert = `
		INSERT INTO conversations (id, user_id, title, tags)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at, updated_at`

	// ConversationGetByID retrieves a conversation by ID.
	ConversationGetByID = `
		SELECT id, user_id, title, tags, created_at, updated_at
		FROM conversations
		WHERE id = $1`

	// ConversationTag sets the title and appends tags.
	ConversationTag = `
		UPDATE conversations
		SET title = $2,
			tags = (SELECT array_agg(DISTINCT t) FROM unnest(tags || $3::text[]) AS t),
			updated_at = now()
		WHERE id = $1`

	// MessageInsert appends a message to a conversation.
	MessageInsert = `
		INSERT INTO messages (id, conversation_id, parent_id, agent_id, role, content, content_type)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`

	// MessageListByConversation lists a conversation's messages in order.
	MessageListByConversation = `
		SELECT id, conversation_id, parent_id, agent_id, role, content, content_type, created_at
		FROM messages
		WHERE conversation_id = $1
		ORDER BY created_at ASC`
)

// Schedule queries
const (
	// ScheduleInsert inserts a new schedule.
	ScheduleInsert = `
		INSERT INTO schedules (
			id, user_id, agent_id, name, prompt, kind, cron_expr, run_at,
			enabled, timezone, selected_tools
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11
		) RETURNING created_at, updated_at`

	// ScheduleGetByID retrieves a schedule by ID.
	ScheduleGetByID = `
		SELECT id, user_id, agent_id, name, prompt, kind, cron_expr, run_at,
			   enabled, timezone, selected_tools, last_run_at, last_run_status,
			   created_at, updated_at
		FROM schedules
		WHERE id = $1`

	// ScheduleUpdate updates an existing schedule.
	ScheduleUpdate = `
		UPDATE schedules
		SET agent_id = $2, name = $3, prompt = $4, kind = $5, cron_expr = $6,
			run_at = $7, enabled = $8, timezone = $9, selected_tools = $10,
			updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	// ScheduleDelete deletes a schedule by ID.
	ScheduleDelete = `DELETE FROM schedules WHERE id = $1`

	// ScheduleListByUser lists a user's schedules.
	ScheduleListByUser = `
		SELECT id, user_id, agent_id, name, prompt, kind, cron_expr, run_at,
			   enabled, timezone, selected_tools, last_run_at, last_run_status,
			   created_at, updated_at
		FROM schedules
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	// ScheduleListEnabledRecurring lists every enabled recurring schedule.
	ScheduleListEnabledRecurring = `
		SELECT id, user_id, agent_id, name, prompt, kind, cron_expr, run_at,
			   enabled, timezone, selected_tools, last_run_at, last_run_status,
			   created_at, updated_at
		FROM schedules
		WHERE enabled = true AND kind = 'recurring'`

	// ScheduleListDueOneOff lists enabled one-off schedules due at or before now.
	ScheduleListDueOneOff = `
		SELECT id, user_id, agent_id, name, prompt, kind, cron_expr, run_at,
			   enabled, timezone, selected_tools, last_run_at, last_run_status,
			   created_at, updated_at
		FROM schedules
		WHERE enabled = true AND kind = 'one-off' AND run_at <= $1`

	// ScheduleSetEnabled flips the enabled flag.
	ScheduleSetEnabled = `
		UPDATE schedules SET enabled = $2, updated_at = now() WHERE id = $1`

	// ScheduleRecordLastRun stores the most recent firing outcome.
	ScheduleRecordLastRun = `
		UPDATE schedules
		SET last_run_at = $2, last_run_status = $3, updated_at = now()
		WHERE id = $1`
)

// Run queries
const (
	// RunInsert inserts a new run.
	RunInsert = `
		INSERT INTO runs (id, schedule_id, user_id, agent_id, conversation_id, status, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	// RunGetByID retrieves a run by ID.
	RunGetByID = `
		SELECT id, schedule_id, user_id, agent_id, conversation_id, status,
			   fired_at, started_at, finished_at, error_message
		FROM runs
		WHERE id = $1`

	// RunMarkRunning transitions a queued or running run to running.
	// The status guard keeps terminal states final.
	RunMarkRunning = `
		UPDATE runs
		SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('queued', 'running')`

	// RunFinish records a terminal status. Only a running run can finish.
	RunFinish = `
		UPDATE runs
		SET status = $2, conversation_id = COALESCE($3, conversation_id),
			error_message = $4, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`

	// RunListBySchedule lists runs for a schedule, newest first.
	RunListBySchedule = `
		SELECT id, schedule_id, user_id, agent_id, conversation_id, status,
			   fired_at, started_at, finished_at, error_message
		FROM runs
		WHERE schedule_id = $1
		ORDER BY fired_at DESC
		LIMIT $2 OFFSET $3`

	// RunFailInterrupted fails every running run, used at startup.
	RunFailInterrupted = `
		UPDATE runs
		SET status = 'failed', error_message = $1, finished_at = now()
		WHERE status = 'running'`
)

// Workflow queries
const (
	// WorkflowInsert inserts a new workflow.
	WorkflowInsert = `
		INSERT INTO workflows (id, user_id, name, nodes, edges)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at, updated_at`

	// WorkflowGetByID retrieves a workflow by ID.
	WorkflowGetByID = `
		SELECT id, user_id, name, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE id = $1`

	// WorkflowUpdate updates an existing workflow.
	WorkflowUpdate = `
		UPDATE workflows
		SET name = $2, nodes = $3, edges = $4, updated_at = now()
		WHERE id = $1
		RETURNING updated_at`

	// WorkflowDelete deletes a workflow by ID.
	WorkflowDelete = `DELETE FROM workflows WHERE id = $1`

	// WorkflowListByUser lists a user's workflows.
	WorkflowListByUser = `
		SELECT id, user_id, name, nodes, edges, created_at, updated_at
		FROM workflows
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`
)

// WorkflowRun queries
const (
	// WorkflowRunInsert inserts a new workflow run.
	WorkflowRunInsert = `
		INSERT INTO workflow_runs (id, workflow_id, user_id, conversation_id, status, fired_at)
		VALUES ($1, $2, $3, $4, $5, $6)`

	// WorkflowRunGetByID retrieves a workflow run by ID.
	WorkflowRunGetByID = `
		SELECT id, workflow_id, user_id, conversation_id, status, step_outputs,
			   fired_at, started_at, finished_at, error_message
		FROM workflow_runs
		WHERE id = $1`

	// WorkflowRunMarkRunning transitions a workflow run to running.
	WorkflowRunMarkRunning = `
		UPDATE workflow_runs
		SET status = 'running', started_at = COALESCE(started_at, now())
		WHERE id = $1 AND status IN ('queued', 'running')`

	// WorkflowRunFinish records a terminal status with step outputs.
	WorkflowRunFinish = `
		UPDATE workflow_runs
		SET status = $2, conversation_id = COALESCE($3, conversation_id),
			step_outputs = $4, error_message = $5, finished_at = now()
		WHERE id = $1 AND status IN ('queued', 'running')`

	// WorkflowRunListByWorkflow lists runs for a workflow, newest first.
	WorkflowRunListByWorkflow = `
		SELECT id, workflow_id, user_id, conversation_id, status, step_outputs,
			   fired_at, started_at, finished_at, error_message
		FROM workflow_runs
		WHERE workflow_id = $1
		ORDER BY fired_at DESC
		LIMIT $2 OFFSET $3`

	// WorkflowRunFailInterrupted fails every running workflow run.
	WorkflowRunFailInterrupted = `
		UPDATE workflow_runs
		SET status = 'failed', error_message = $1, finished_at = now()
		WHERE status = 'running'`
)
