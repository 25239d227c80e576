package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// workflowCmd is the parent command for workflow operations
var workflowCmd = &cobra.Command{
	Use:     "workflow",
	Aliases: []string{"workflows", "wf"},
	Short:   "Manage workflows",
	Long:    `Commands for inspecting, running, and previewing multi-agent workflows.`,
}

// workflowListCmd lists workflows
var workflowListCmd = &cobra.Command{
	Use:   "list",
	Short: "List workflows",
	Long: `List workflows for a user.

Filters:
  --user    User ID owning the workflows (required)
  --limit   Maximum number of results`,
	Example: `  # List workflows for a user
  relay-ctl workflow list --user 6f1c...`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		ShowSpinner("Fetching workflows...")
		workflows, err := apiClient.ListWorkflows(ctx, userID, limit)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list workflows: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(workflows)
		}

		if len(workflows) == 0 {
			fmt.Println(Dim("No workflows found."))
			return nil
		}

		headers := []string{"ID", "NAME", "NODES", "EDGES", "UPDATED"}
		rows := make([][]string, len(workflows))
		for i, wf := range workflows {
			rows[i] = []string{
				truncate(wf.ID, 12),
				truncate(wf.Name, 30),
				fmt.Sprintf("%d", len(wf.Nodes)),
				fmt.Sprintf("%d", len(wf.Edges)),
				formatTimestamp(wf.UpdatedAt),
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// workflowGetCmd gets details for a specific workflow
var workflowGetCmd = &cobra.Command{
	Use:   "get <workflow-id>",
	Short: "Get workflow details",
	Long:  `Display a workflow's step graph.`,
	Example: `  # Get workflow details
  relay-ctl workflow get 4d8e...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching workflow...")
		wf, err := apiClient.GetWorkflow(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get workflow: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(wf)
		}

		fmt.Printf("%s\n", Bold(wf.Name))
		fmt.Printf("  ID:      %s\n", wf.ID)
		fmt.Printf("  User:    %s\n", wf.UserID)
		fmt.Printf("  Updated: %s\n", formatTimestamp(wf.UpdatedAt))
		fmt.Println()

		fmt.Printf("%s\n", Bold("Nodes"))
		for _, n := range wf.Nodes {
			fmt.Printf("  %s  agent=%s prompt=%s\n", Bold(n.ID), truncate(n.AgentID, 12), truncate(n.PromptID, 12))
		}

		if len(wf.Edges) > 0 {
			fmt.Println()
			fmt.Printf("%s\n", Bold("Edges"))
			for _, e := range wf.Edges {
				arrow := "->"
				if e.NoForward {
					arrow = "-x" // output not forwarded
				}
				fmt.Printf("  %s %s %s\n", e.Source, arrow, e.Target)
			}
		}

		return nil
	},
}

// workflowRunCmd triggers a workflow execution
var workflowRunCmd = &cobra.Command{
	Use:   "run <workflow-id>",
	Short: "Run a workflow now",
	Long:  `Submit a workflow for immediate execution.`,
	Example: `  # Run a workflow
  relay-ctl workflow run 4d8e...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Submitting workflow run...")
		resp, err := apiClient.RunWorkflow(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to run workflow: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		Success(fmt.Sprintf("Workflow run %s submitted (%s)", Bold(resp.RunID), formatRunStatus(resp.Status)))
		return nil
	},
}

// workflowPreviewCmd previews a node's resolved prompt
var workflowPreviewCmd = &cobra.Command{
	Use:   "preview <workflow-id> <node-id>",
	Short: "Preview a node's resolved prompt",
	Long: `Resolve a node's prompt template without executing anything.

Placeholders for upstream step output resolve to a marker since no steps
have run.`,
	Example: `  # Preview the prompt for node "summarize"
  relay-ctl workflow preview 4d8e... summarize`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Resolving prompt...")
		prompt, err := apiClient.PreviewWorkflowNode(ctx, args[0], args[1])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to preview node: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(map[string]string{"prompt": prompt})
		}

		fmt.Println(prompt)
		return nil
	},
}

// workflowRunsCmd lists runs for a workflow
var workflowRunsCmd = &cobra.Command{
	Use:   "runs <workflow-id>",
	Short: "List runs for a workflow",
	Long:  `List the run history for a workflow, most recent first.`,
	Example: `  # List recent workflow runs
  relay-ctl workflow runs 4d8e...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")

		ShowSpinner("Fetching workflow runs...")
		runs, err := apiClient.ListWorkflowRuns(ctx, args[0], limit)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list workflow runs: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(runs)
		}

		if len(runs) == 0 {
			fmt.Println(Dim("No runs found."))
			return nil
		}

		headers := []string{"ID", "STATUS", "FIRED", "DURATION", "ERROR"}
		rows := make([][]string, len(runs))
		for i, r := range runs {
			errMsg := ""
			if r.ErrorMessage != nil {
				errMsg = truncate(*r.ErrorMessage, 40)
			}
			rows[i] = []string{
				truncate(r.ID, 12),
				formatRunStatus(r.Status),
				formatTimestamp(r.FiredAt),
				formatRunDuration(r.StartedAt, r.FinishedAt),
				errMsg,
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// workflowAbortCmd aborts an executing workflow run
var workflowAbortCmd = &cobra.Command{
	Use:   "abort <workflow-run-id>",
	Short: "Abort an executing workflow run",
	Long: `Request cancellation of a workflow run that is currently executing.

The current step's agent run is cancelled and no further steps start.`,
	Example: `  # Abort a workflow run
  relay-ctl workflow abort 7b2f...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Aborting workflow run...")
		aborted, err := apiClient.AbortWorkflowRun(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to abort workflow run: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(map[string]bool{"aborted": aborted})
		}

		if aborted {
			Success("Abort requested")
		} else {
			Warning("Workflow run is not executing; nothing to abort")
		}
		return nil
	},
}

func init() {
	workflowListCmd.Flags().String("user", "", "User ID owning the workflows")
	workflowListCmd.Flags().Int("limit", 50, "Maximum number of results")

	workflowRunsCmd.Flags().Int("limit", 50, "Maximum number of results")

	workflowCmd.AddCommand(workflowListCmd)
	workflowCmd.AddCommand(workflowGetCmd)
	workflowCmd.AddCommand(workflowRunCmd)
	workflowCmd.AddCommand(workflowPreviewCmd)
	workflowCmd.AddCommand(workflowRunsCmd)
	workflowCmd.AddCommand(workflowAbortCmd)
}
