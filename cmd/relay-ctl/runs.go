package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// runCmd is the parent command for run operations
var runCmd = &cobra.Command{
	Use:     "run",
	Aliases: []string{"runs"},
	Short:   "Manage agent runs",
	Long:    `Commands for inspecting, aborting, and cleaning up agent runs.`,
}

// runGetCmd gets details for a specific run
var runGetCmd = &cobra.Command{
	Use:   "get <run-id>",
	Short: "Get run details",
	Long:  `Display detailed information about a specific agent run.`,
	Example: `  # Get run details
  relay-ctl run get 9c3a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching run...")
		run, err := apiClient.GetRun(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get run: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(run)
		}

		fmt.Printf("%s\n", Bold("Run "+run.ID))
		fmt.Printf("  Status:       %s\n", formatRunStatus(run.Status))
		fmt.Printf("  User:         %s\n", run.UserID)
		fmt.Printf("  Agent:        %s\n", run.AgentID)
		if run.ScheduleID != nil {
			fmt.Printf("  Schedule:     %s\n", *run.ScheduleID)
		}
		if run.ConversationID != nil {
			fmt.Printf("  Conversation: %s\n", *run.ConversationID)
		}
		fmt.Printf("  Fired:        %s\n", formatTimestamp(run.FiredAt))
		if run.StartedAt != nil {
			fmt.Printf("  Started:      %s\n", formatTimestamp(*run.StartedAt))
			fmt.Printf("  Duration:     %s\n", formatRunDuration(run.StartedAt, run.FinishedAt))
		}
		if run.ErrorMessage != nil {
			fmt.Printf("  Error:        %s\n", Red(*run.ErrorMessage))
		}

		return nil
	},
}

// runAbortCmd aborts an executing run
var runAbortCmd = &cobra.Command{
	Use:   "abort <run-id>",
	Short: "Abort an executing run",
	Long: `Request cancellation of a run that is currently executing.

If the run is not executing (still queued, or already finished) nothing
happens. Use 'run remove' to take a queued run out of the queue.`,
	Example: `  # Abort a running agent run
  relay-ctl run abort 9c3a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Aborting run...")
		aborted, err := apiClient.AbortRun(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to abort run: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(map[string]bool{"aborted": aborted})
		}

		if aborted {
			Success("Abort requested")
		} else {
			Warning("Run is not executing; nothing to abort")
		}
		return nil
	},
}

// runRemoveCmd removes a queued run job
var runRemoveCmd = &cobra.Command{
	Use:   "remove <run-id>",
	Short: "Remove a queued run",
	Long: `Remove a run's job from the queue before a worker picks it up.

Fails if the job is already being processed; abort it instead.`,
	Example: `  # Remove a queued run
  relay-ctl run remove 9c3a...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Removing queued run...")
		err := apiClient.RemovePendingRun(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to remove run: %w", err)
		}

		Success("Queued run removed")
		return nil
	},
}

// printRunsTable renders a list of runs as a table
func printRunsTable(runs []Run) {
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
}

func init() {
	runCmd.AddCommand(runGetCmd)
	runCmd.AddCommand(runAbortCmd)
	runCmd.AddCommand(runRemoveCmd)
}
