package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// scheduleCmd is the parent command for schedule operations
var scheduleCmd = &cobra.Command{
	Use:     "schedule",
	Aliases: []string{"schedules"},
	Short:   "Manage schedules",
	Long:    `Commands for creating, inspecting, and triggering scheduled agent runs.`,
}

// scheduleListCmd lists schedules
var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	Long: `List schedules for a user.

Filters:
  --user    User ID owning the schedules (required)
  --limit   Maximum number of results`,
	Example: `  # List schedules for a user
  relay-ctl schedule list --user 6f1c...

  # List schedules as JSON
  relay-ctl schedule list --user 6f1c... -o json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		userID, _ := cmd.Flags().GetString("user")
		limit, _ := cmd.Flags().GetInt("limit")

		if userID == "" {
			return fmt.Errorf("--user is required")
		}

		ShowSpinner("Fetching schedules...")
		schedules, err := apiClient.ListSchedules(ctx, userID, limit)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list schedules: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(schedules)
		}

		if len(schedules) == 0 {
			fmt.Println(Dim("No schedules found."))
			return nil
		}

		headers := []string{"ID", "NAME", "KIND", "TRIGGER", "ENABLED", "LAST RUN", "LAST STATUS"}
		rows := make([][]string, len(schedules))
		for i, s := range schedules {
			trigger := ""
			switch s.Kind {
			case "recurring":
				if s.CronExpr != nil {
					trigger = *s.CronExpr
				}
			case "one-off":
				if s.RunAt != nil {
					trigger = formatTimestamp(*s.RunAt)
				}
			}

			enabled := Green("yes")
			if !s.Enabled {
				enabled = Dim("no")
			}

			lastRun := Dim("-")
			if s.LastRunAt != nil {
				lastRun = formatTimestamp(*s.LastRunAt)
			}
			lastStatus := Dim("-")
			if s.LastRunStatus != nil {
				lastStatus = formatRunStatus(*s.LastRunStatus)
			}

			rows[i] = []string{
				truncate(s.ID, 12),
				truncate(s.Name, 30),
				s.Kind,
				truncate(trigger, 20),
				enabled,
				lastRun,
				lastStatus,
			}
		}

		printTable(headers, rows)
		return nil
	},
}

// scheduleGetCmd gets details for a specific schedule
var scheduleGetCmd = &cobra.Command{
	Use:   "get <schedule-id>",
	Short: "Get schedule details",
	Long:  `Display detailed information about a specific schedule.`,
	Example: `  # Get schedule details
  relay-ctl schedule get 6f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Fetching schedule...")
		sched, err := apiClient.GetSchedule(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to get schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		fmt.Printf("%s\n", Bold(sched.Name))
		fmt.Printf("  ID:       %s\n", sched.ID)
		fmt.Printf("  User:     %s\n", sched.UserID)
		fmt.Printf("  Agent:    %s\n", sched.AgentID)
		fmt.Printf("  Kind:     %s\n", sched.Kind)
		if sched.CronExpr != nil {
			fmt.Printf("  Cron:     %s (%s)\n", *sched.CronExpr, sched.Timezone)
		}
		if sched.RunAt != nil {
			fmt.Printf("  Run at:   %s\n", formatTimestamp(*sched.RunAt))
		}
		enabled := Green("yes")
		if !sched.Enabled {
			enabled = Dim("no")
		}
		fmt.Printf("  Enabled:  %s\n", enabled)
		if len(sched.SelectedTools) > 0 {
			fmt.Printf("  Tools:    %s\n", strings.Join(sched.SelectedTools, ", "))
		}
		if sched.LastRunAt != nil {
			status := ""
			if sched.LastRunStatus != nil {
				status = " (" + formatRunStatus(*sched.LastRunStatus) + ")"
			}
			fmt.Printf("  Last run: %s%s\n", formatTimestamp(*sched.LastRunAt), status)
		}
		fmt.Printf("  Created:  %s\n", formatTimestamp(sched.CreatedAt))
		fmt.Println()
		fmt.Printf("%s\n", Bold("Prompt"))
		fmt.Printf("  %s\n", sched.Prompt)

		return nil
	},
}

// scheduleCreateCmd creates a new schedule
var scheduleCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Create a schedule",
	Long: `Create a new schedule for an agent.

A recurring schedule needs --cron; a one-off schedule needs --at.`,
	Example: `  # Daily summary at 9am
  relay-ctl schedule create --user 6f1c... --agent a2b4... \
    --name "Daily summary" --prompt "Summarize my inbox" \
    --cron "0 9 * * *" --timezone America/New_York

  # One-off reminder
  relay-ctl schedule create --user 6f1c... --agent a2b4... \
    --name "Reminder" --prompt "Remind me about the launch" \
    --at 2026-09-15T14:00:00Z`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		userID, _ := cmd.Flags().GetString("user")
		agentID, _ := cmd.Flags().GetString("agent")
		name, _ := cmd.Flags().GetString("name")
		prompt, _ := cmd.Flags().GetString("prompt")
		cronExpr, _ := cmd.Flags().GetString("cron")
		runAt, _ := cmd.Flags().GetString("at")
		timezone, _ := cmd.Flags().GetString("timezone")
		tools, _ := cmd.Flags().GetStringSlice("tools")
		disabled, _ := cmd.Flags().GetBool("disabled")

		if userID == "" || agentID == "" || name == "" || prompt == "" {
			return fmt.Errorf("--user, --agent, --name, and --prompt are required")
		}
		if cronExpr == "" && runAt == "" {
			return fmt.Errorf("either --cron or --at is required")
		}
		if cronExpr != "" && runAt != "" {
			return fmt.Errorf("--cron and --at are mutually exclusive")
		}

		req := CreateScheduleRequest{
			UserID:        userID,
			AgentID:       agentID,
			Name:          name,
			Prompt:        prompt,
			Timezone:      timezone,
			SelectedTools: tools,
		}
		if cronExpr != "" {
			req.Kind = "recurring"
			req.CronExpr = &cronExpr
		} else {
			req.Kind = "one-off"
			req.RunAt = &runAt
		}
		if disabled {
			enabled := false
			req.Enabled = &enabled
		}

		ShowSpinner("Creating schedule...")
		sched, err := apiClient.CreateSchedule(ctx, req)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to create schedule: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(sched)
		}

		Success(fmt.Sprintf("Created schedule %s (%s)", Bold(sched.Name), sched.ID))
		return nil
	},
}

// scheduleDeleteCmd deletes a schedule
var scheduleDeleteCmd = &cobra.Command{
	Use:   "delete <schedule-id>",
	Short: "Delete a schedule",
	Long:  `Delete a schedule. Runs already queued or finished are kept.`,
	Example: `  # Delete a schedule
  relay-ctl schedule delete 6f1c...

  # Delete without confirmation
  relay-ctl schedule delete 6f1c... --yes`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		yes, _ := cmd.Flags().GetBool("yes")
		if !yes {
			fmt.Printf("Delete schedule %s? [y/N]: ", args[0])
			reader := bufio.NewReader(os.Stdin)
			answer, _ := reader.ReadString('\n')
			answer = strings.ToLower(strings.TrimSpace(answer))
			if answer != "y" && answer != "yes" {
				fmt.Println("Aborted.")
				return nil
			}
		}

		ShowSpinner("Deleting schedule...")
		err := apiClient.DeleteSchedule(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to delete schedule: %w", err)
		}

		Success("Schedule deleted")
		return nil
	},
}

// scheduleRunCmd triggers an immediate run
var scheduleRunCmd = &cobra.Command{
	Use:   "run <schedule-id>",
	Short: "Trigger a schedule now",
	Long: `Trigger an immediate run of a schedule without waiting for its
next cron occurrence. Does not affect the schedule's regular cadence.`,
	Example: `  # Run a schedule now
  relay-ctl schedule run 6f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		ShowSpinner("Submitting run...")
		resp, err := apiClient.RunScheduleNow(ctx, args[0])
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to trigger run: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(resp)
		}

		Success(fmt.Sprintf("Run %s submitted (%s)", Bold(resp.RunID), formatRunStatus(resp.Status)))
		return nil
	},
}

// scheduleRunsCmd lists runs for a schedule
var scheduleRunsCmd = &cobra.Command{
	Use:   "runs <schedule-id>",
	Short: "List runs for a schedule",
	Long:  `List the run history for a schedule, most recent first.`,
	Example: `  # List recent runs
  relay-ctl schedule runs 6f1c...`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		limit, _ := cmd.Flags().GetInt("limit")

		ShowSpinner("Fetching runs...")
		runs, err := apiClient.ListScheduleRuns(ctx, args[0], limit)
		HideSpinner()

		if err != nil {
			return fmt.Errorf("failed to list runs: %w", err)
		}

		if outputFormat == "json" {
			return printJSON(runs)
		}

		if len(runs) == 0 {
			fmt.Println(Dim("No runs found."))
			return nil
		}

		printRunsTable(runs)
		return nil
	},
}

func init() {
	scheduleListCmd.Flags().String("user", "", "User ID owning the schedules")
	scheduleListCmd.Flags().Int("limit", 50, "Maximum number of results")

	scheduleCreateCmd.Flags().String("user", "", "User ID owning the schedule")
	scheduleCreateCmd.Flags().String("agent", "", "Agent ID to run")
	scheduleCreateCmd.Flags().String("name", "", "Schedule name")
	scheduleCreateCmd.Flags().String("prompt", "", "Prompt sent to the agent")
	scheduleCreateCmd.Flags().String("cron", "", "Cron expression for recurring schedules")
	scheduleCreateCmd.Flags().String("at", "", "RFC3339 time for one-off schedules")
	scheduleCreateCmd.Flags().String("timezone", "", "IANA timezone for cron evaluation (default: UTC)")
	scheduleCreateCmd.Flags().StringSlice("tools", nil, "Tools the agent may use")
	scheduleCreateCmd.Flags().Bool("disabled", false, "Create the schedule disabled")

	scheduleDeleteCmd.Flags().BoolP("yes", "y", false, "Skip confirmation prompt")

	scheduleRunsCmd.Flags().Int("limit", 50, "Maximum number of results")

	scheduleCmd.AddCommand(scheduleListCmd)
	scheduleCmd.AddCommand(scheduleGetCmd)
	scheduleCmd.AddCommand(scheduleCreateCmd)
	scheduleCmd.AddCommand(scheduleDeleteCmd)
	scheduleCmd.AddCommand(scheduleRunCmd)
	scheduleCmd.AddCommand(scheduleRunsCmd)
}
