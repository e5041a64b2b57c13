package main

import (
	"fmt"
	"os"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/internal/config"
)

var statusAuditLimit int

var statusCmd = &cobra.Command{
	Use:   "status [workflow-id]",
	Short: "Show workflow status",
	Long: `Display workflow status from the checkpoint database.

Without arguments, lists recent workflows. With a workflow ID, shows
that workflow's phase, budget usage, checkpoints, and audit trail.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusAuditLimit, "audit", 10, "Number of audit events to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	if _, err := os.Stat(cfg.Checkpoints.DBPath); os.IsNotExist(err) {
		fmt.Println("No workflows yet. Run 'atelier run <request>' to start.")
		return nil
	}

	store, err := checkpoint.Open(cfg.Checkpoints.DBPath)
	if err != nil {
		return fmt.Errorf("open checkpoint database: %w", err)
	}
	defer store.Close()

	if len(args) == 0 {
		return listWorkflows(store)
	}
	return showWorkflow(store, args[0])
}

func listWorkflows(store *checkpoint.Store) error {
	workflows, err := store.ListWorkflows(20)
	if err != nil {
		return err
	}
	if len(workflows) == 0 {
		fmt.Println("No workflows yet. Run 'atelier run <request>' to start.")
		return nil
	}

	fmt.Println("Recent workflows:")
	for _, w := range workflows {
		fmt.Printf("  %s  %s  %s  $%.4f  (%s ago)\n",
			w.WorkflowID,
			statusColor(w.Status),
			w.Phase,
			w.BudgetUsedUSD,
			formatDuration(time.Since(w.UpdatedAt)))
	}
	return nil
}

func showWorkflow(store *checkpoint.Store, workflowID string) error {
	w, err := store.GetWorkflow(workflowID)
	if err != nil {
		return err
	}

	fmt.Printf("Workflow: %s\n", w.WorkflowID)
	fmt.Printf("  Request:    %s\n", w.UserRequest)
	fmt.Printf("  Status:     %s\n", statusColor(w.Status))
	fmt.Printf("  Phase:      %s\n", w.Phase)
	if w.CurrentAgent != "" {
		fmt.Printf("  Agent:      %s\n", w.CurrentAgent)
	}
	fmt.Printf("  Cost:       $%.4f\n", w.BudgetUsedUSD)
	fmt.Printf("  Rejections: %d\n", w.RejectionCount)
	fmt.Printf("  Started:    %s ago\n", formatDuration(time.Since(w.CreatedAt)))
	if w.CompletedAt != nil {
		fmt.Printf("  Finished:   %s ago\n", formatDuration(time.Since(*w.CompletedAt)))
	}

	checkpoints, err := store.List(workflowID, 0)
	if err != nil {
		return err
	}
	if len(checkpoints) > 0 {
		fmt.Printf("\nCheckpoints (newest first):\n")
		for _, c := range checkpoints {
			fmt.Printf("  v%-4d %s  %s ago\n", c.StateVersion, c.ID, formatDuration(time.Since(c.CreatedAt)))
		}
	}

	events, err := store.ListAudit(workflowID, statusAuditLimit)
	if err != nil {
		return err
	}
	if len(events) > 0 {
		fmt.Printf("\nAudit trail (newest first):\n")
		for _, e := range events {
			fmt.Printf("  %s  %-18s %s\n",
				e.CreatedAt.Format(time.RFC3339), e.EventType, e.Actor)
		}
	}
	return nil
}

// statusColor renders a workflow status with the usual traffic lights.
func statusColor(status string) string {
	switch status {
	case "completed":
		return color.GreenString(status)
	case "failed":
		return color.RedString(status)
	case "paused":
		return color.YellowString(status)
	default:
		return color.CyanString(status)
	}
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	return fmt.Sprintf("%dd", int(d.Hours())/24)
}
