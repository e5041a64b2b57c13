package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/checkpoint"
	"github.com/atelier-ai/atelier/internal/config"
)

var (
	checkpointsLimit       int
	cleanupHours           int
	cleanupCheckpointsDry  bool
	checkpointsShowAsState bool
)

var checkpointsCmd = &cobra.Command{
	Use:   "checkpoints",
	Short: "Inspect and manage workflow checkpoints",
}

var checkpointsListCmd = &cobra.Command{
	Use:   "list <workflow-id>",
	Short: "List checkpoints for a workflow",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		metas, err := store.List(args[0], checkpointsLimit)
		if err != nil {
			return err
		}
		if len(metas) == 0 {
			fmt.Printf("No checkpoints for workflow %s.\n", args[0])
			return nil
		}
		for _, m := range metas {
			fmt.Printf("v%-4d %s  %s\n", m.StateVersion, m.ID, m.CreatedAt.Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

var checkpointsShowCmd = &cobra.Command{
	Use:   "show <checkpoint-id>",
	Short: "Print the state snapshot of a checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		state, err := store.Load(args[0])
		if err != nil {
			return err
		}

		if !checkpointsShowAsState {
			fmt.Printf("Workflow:  %s\n", state.WorkflowID)
			fmt.Printf("Version:   %d\n", state.StateVersion)
			fmt.Printf("Phase:     %s\n", state.CurrentPhase)
			fmt.Printf("Agent:     %s\n", state.CurrentAgent)
			fmt.Printf("Tokens:    %d used, %d remaining\n", state.BudgetUsedTokens, state.BudgetRemainingTokens)
			fmt.Printf("Cost:      $%.4f used, $%.4f remaining\n", state.BudgetUsedUSD, state.BudgetRemainingUSD)
			fmt.Printf("Artifacts: %d\n", len(state.Artifacts))
			return nil
		}

		out, err := json.MarshalIndent(state, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var checkpointsCleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Remove checkpoints older than the retention window",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		hours := cfg.Checkpoints.RetentionHours
		if cleanupHours > 0 {
			hours = cleanupHours
		}

		store, err := checkpoint.Open(cfg.Checkpoints.DBPath)
		if err != nil {
			return err
		}
		defer store.Close()

		if cleanupCheckpointsDry {
			fmt.Printf("Dry run: would remove checkpoints older than %dh.\n", hours)
			return nil
		}

		removed, err := store.CleanupOld(hours)
		if err != nil {
			return err
		}
		fmt.Printf("Removed %d checkpoint(s) older than %dh.\n", removed, hours)
		return nil
	},
}

func init() {
	checkpointsListCmd.Flags().IntVar(&checkpointsLimit, "limit", 0, "Maximum checkpoints to list (default from config)")
	checkpointsShowCmd.Flags().BoolVar(&checkpointsShowAsState, "json", false, "Print the full state snapshot as JSON")
	checkpointsCleanupCmd.Flags().IntVar(&cleanupHours, "hours", 0, "Override the retention window in hours")
	checkpointsCleanupCmd.Flags().BoolVar(&cleanupCheckpointsDry, "dry-run", false, "Show what would be removed without removing")

	checkpointsCmd.AddCommand(checkpointsListCmd)
	checkpointsCmd.AddCommand(checkpointsShowCmd)
	checkpointsCmd.AddCommand(checkpointsCleanupCmd)
}

// openStore opens the configured checkpoint database, erroring politely
// when none exists yet.
func openStore() (*checkpoint.Store, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(cfg.Checkpoints.DBPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("no checkpoint database at %s; run a workflow first", cfg.Checkpoints.DBPath)
	}
	return checkpoint.Open(cfg.Checkpoints.DBPath)
}
