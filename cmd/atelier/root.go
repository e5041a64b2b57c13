package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "atelier",
	Short: "Multi-tier AI agent workflow orchestrator",
	Long: `Atelier drives a software delivery workflow through tiers of AI agents:
requirements, architecture, planning, implementation, validation, and delivery.

Every step is checkpointed to SQLite, spending is held to token and dollar
budgets, and repeated failures are analyzed, rerouted, or escalated to a
human for approval.`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(resumeCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(checkpointsCmd)
	rootCmd.AddCommand(approveCmd)
	rootCmd.AddCommand(approvalsCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
