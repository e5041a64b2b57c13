package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/approval"
	"github.com/atelier-ai/atelier/internal/config"
)

var (
	approveApprover string
	approveComment  string
	approveReject   bool
	approvalsDir    string
)

var approveCmd = &cobra.Command{
	Use:   "approve <workflow-id>",
	Short: "Record a human decision for an escalated workflow",
	Long: `Record an approval or rejection for a workflow that escalated to a
human. The decision is written as a JSON file in the decisions
directory, where 'atelier resume' and 'atelier approvals watch' pick
it up.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if approveApprover == "" {
			return fmt.Errorf("--approver is required")
		}

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		path, err := approval.WriteDecision(decisionsDir(cfg), args[0], approval.Decision{
			Approved: !approveReject,
			Approver: approveApprover,
			Comment:  approveComment,
		})
		if err != nil {
			return err
		}

		if approveReject {
			color.Red("Rejection recorded at %s", path)
		} else {
			color.Green("Approval recorded at %s", path)
			fmt.Printf("Resume the workflow with: atelier resume <checkpoint-id>\n")
			fmt.Printf("List checkpoints with:    atelier checkpoints list %s\n", args[0])
		}
		return nil
	},
}

var approvalsCmd = &cobra.Command{
	Use:   "approvals",
	Short: "Work with the approval decisions directory",
}

var approvalsWatchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch the decisions directory and audit incoming decisions",
	Long: `Watch the decisions directory for new decision files. Each decision
is printed and appended to the workflow's audit trail. Runs until
interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		dir := approvalsDir
		if dir == "" {
			dir = decisionsDir(cfg)
		}

		store, err := openStore()
		if err != nil {
			return err
		}
		defer store.Close()

		watcher, err := approval.NewWatcher(dir, store, func(workflowID string, d approval.Decision) {
			verdict := color.GreenString("approved")
			if !d.Approved {
				verdict = color.RedString("rejected")
			}
			fmt.Printf("%s  workflow %s %s by %s\n",
				d.DecidedAt.Format("15:04:05"), workflowID, verdict, d.Approver)
		}, nil)
		if err != nil {
			return err
		}
		defer watcher.Close()

		fmt.Printf("Watching %s for decisions. Ctrl-C to stop.\n", dir)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := watcher.Start(ctx); err != nil && err != context.Canceled {
			return err
		}
		return nil
	},
}

func init() {
	approveCmd.Flags().StringVar(&approveApprover, "approver", "", "Who is deciding (required)")
	approveCmd.Flags().StringVar(&approveComment, "comment", "", "Optional comment for the audit trail")
	approveCmd.Flags().BoolVar(&approveReject, "reject", false, "Record a rejection instead of an approval")

	approvalsWatchCmd.Flags().StringVar(&approvalsDir, "dir", "", "Decisions directory (default next to the checkpoint database)")
	approvalsCmd.AddCommand(approvalsWatchCmd)
}

// readDecisionFor loads the decision file for a workflow, if present.
func readDecisionFor(cfg *config.Config, workflowID string) (*approval.Decision, error) {
	return approval.ReadDecision(filepath.Join(decisionsDir(cfg), workflowID+".json"))
}
