package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/fatih/color"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

var (
	runBudgetTokens  int64
	runBudgetUSD     float64
	runMaxIterations int
	runDryRun        bool
	runWorkflowID    string
	runMetricsAddr   string
)

var runCmd = &cobra.Command{
	Use:   "run <request>",
	Short: "Run a workflow for a user request",
	Long: `Run a software delivery workflow for a request.

The request passes through the agent tiers in order: requirements
analysis, validation, architecture, planning, dependency analysis,
implementation, static analysis, QA, security review, product review,
documentation, and deployment planning. Validator rejections are
analyzed and rerouted; repeated failures escalate to a human.

Every step writes a checkpoint; an interrupted workflow resumes with
'atelier resume <checkpoint-id>'.

Use --dry-run to walk the full graph with canned agents and no API
calls, which is useful for verifying configuration and budgets.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runWorkflow,
}

func init() {
	runCmd.Flags().Int64Var(&runBudgetTokens, "budget-tokens", 0, "Override the per-workflow token budget")
	runCmd.Flags().Float64Var(&runBudgetUSD, "budget-usd", 0, "Override the per-workflow cost budget in USD")
	runCmd.Flags().IntVar(&runMaxIterations, "max-iterations", 0, "Override the controller iteration limit")
	runCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Walk the graph with canned agents, no API calls")
	runCmd.Flags().StringVar(&runWorkflowID, "workflow-id", "", "Use a fixed workflow ID instead of a generated one")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (e.g. :9090)")
}

func runWorkflow(cmd *cobra.Command, args []string) error {
	request := strings.Join(args, " ")

	cfg, err := config.Load()
	if err != nil {
		return err
	}
	applyRunOverrides(cfg)

	deps, err := buildRuntime(cfg, runDryRun)
	if err != nil {
		return err
	}
	defer deps.Close()

	if runMetricsAddr != "" {
		go serveMetrics(runMetricsAddr, deps.promReg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	state, err := deps.controller.Execute(ctx, request, runWorkflowID)
	return reportOutcome(deps, state, err)
}

// applyRunOverrides maps the run flags onto the loaded config.
func applyRunOverrides(cfg *config.Config) {
	if runBudgetTokens > 0 {
		cfg.Budget.MaxTokensPerWorkflow = runBudgetTokens
	}
	if runBudgetUSD > 0 {
		cfg.Budget.MaxWorkflowBudgetUSD = runBudgetUSD
	}
	if runMaxIterations > 0 {
		cfg.Orchestrator.MaxIterations = runMaxIterations
	}
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server: %v\n", err)
	}
}

// reportOutcome prints the workflow result and budget summary. A pause
// for human approval is not a command failure.
func reportOutcome(deps *runtime, state *models.WorkflowState, err error) error {
	if state == nil {
		return err
	}

	fmt.Println()
	switch {
	case err == nil:
		color.Green("Workflow %s completed.", state.WorkflowID)
	case wferr.IsPause(err):
		color.Yellow("Workflow %s paused for human approval.", state.WorkflowID)
		fmt.Printf("  Reason: %s\n", state.ApprovalReason)
		fmt.Printf("\nApprove or reject with:\n")
		fmt.Printf("  atelier approve %s --approver <you>\n", state.WorkflowID)
		fmt.Printf("  atelier approve %s --approver <you> --reject\n", state.WorkflowID)
	default:
		color.Red("Workflow %s failed: %v", state.WorkflowID, err)
	}

	summary := deps.guard.Summarize(state)
	fmt.Printf("\nBudget:\n")
	fmt.Printf("  Tokens: %d / %d\n", summary.UsedTokens, summary.LimitTokens)
	fmt.Printf("  Cost:   $%.4f / $%.2f\n", summary.UsedUSD, summary.LimitUSD)
	if len(summary.PerAgentTokens) > 0 {
		fmt.Printf("  Per agent:\n")
		for _, agent := range sortedKeys(summary.PerAgentTokens) {
			fmt.Printf("    %-22s %d\n", agent, summary.PerAgentTokens[agent])
		}
	}

	if err != nil && !wferr.IsPause(err) {
		// Interrupts are expected; the checkpoint already holds the state.
		if errors.Is(err, context.Canceled) {
			fmt.Printf("\nInterrupted. Resume with: atelier resume <checkpoint-id>\n")
			fmt.Printf("List checkpoints with:   atelier checkpoints list %s\n", state.WorkflowID)
			return nil
		}
		return err
	}
	return nil
}

func sortedKeys(m map[string]int64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

var resumeCmd = &cobra.Command{
	Use:   "resume <checkpoint-id>",
	Short: "Resume a workflow from a checkpoint",
	Long: `Resume an interrupted or approved workflow from a checkpoint.

A workflow that is still awaiting human approval cannot be resumed;
record a decision first with 'atelier approve'.`,
	Args: cobra.ExactArgs(1),
	RunE: resumeWorkflow,
}

func init() {
	resumeCmd.Flags().BoolVar(&runDryRun, "dry-run", false, "Walk the graph with canned agents, no API calls")
}

func resumeWorkflow(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	deps, err := buildRuntime(cfg, runDryRun)
	if err != nil {
		return err
	}
	defer deps.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// An approved decision file lifts the gate before the controller
	// sees the state again.
	state, err := deps.store.Load(args[0])
	if err != nil {
		return err
	}
	if state.AwaitingHumanApproval {
		if cleared := applyDecisionFile(cfg, deps, state); !cleared {
			return fmt.Errorf("workflow %s is awaiting human approval; run 'atelier approve %s' first",
				state.WorkflowID, state.WorkflowID)
		}
	}

	final, err := deps.controller.ResumeState(ctx, state)
	return reportOutcome(deps, final, err)
}

// applyDecisionFile checks the decisions directory for a verdict on the
// workflow and applies it to the state. Returns true when an approval
// cleared the gate.
func applyDecisionFile(cfg *config.Config, deps *runtime, state *models.WorkflowState) bool {
	decision, err := readDecisionFor(cfg, state.WorkflowID)
	if err != nil {
		return false
	}
	if !decision.Approved {
		return false
	}

	state.AwaitingHumanApproval = false
	state.RequiresHumanApproval = false
	state.EscalationFlag = false
	state.RejectionCount = 0
	state.Touch()

	if err := deps.store.AppendAudit(state.WorkflowID, models.AuditHumanDecision,
		decision.Approver, fmt.Sprintf(`{"approved":true,"comment":%q}`, decision.Comment)); err != nil {
		fmt.Fprintf(os.Stderr, "warning: audit append failed: %v\n", err)
	}
	color.Green("Approval by %s applied; resuming.", decision.Approver)
	return true
}

// decisionsDir is where approval decision files live, next to the
// checkpoint database.
func decisionsDir(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.Checkpoints.DBPath), "decisions")
}
