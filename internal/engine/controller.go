package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/atelier-ai/atelier/internal/agent"
	"github.com/atelier-ai/atelier/internal/budget"
	"github.com/atelier-ai/atelier/internal/config"
	"github.com/atelier-ai/atelier/internal/deviation"
	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// Store is the slice of the checkpoint store the controller needs.
type Store interface {
	Save(workflowID string, state *models.WorkflowState) (string, error)
	Load(checkpointID string) (*models.WorkflowState, error)
}

// Controller drives a workflow through the tier graph: run a node,
// bump the state version, persist a checkpoint, enforce budget and
// iteration limits, then route.
type Controller struct {
	cfg       *config.Config
	store     Store
	guard     *budget.Guard
	deviation *deviation.Handler
	agents    *agent.Registry
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// ControllerConfig carries the controller's dependencies. All are
// injected; the controller holds no globals.
type ControllerConfig struct {
	Config    *config.Config
	Store     Store
	Guard     *budget.Guard
	Deviation *deviation.Handler
	Agents    *agent.Registry
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewController builds a Controller.
func NewController(cc ControllerConfig) (*Controller, error) {
	if cc.Config == nil {
		return nil, fmt.Errorf("controller requires a config")
	}
	if cc.Store == nil {
		return nil, fmt.Errorf("controller requires a checkpoint store")
	}
	if cc.Guard == nil {
		return nil, fmt.Errorf("controller requires a budget guard")
	}
	if cc.Deviation == nil {
		return nil, fmt.Errorf("controller requires a deviation handler")
	}
	if cc.Agents == nil {
		return nil, fmt.Errorf("controller requires an agent registry")
	}
	if cc.Metrics == nil {
		cc.Metrics = metrics.NewNop()
	}
	if cc.Logger == nil {
		cc.Logger = slog.Default()
	}
	return &Controller{
		cfg:       cc.Config,
		store:     cc.Store,
		guard:     cc.Guard,
		deviation: cc.Deviation,
		agents:    cc.Agents,
		metrics:   cc.Metrics,
		logger:    cc.Logger,
	}, nil
}

// Execute runs a workflow from the entry node until a terminal node,
// a pause, or a fatal error. The returned state reflects the last
// persisted version.
func (c *Controller) Execute(ctx context.Context, userRequest, workflowID string) (*models.WorkflowState, error) {
	if workflowID == "" {
		workflowID = uuid.New().String()
	}

	state := models.New(workflowID, userRequest, uuid.New().String(),
		c.cfg.Budget.MaxTokensPerWorkflow, c.cfg.Budget.MaxWorkflowBudgetUSD)
	state.Touch()

	c.logger.Info("workflow started",
		"workflow_id", state.WorkflowID,
		"trace_id", state.TraceID,
		"budget_tokens", state.BudgetRemainingTokens,
		"budget_usd", state.BudgetRemainingUSD)

	graph, err := c.BuildGraph()
	if err != nil {
		return state, err
	}
	return c.run(ctx, graph, state, graph.Entry())
}

// Resume continues a workflow from a persisted checkpoint. A workflow
// still awaiting human approval cannot be resumed; clear the approval
// flags first (see ResumeState).
func (c *Controller) Resume(ctx context.Context, checkpointID string) (*models.WorkflowState, error) {
	state, err := c.store.Load(checkpointID)
	if err != nil {
		return nil, err
	}
	if state.AwaitingHumanApproval {
		return state, &wferr.HumanApprovalError{
			Gate:    state.ApprovalReason,
			Details: state.EscalationDetails,
		}
	}
	return c.ResumeState(ctx, state)
}

// ResumeState continues execution from an in-memory state, starting at
// the routing decision's target node when one is recorded, otherwise
// at the node bound to the current agent.
func (c *Controller) ResumeState(ctx context.Context, state *models.WorkflowState) (*models.WorkflowState, error) {
	if state.CurrentPhase.Terminal() {
		return state, fmt.Errorf("workflow %s already %s", state.WorkflowID, state.CurrentPhase)
	}

	graph, err := c.BuildGraph()
	if err != nil {
		return state, err
	}

	start := c.resumeNode(state)
	c.logger.Info("workflow resumed",
		"workflow_id", state.WorkflowID,
		"node", start,
		"state_version", state.StateVersion)

	return c.run(ctx, graph, state, start)
}

// run is the controller loop shared by Execute and Resume.
func (c *Controller) run(ctx context.Context, graph *Graph, state *models.WorkflowState, node string) (*models.WorkflowState, error) {
	c.metrics.ActiveWorkflows.Inc()
	defer c.metrics.ActiveWorkflows.Dec()

	for iterations := 0; node != End; {
		select {
		case <-ctx.Done():
			return c.fail(state, ctx.Err())
		default:
		}

		fn, err := graph.Node(node)
		if err != nil {
			return c.fail(state, err)
		}

		// Admission check before the node runs. The zero estimate still
		// enforces the monthly limit and surfaces threshold alerts.
		if _, err := c.guard.Reserve(node, 0, 0, state); err != nil {
			return c.fail(state, err)
		}

		tokensBefore, usdBefore := state.BudgetUsedTokens, state.BudgetUsedUSD
		execErr := fn(ctx, state)
		c.guard.RecordUsage(node, state.BudgetUsedTokens-tokensBefore,
			state.BudgetUsedUSD-usdBefore, state, state.CurrentAgent)

		if execErr != nil {
			switch {
			case wferr.IsPause(execErr):
				return c.pause(state, execErr)
			case wferr.IsFatal(execErr):
				return c.fail(state, execErr)
			case wferr.IsRecoverable(execErr):
				var rej *wferr.AgentRejectionError
				errors.As(execErr, &rej)
				state.RecordRejection(rej.Agent, rej.Reason)
				c.logger.Warn("agent rejection",
					"workflow_id", state.WorkflowID,
					"agent", rej.Agent,
					"validator", rej.Validator,
					"reason", rej.Reason)
			default:
				// Unclassified node errors become recorded deviations and
				// divert routing to the deviation tier.
				c.deviation.LogDeviation(state, execErr, state.CurrentAgent)
				state.RecordRejection(state.CurrentAgent, execErr.Error())
				c.logger.Warn("node error recorded as deviation",
					"workflow_id", state.WorkflowID,
					"node", node,
					"error", execErr)
			}
		}

		state.Touch()
		if _, err := c.store.Save(state.WorkflowID, state); err != nil {
			return c.fail(state, err)
		}
		c.metrics.CheckpointsSaved.Inc()

		if state.BudgetRemainingTokens <= 0 {
			return c.fail(state, &wferr.BudgetExhaustedError{
				BudgetType: budget.TypeTokens,
				Used:       float64(state.BudgetUsedTokens),
				Limit:      float64(state.BudgetUsedTokens + state.BudgetRemainingTokens),
			})
		}

		iterations++
		c.metrics.WorkflowIterations.WithLabelValues(state.WorkflowID).Inc()
		if iterations >= c.cfg.Orchestrator.MaxIterations {
			return c.fail(state, &wferr.InfiniteLoopError{
				Agent:      state.CurrentAgent,
				Phase:      state.CurrentPhase.String(),
				Iterations: iterations,
				Max:        c.cfg.Orchestrator.MaxIterations,
			})
		}

		node = graph.Next(node, state)
	}

	if state.EscalationFlag {
		return c.fail(state, fmt.Errorf("workflow %s terminated after escalation", state.WorkflowID))
	}

	state.Complete(models.PhaseCompleted)
	if _, err := c.store.Save(state.WorkflowID, state); err != nil {
		return state, err
	}

	c.logger.Info("workflow completed",
		"workflow_id", state.WorkflowID,
		"state_version", state.StateVersion,
		"tokens_used", state.BudgetUsedTokens,
		"cost_usd", state.BudgetUsedUSD)

	return state, nil
}

// pause persists the paused state and returns the approval error so
// the caller knows why execution stopped. Paused is not terminal.
func (c *Controller) pause(state *models.WorkflowState, cause error) (*models.WorkflowState, error) {
	state.CurrentPhase = models.PhasePaused
	state.Touch()
	if _, err := c.store.Save(state.WorkflowID, state); err != nil {
		c.logger.Error("pause checkpoint save failed",
			"workflow_id", state.WorkflowID, "error", err)
	}
	c.logger.Warn("workflow paused for human approval",
		"workflow_id", state.WorkflowID,
		"reason", state.ApprovalReason)
	return state, cause
}

// fail marks the workflow failed, persists best-effort, and returns
// the cause.
func (c *Controller) fail(state *models.WorkflowState, cause error) (*models.WorkflowState, error) {
	state.LastError = cause.Error()
	state.Complete(models.PhaseFailed)
	if _, err := c.store.Save(state.WorkflowID, state); err != nil {
		c.logger.Error("failure checkpoint save failed",
			"workflow_id", state.WorkflowID, "error", err)
	}
	c.logger.Error("workflow failed",
		"workflow_id", state.WorkflowID,
		"error", cause)
	return state, cause
}

// resumeNode picks where a resumed workflow continues: the recorded
// routing target, then the node bound to the current agent, then the
// entry node.
func (c *Controller) resumeNode(state *models.WorkflowState) string {
	if state.RoutingDecision != nil && state.RoutingDecision.TargetNode != "" {
		return state.RoutingDecision.TargetNode
	}
	if state.CurrentAgent != "" {
		for _, node := range append([]string{NodeDeviation}, pipeline...) {
			if agent.AgentForNode(node) == state.CurrentAgent {
				return node
			}
		}
	}
	return NodeRequirements
}
