package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/atelier-ai/atelier/internal/agent"
	"github.com/atelier-ai/atelier/pkg/models"
)

// Node names, in pipeline order. The numeric tier groups nodes by
// lifecycle phase.
const (
	NodeDeviation      = "tier_0_deviation"
	NodeRequirements   = "tier_1_requirements"
	NodeValidator      = "tier_1_validator"
	NodeArchitect      = "tier_1_architect"
	NodePlanner        = "tier_2_planner"
	NodeDependencies   = "tier_2_dependencies"
	NodeEngineer       = "tier_3_engineer"
	NodeStaticAnalysis = "tier_3_static_analysis"
	NodeQuality        = "tier_3_quality"
	NodeSecurity       = "tier_4_security"
	NodeProduct        = "tier_4_product"
	NodeDocs           = "tier_5_docs"
	NodeDeployment     = "tier_5_deployment"
)

// pipeline is the happy-path node sequence.
var pipeline = []string{
	NodeRequirements,
	NodeValidator,
	NodeArchitect,
	NodePlanner,
	NodeDependencies,
	NodeEngineer,
	NodeStaticAnalysis,
	NodeQuality,
	NodeSecurity,
	NodeProduct,
	NodeDocs,
	NodeDeployment,
}

// phaseFor maps a node to the lifecycle phase it runs in. The deviation
// node keeps whatever phase the workflow was in.
func phaseFor(node string) models.Phase {
	switch {
	case strings.HasPrefix(node, "tier_1_"):
		return models.PhasePlanning
	case strings.HasPrefix(node, "tier_2_"):
		return models.PhasePreparation
	case strings.HasPrefix(node, "tier_3_"):
		return models.PhaseDevelopment
	case strings.HasPrefix(node, "tier_4_"):
		return models.PhaseValidation
	case strings.HasPrefix(node, "tier_5_"):
		return models.PhaseDelivery
	}
	return ""
}

// tierNode wraps a registry agent as a graph node. It stamps the
// current agent and phase, runs the agent, and times the execution.
func (c *Controller) tierNode(node string) NodeFunc {
	return func(ctx context.Context, state *models.WorkflowState) error {
		a, err := c.agents.Get(node)
		if err != nil {
			return err
		}

		state.CurrentAgent = a.Name()
		if phase := phaseFor(node); phase != "" {
			state.CurrentPhase = phase
		}

		started := time.Now()
		execErr := a.Execute(ctx, state, state.Artifacts)
		c.metrics.NodeDuration.WithLabelValues(node).Observe(time.Since(started).Seconds())

		status := "ok"
		if execErr != nil {
			status = "error"
		}
		c.metrics.NodeExecutions.WithLabelValues(node, status).Inc()
		return execErr
	}
}

// deviationNode runs the deviation handler against the most recent
// blocking issue. A successful routing clears the blocking issues so
// the next route leaves the deviation tier.
func (c *Controller) deviationNode() NodeFunc {
	return func(ctx context.Context, state *models.WorkflowState) error {
		state.CurrentAgent = agent.AgentForNode(NodeDeviation)

		rejectingAgent, reason := lastBlockingIssue(state)
		decision, err := c.deviation.HandleRejection(ctx, state, rejectingAgent, reason)
		if err != nil {
			return err
		}

		c.logger.Info("deviation resolved",
			"workflow_id", state.WorkflowID,
			"target_node", decision.TargetNode,
			"root_cause", decision.RootCause)
		state.ClearBlockingIssues()
		return nil
	}
}

// lastBlockingIssue splits the newest blocking issue back into the
// agent and reason recorded by RecordRejection.
func lastBlockingIssue(state *models.WorkflowState) (agentName, reason string) {
	if len(state.BlockingIssues) == 0 {
		return state.CurrentAgent, state.LastError
	}
	issue := state.BlockingIssues[len(state.BlockingIssues)-1]
	if i := strings.Index(issue, ": "); i > 0 {
		return issue[:i], issue[i+2:]
	}
	return state.CurrentAgent, issue
}

// BuildGraph assembles the tier graph: the linear pipeline with a
// blocking-issue diversion on every node, plus the deviation node with
// its own routing. Each call builds fresh maps so repeated builds never
// share mutable graph state.
func (c *Controller) BuildGraph() (*Graph, error) {
	g := NewGraph()

	for i, node := range pipeline {
		next := End
		if i+1 < len(pipeline) {
			next = pipeline[i+1]
		}
		g.AddNode(node, c.tierNode(node))
		g.AddRoute(node, standardRoute(next))
	}

	g.AddNode(NodeDeviation, c.deviationNode())
	g.AddRoute(NodeDeviation, deviationRoute(c.cfg.Orchestrator.MaxRoutingIterations))

	g.SetEntry(NodeRequirements)

	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("build graph: %w", err)
	}
	return g, nil
}
