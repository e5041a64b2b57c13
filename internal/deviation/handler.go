// Package deviation analyzes blocking failures, decides routing
// targets, detects circular routing, and escalates to a human when
// bounded retries are spent.
package deviation

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/atelier-ai/atelier/internal/metrics"
	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// DefaultMaxRoutingIterations is the rejection count at which the
// handler escalates regardless of circularity.
const DefaultMaxRoutingIterations = 3

// fallbackNode receives routing for unknown agent names. It is the
// general-purpose implementation tier, never a planning tier, so a bad
// name cannot silently restart the whole pipeline.
const fallbackNode = "tier_3_engineer"

// Analysis is the outcome of analyzing one failure occurrence.
type Analysis struct {
	RootCause               string `json:"root_cause"`
	TargetAgent             string `json:"target_agent"`
	Reasoning               string `json:"reasoning"`
	CircularRoutingDetected bool   `json:"circular_routing_detected"`
	EscalateToHuman         bool   `json:"escalate_to_human"`
	RecommendedAction       string `json:"recommended_action"`
}

// Analyzer produces an Analysis for a rejection.
type Analyzer interface {
	Analyze(ctx context.Context, state *models.WorkflowState, rejectingAgent, reason string) (*Analysis, error)
}

// Auditor is the slice of the checkpoint store the handler needs for
// escalation and rollback records.
type Auditor interface {
	AppendAudit(workflowID, eventType, actor, details string) error
}

// defaultRouteTable maps agent names to tier node identifiers.
func defaultRouteTable() map[string]string {
	return map[string]string{
		"RequirementsAnalyst":   "tier_1_requirements",
		"RequirementsValidator": "tier_1_validator",
		"SoftwareArchitect":     "tier_1_architect",
		"Planner":               "tier_2_planner",
		"DependencyAnalyzer":    "tier_2_dependencies",
		"SoftwareEngineer":      "tier_3_engineer",
		"StaticAnalyzer":        "tier_3_static_analysis",
		"QAEngineer":            "tier_3_quality",
		"SecurityAnalyst":       "tier_4_security",
		"ProductOwner":          "tier_4_product",
		"TechnicalWriter":       "tier_5_docs",
		"DevOpsEngineer":        "tier_5_deployment",
	}
}

// LoadRouteTable reads an agent-to-node mapping from a YAML file,
// overlaying the built-in default table.
func LoadRouteTable(path string) (map[string]string, error) {
	table := defaultRouteTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read route table: %w", err)
	}

	overrides := map[string]string{}
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("parse route table: %w", err)
	}

	for agent, node := range overrides {
		table[agent] = node
	}
	return table, nil
}

// Handler implements the deviation state machine: analyze, check for
// circular routing, check the iteration bound, log, then escalate or
// route.
type Handler struct {
	analyzer             Analyzer
	maxRoutingIterations int
	log                  *Log
	routeTable           map[string]string
	auditor              Auditor
	logger               *slog.Logger
	metrics              *metrics.Metrics
}

// Config carries the handler's dependencies.
type Config struct {
	Analyzer             Analyzer
	MaxRoutingIterations int
	Log                  *Log
	RouteTable           map[string]string
	Auditor              Auditor
	Logger               *slog.Logger
	Metrics              *metrics.Metrics
}

// NewHandler builds a Handler. Zero-value config fields fall back to
// the rule analyzer, the default route table, and a no-op log.
func NewHandler(cfg Config) *Handler {
	h := &Handler{
		analyzer:             cfg.Analyzer,
		maxRoutingIterations: cfg.MaxRoutingIterations,
		log:                  cfg.Log,
		routeTable:           cfg.RouteTable,
		auditor:              cfg.Auditor,
		logger:               cfg.Logger,
		metrics:              cfg.Metrics,
	}
	if h.analyzer == nil {
		h.analyzer = RuleAnalyzer{}
	}
	if h.maxRoutingIterations <= 0 {
		h.maxRoutingIterations = DefaultMaxRoutingIterations
	}
	if h.log == nil {
		h.log = &Log{}
	}
	if h.routeTable == nil {
		h.routeTable = defaultRouteTable()
	}
	if h.logger == nil {
		h.logger = slog.Default()
	}
	if h.metrics == nil {
		h.metrics = metrics.NewNop()
	}
	return h
}

// HandleRejection runs the deviation state machine for one failure.
// It returns a routing decision, or a HumanApprovalError when
// escalation is forced by circular routing or the iteration bound.
func (h *Handler) HandleRejection(ctx context.Context, state *models.WorkflowState, rejectingAgent, reason string) (*models.RoutingDecision, error) {
	analysis, err := h.analyzer.Analyze(ctx, state, rejectingAgent, reason)
	if err != nil {
		h.logger.Warn("analysis failed, using fallback routing",
			"workflow_id", state.WorkflowID, "error", err)
		analysis = fallbackAnalysis(rejectingAgent, reason)
	}

	// Circular routing: same target as the last decision with the
	// rejection count already at two or more.
	if state.RoutingDecision != nil &&
		analysis.TargetAgent == state.RoutingDecision.TargetAgent &&
		state.RejectionCount >= 2 {
		analysis.CircularRoutingDetected = true
		analysis.EscalateToHuman = true
	}

	// Iteration bound forces escalation regardless of circularity.
	if state.RejectionCount >= h.maxRoutingIterations {
		analysis.EscalateToHuman = true
	}

	outcome := "routed"
	if analysis.EscalateToHuman {
		outcome = "escalated"
	}
	if err := h.log.Append(state.WorkflowID, rejectingAgent, analysis.RootCause, outcome); err != nil {
		h.logger.Warn("deviation log append failed", "error", err)
	}
	state.Deviations++

	if analysis.EscalateToHuman {
		h.metrics.Deviations.WithLabelValues("escalated").Inc()
		details := map[string]string{
			"root_cause":       analysis.RootCause,
			"rejection_count":  fmt.Sprintf("%d", state.RejectionCount),
			"circular_routing": fmt.Sprintf("%t", analysis.CircularRoutingDetected),
		}
		return nil, h.EscalateToHuman(state, analysis.RootCause, details)
	}

	decision := &models.RoutingDecision{
		TargetAgent:    analysis.TargetAgent,
		TargetNode:     h.nodeFor(analysis.TargetAgent),
		RootCause:      analysis.RootCause,
		Reasoning:      analysis.Reasoning,
		IterationCount: state.RejectionCount,
	}
	state.SetRouting(decision)

	h.metrics.Deviations.WithLabelValues("routed").Inc()
	h.logger.Info("deviation routed",
		"workflow_id", state.WorkflowID,
		"target_agent", decision.TargetAgent,
		"target_node", decision.TargetNode,
		"rejection_count", state.RejectionCount)

	return decision, nil
}

// LogDeviation records a generic node error that carries no routing
// analysis.
func (h *Handler) LogDeviation(state *models.WorkflowState, err error, agent string) {
	if logErr := h.log.Append(state.WorkflowID, agent, err.Error(), "recorded"); logErr != nil {
		h.logger.Warn("deviation log append failed", "error", logErr)
	}
	state.Deviations++
	h.metrics.Deviations.WithLabelValues("recorded").Inc()
}

// EscalateToHuman records the escalation on state, in the log, and in
// the audit trail, then returns a HumanApprovalError. Escalation is a
// control-flow exit; there is no success return path.
func (h *Handler) EscalateToHuman(state *models.WorkflowState, reason string, details map[string]string) error {
	now := time.Now().UTC()
	state.RequiresHumanApproval = true
	state.AwaitingHumanApproval = true
	state.EscalationFlag = true
	state.ApprovalReason = reason
	state.EscalationDetails = details
	state.EscalationAt = &now
	state.Touch()

	h.metrics.Escalations.WithLabelValues(reason).Inc()

	if h.auditor != nil {
		pairs := make([]string, 0, len(details))
		for k, v := range details {
			pairs = append(pairs, fmt.Sprintf("%q:%q", k, v))
		}
		if err := h.auditor.AppendAudit(state.WorkflowID, models.AuditEscalation,
			"deviation_handler", "{"+strings.Join(pairs, ",")+"}"); err != nil {
			h.logger.Warn("escalation audit append failed", "error", err)
		}
	}

	h.logger.Warn("escalated to human",
		"workflow_id", state.WorkflowID,
		"reason", reason,
		"rejection_count", state.RejectionCount)

	return &wferr.HumanApprovalError{Gate: reason, Details: details}
}

// nodeFor maps an agent name to its tier node, defaulting to the
// implementation tier for unknown names.
func (h *Handler) nodeFor(agent string) string {
	if node, ok := h.routeTable[agent]; ok {
		return node
	}
	return fallbackNode
}

// fallbackAnalysis routes a failure back to the agent that raised it
// when no analyzer verdict is available.
func fallbackAnalysis(rejectingAgent, reason string) *Analysis {
	return &Analysis{
		RootCause:         reason,
		TargetAgent:       rejectingAgent,
		Reasoning:         "analyzer unavailable, routing to the rejecting agent's tier",
		RecommendedAction: "retry",
	}
}

// RuleAnalyzer is a deterministic Analyzer that attributes the failure
// to the rejecting agent. Used as the fallback and in tests.
type RuleAnalyzer struct{}

// Analyze routes the failure back to the tier of the agent that
// reported it.
func (RuleAnalyzer) Analyze(_ context.Context, _ *models.WorkflowState, rejectingAgent, reason string) (*Analysis, error) {
	return &Analysis{
		RootCause:         reason,
		TargetAgent:       rejectingAgent,
		Reasoning:         fmt.Sprintf("rule-based analysis: %s reported the failure", rejectingAgent),
		RecommendedAction: "retry",
	}, nil
}
