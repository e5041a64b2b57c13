package deviation

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/atelier-ai/atelier/internal/agent"
	"github.com/atelier-ai/atelier/pkg/models"
)

const analyzerSystemPrompt = `You are a root-cause analyst for a multi-agent software
delivery pipeline. Given a rejection, identify which agent's output caused it and
where the workflow should route next. Respond with a single JSON object:
{"root_cause": "...", "target_agent": "...", "reasoning": "...", "recommended_action": "..."}
target_agent must be one of: RequirementsAnalyst, RequirementsValidator,
SoftwareArchitect, Planner, DependencyAnalyzer, SoftwareEngineer, StaticAnalyzer,
QAEngineer, SecurityAnalyst, ProductOwner, TechnicalWriter, DevOpsEngineer.`

// LLMAnalyzer asks the model to attribute a failure and pick a routing
// target. Parse failures fall back to a deterministic analysis rather
// than erroring, so the deviation state machine always gets a verdict.
type LLMAnalyzer struct {
	client *agent.Client
	logger *slog.Logger
}

// NewLLMAnalyzer builds an analyzer on the shared LLM client.
func NewLLMAnalyzer(client *agent.Client, logger *slog.Logger) *LLMAnalyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LLMAnalyzer{client: client, logger: logger}
}

// Analyze produces an Analysis for a rejection.
func (a *LLMAnalyzer) Analyze(ctx context.Context, state *models.WorkflowState, rejectingAgent, reason string) (*Analysis, error) {
	prompt := fmt.Sprintf(
		"Rejecting agent: %s\nReason: %s\nCurrent phase: %s\nRejection count: %d\nBlocking issues: %s",
		rejectingAgent, reason, state.CurrentPhase, state.RejectionCount,
		strings.Join(state.BlockingIssues, "; "))

	text, usage, err := a.client.Complete(ctx, analyzerSystemPrompt, prompt)
	if err != nil {
		return nil, fmt.Errorf("analyze rejection: %w", err)
	}

	state.ApplyUsage(usage.Total(), 0, "DeviationHandler")

	analysis := &Analysis{}
	if err := json.Unmarshal([]byte(extractJSON(text)), analysis); err != nil {
		a.logger.Warn("analyzer response not parseable, using fallback",
			"workflow_id", state.WorkflowID, "error", err)
		return fallbackAnalysis(rejectingAgent, reason), nil
	}

	if analysis.TargetAgent == "" {
		return fallbackAnalysis(rejectingAgent, reason), nil
	}
	if analysis.RootCause == "" {
		analysis.RootCause = reason
	}

	return analysis, nil
}

// extractJSON strips any prose around the first JSON object in text.
func extractJSON(text string) string {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return text
	}
	return text[start : end+1]
}
