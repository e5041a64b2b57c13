package agent

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/pkg/models"
)

// StaticAgent produces a canned artifact and fixed token usage. Used
// for dry runs and tests; real agents replace these bindings.
type StaticAgent struct {
	// AgentName is the registry name reported by Name.
	AgentName string
	// Artifact is the artifact key written on execution; empty writes
	// nothing.
	Artifact string
	// Content is the canned artifact content.
	Content string
	// Tokens is the usage applied per execution.
	Tokens int64
	// CostUSD is the cost applied per execution.
	CostUSD float64
}

// Name returns the agent's registry name.
func (a *StaticAgent) Name() string {
	return a.AgentName
}

// Execute writes the canned artifact and applies the fixed usage.
func (a *StaticAgent) Execute(_ context.Context, state *models.WorkflowState, _ map[string]string) error {
	if a.Artifact != "" {
		if state.Artifacts == nil {
			state.Artifacts = make(map[string]string)
		}
		state.Artifacts[a.Artifact] = a.Content
	}
	if a.Tokens > 0 || a.CostUSD > 0 {
		state.ApplyUsage(a.Tokens, a.CostUSD, a.AgentName)
	}
	return nil
}

// tierBinding pairs a node with its default agent name and artifact.
var tierBindings = []struct {
	node     string
	agent    string
	artifact string
}{
	{"tier_0_deviation", "DeviationHandler", ""},
	{"tier_1_requirements", "RequirementsAnalyst", "requirements"},
	{"tier_1_validator", "RequirementsValidator", ""},
	{"tier_1_architect", "SoftwareArchitect", "architecture"},
	{"tier_2_planner", "Planner", "tasks"},
	{"tier_2_dependencies", "DependencyAnalyzer", "dependencies"},
	{"tier_3_engineer", "SoftwareEngineer", "code"},
	{"tier_3_static_analysis", "StaticAnalyzer", ""},
	{"tier_3_quality", "QAEngineer", "tests"},
	{"tier_4_security", "SecurityAnalyst", ""},
	{"tier_4_product", "ProductOwner", ""},
	{"tier_5_docs", "TechnicalWriter", "docs"},
	{"tier_5_deployment", "DevOpsEngineer", "deployment"},
}

// DefaultRegistry returns a registry with static agents bound to every
// tier node. tokensPerStep spreads a fixed usage across executions so
// dry runs exercise the budget path.
func DefaultRegistry(tokensPerStep int64, costPerStep float64) *Registry {
	r := NewRegistry()
	for _, b := range tierBindings {
		r.Register(b.node, &StaticAgent{
			AgentName: b.agent,
			Artifact:  b.artifact,
			Content:   fmt.Sprintf("# %s\n\n(dry-run output)\n", b.artifact),
			Tokens:    tokensPerStep,
			CostUSD:   costPerStep,
		})
	}
	return r
}

// AgentForNode returns the default agent name bound to a node.
func AgentForNode(node string) string {
	for _, b := range tierBindings {
		if b.node == node {
			return b.agent
		}
	}
	return ""
}
