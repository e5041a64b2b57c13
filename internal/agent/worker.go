package agent

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/atelier-ai/atelier/internal/plan"
	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// ModelPricing contains pricing per 1M tokens for a model.
type ModelPricing struct {
	InputPerMillion  float64
	OutputPerMillion float64
}

// DefaultModelPricing contains pricing for known Claude models.
var DefaultModelPricing = map[string]ModelPricing{
	"claude-opus-4-5-20251101":   {InputPerMillion: 15.00, OutputPerMillion: 75.00},
	"claude-sonnet-4-20250514":   {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-sonnet-20241022": {InputPerMillion: 3.00, OutputPerMillion: 15.00},
	"claude-3-5-haiku-20241022":  {InputPerMillion: 0.80, OutputPerMillion: 4.00},
}

// Cost prices a completion's usage against the model's rate card.
// Unknown models cost zero; token budgets still bound them.
func Cost(model string, usage Usage) float64 {
	pricing, ok := DefaultModelPricing[model]
	if !ok {
		return 0
	}
	return float64(usage.InputTokens)/1_000_000*pricing.InputPerMillion +
		float64(usage.OutputTokens)/1_000_000*pricing.OutputPerMillion
}

// rejectionMarker starts a validator verdict that blocks the pipeline.
const rejectionMarker = "REJECT:"

// roleSystemPrompts holds the per-agent system prompts. Producer agents
// emit an artifact; validator agents emit APPROVE or REJECT: <reason>.
var roleSystemPrompts = map[string]string{
	"RequirementsAnalyst": `You are a requirements analyst. Turn the user's request into
a concise, numbered requirements document in markdown. Cover functional requirements,
constraints, and acceptance criteria. Output only the document.`,

	"RequirementsValidator": `You are a requirements validator. Review the requirements
against the original request for completeness, consistency, and testability.
Respond with exactly "APPROVE" if acceptable, or "REJECT: <specific reason>" if not.`,

	"SoftwareArchitect": `You are a software architect. Produce a markdown architecture
document for the requirements: components, data flow, interfaces, and key decisions.
Output only the document.`,

	"Planner": `You are a delivery planner. Break the architecture into an ordered
markdown task list with clear deliverables per task. Output only the list.`,

	"DependencyAnalyzer": `You are a dependency analyzer. Given the task plan, identify
dependencies between tasks and any external libraries or services required. Output a
markdown dependency summary that includes a "Task dependencies" section listing one
task per line as "- <task-id>: <comma-separated dependency ids>" (use "none" for
independent tasks).`,

	"SoftwareEngineer": `You are a software engineer. Implement the planned tasks as
code. Output the implementation in markdown with a fenced code block per file, each
preceded by its file path.`,

	"StaticAnalyzer": `You are a static analysis reviewer. Inspect the code for defects,
unsafe patterns, and style violations. Respond with exactly "APPROVE" if clean, or
"REJECT: <specific finding>" if not.`,

	"QAEngineer": `You are a QA engineer. Review the code against the requirements and
write a markdown test summary. If the implementation cannot satisfy the requirements,
respond with "REJECT: <specific gap>" instead.`,

	"SecurityAnalyst": `You are a security analyst. Review the code for vulnerabilities,
injection risks, and secret handling. Respond with exactly "APPROVE" if acceptable, or
"REJECT: <specific vulnerability>" if not.`,

	"ProductOwner": `You are the product owner. Check the deliverable against the
original request. Respond with exactly "APPROVE" if it satisfies the request, or
"REJECT: <specific shortfall>" if not.`,

	"TechnicalWriter": `You are a technical writer. Produce user-facing markdown
documentation for the deliverable: overview, setup, and usage. Output only the
document.`,

	"DevOpsEngineer": `You are a DevOps engineer. Produce a markdown deployment guide
for the deliverable: build steps, runtime requirements, and rollout notes. Output only
the document.`,
}

// contextArtifacts lists which prior artifacts each agent sees, keeping
// prompts bounded instead of replaying the whole state.
var contextArtifacts = map[string][]string{
	"RequirementsAnalyst":   {},
	"RequirementsValidator": {"requirements"},
	"SoftwareArchitect":     {"requirements"},
	"Planner":               {"requirements", "architecture"},
	"DependencyAnalyzer":    {"architecture", "tasks"},
	"SoftwareEngineer":      {"requirements", "architecture", "tasks", "dependencies"},
	"StaticAnalyzer":        {"code"},
	"QAEngineer":            {"requirements", "code"},
	"SecurityAnalyst":       {"code"},
	"ProductOwner":          {"requirements", "code", "tests"},
	"TechnicalWriter":       {"requirements", "code"},
	"DevOpsEngineer":        {"code", "dependencies"},
}

// Completer is the slice of the LLM client a worker needs.
type Completer interface {
	Complete(ctx context.Context, system, prompt string) (string, Usage, error)
}

// Worker is an LLM-backed agent for one tier. Producer workers store
// their output as a named artifact; validator workers (no artifact)
// translate a REJECT verdict into an AgentRejectionError.
type Worker struct {
	agentName string
	artifact  string
	client    Completer
	model     string
}

// NewWorker builds a worker for an agent name. The artifact key may be
// empty for validator roles.
func NewWorker(agentName, artifact string, client Completer, model string) *Worker {
	return &Worker{
		agentName: agentName,
		artifact:  artifact,
		client:    client,
		model:     model,
	}
}

// Name returns the agent's registry name.
func (w *Worker) Name() string {
	return w.agentName
}

// Execute runs one completion for this agent's role and applies the
// resulting usage to the state.
func (w *Worker) Execute(ctx context.Context, state *models.WorkflowState, _ map[string]string) error {
	system, ok := roleSystemPrompts[w.agentName]
	if !ok {
		return fmt.Errorf("no system prompt for agent %s", w.agentName)
	}

	text, usage, err := w.client.Complete(ctx, system, w.buildPrompt(state))
	if err != nil {
		return fmt.Errorf("%s completion: %w", w.agentName, err)
	}

	state.ApplyUsage(usage.Total(), Cost(w.model, usage), w.agentName)

	if reason, rejected := parseVerdict(text); rejected {
		return &wferr.AgentRejectionError{
			Agent:     w.agentName,
			Validator: w.agentName,
			Reason:    reason,
		}
	}

	if w.artifact != "" {
		if state.Artifacts == nil {
			state.Artifacts = make(map[string]string)
		}
		state.Artifacts[w.artifact] = strings.TrimSpace(text)
	}

	if w.artifact == "dependencies" {
		if err := plan.Validate(text); err != nil {
			return fmt.Errorf("%s produced an invalid plan: %w", w.agentName, err)
		}
	}
	return nil
}

// buildPrompt assembles the user request plus the artifacts this role
// consumes, in a stable order.
func (w *Worker) buildPrompt(state *models.WorkflowState) string {
	var b strings.Builder
	fmt.Fprintf(&b, "User request:\n%s\n", state.UserRequest)

	keys := contextArtifacts[w.agentName]
	if keys == nil {
		keys = allArtifactKeys(state)
	}
	for _, key := range keys {
		if content, ok := state.Artifacts[key]; ok && content != "" {
			fmt.Fprintf(&b, "\n--- %s ---\n%s\n", key, content)
		}
	}

	if state.RejectionCount > 0 && state.LastError != "" {
		fmt.Fprintf(&b, "\nA previous attempt was rejected: %s\nAddress the rejection.\n", state.LastError)
	}
	return b.String()
}

func allArtifactKeys(state *models.WorkflowState) []string {
	keys := make([]string, 0, len(state.Artifacts))
	for k := range state.Artifacts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// parseVerdict detects a validator rejection in a completion.
func parseVerdict(text string) (reason string, rejected bool) {
	trimmed := strings.TrimSpace(text)
	if idx := strings.Index(trimmed, rejectionMarker); idx >= 0 {
		reason = strings.TrimSpace(trimmed[idx+len(rejectionMarker):])
		if nl := strings.IndexByte(reason, '\n'); nl > 0 {
			reason = reason[:nl]
		}
		if reason == "" {
			reason = "rejected without a stated reason"
		}
		return reason, true
	}
	return "", false
}

// LLMRegistry binds LLM-backed workers to every tier node except the
// deviation tier, which the controller drives directly.
func LLMRegistry(client Completer, model string) *Registry {
	r := NewRegistry()
	for _, b := range tierBindings {
		if b.node == "tier_0_deviation" {
			continue
		}
		r.Register(b.node, NewWorker(b.agent, b.artifact, client, model))
	}
	return r
}
