package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

type fakeCompleter struct {
	response   string
	usage      Usage
	lastSystem string
	lastPrompt string
}

func (f *fakeCompleter) Complete(_ context.Context, system, prompt string) (string, Usage, error) {
	f.lastSystem = system
	f.lastPrompt = prompt
	return f.response, f.usage, nil
}

func TestWorker_ProducerStoresArtifact(t *testing.T) {
	client := &fakeCompleter{
		response: "# Requirements\n\n1. Do the thing.",
		usage:    Usage{InputTokens: 400, OutputTokens: 600},
	}
	w := NewWorker("RequirementsAnalyst", "requirements", client, "claude-sonnet-4-20250514")
	state := models.New("wf-1", "build a parser", "trace", 100000, 10.0)

	if err := w.Execute(context.Background(), state, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}

	if !strings.Contains(state.Artifacts["requirements"], "Do the thing") {
		t.Errorf("artifact = %q, want the completion text", state.Artifacts["requirements"])
	}
	if state.BudgetUsedTokens != 1000 {
		t.Errorf("BudgetUsedTokens = %d, want 1000", state.BudgetUsedTokens)
	}
	// 400 in at $3/M + 600 out at $15/M.
	wantCost := 400.0/1_000_000*3.00 + 600.0/1_000_000*15.00
	if state.BudgetUsedUSD != wantCost {
		t.Errorf("BudgetUsedUSD = %v, want %v", state.BudgetUsedUSD, wantCost)
	}
	if !strings.Contains(client.lastPrompt, "build a parser") {
		t.Error("prompt missing the user request")
	}
}

func TestWorker_ValidatorRejectionBecomesError(t *testing.T) {
	client := &fakeCompleter{
		response: "REJECT: requirement 3 is untestable",
		usage:    Usage{InputTokens: 100, OutputTokens: 20},
	}
	w := NewWorker("RequirementsValidator", "", client, "claude-sonnet-4-20250514")
	state := models.New("wf-2", "request", "trace", 100000, 10.0)

	err := w.Execute(context.Background(), state, nil)
	if err == nil {
		t.Fatal("expected rejection error")
	}
	if !wferr.IsRecoverable(err) {
		t.Fatalf("error = %T, want recoverable AgentRejectionError", err)
	}
	if !strings.Contains(err.Error(), "untestable") {
		t.Errorf("error = %v, want the rejection reason", err)
	}
	// Usage is applied even when the verdict is a rejection.
	if state.BudgetUsedTokens != 120 {
		t.Errorf("BudgetUsedTokens = %d, want 120", state.BudgetUsedTokens)
	}
}

func TestWorker_ValidatorApproval(t *testing.T) {
	client := &fakeCompleter{response: "APPROVE", usage: Usage{InputTokens: 50, OutputTokens: 5}}
	w := NewWorker("SecurityAnalyst", "", client, "claude-sonnet-4-20250514")
	state := models.New("wf-3", "request", "trace", 100000, 10.0)
	state.Artifacts["code"] = "package main"

	if err := w.Execute(context.Background(), state, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(client.lastPrompt, "package main") {
		t.Error("security prompt missing the code artifact")
	}
}

func TestWorker_PromptCarriesRejectionFeedback(t *testing.T) {
	client := &fakeCompleter{response: "fixed output"}
	w := NewWorker("SoftwareEngineer", "code", client, "claude-sonnet-4-20250514")
	state := models.New("wf-4", "request", "trace", 100000, 10.0)
	state.RecordRejection("QAEngineer", "missing error handling")

	if err := w.Execute(context.Background(), state, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if !strings.Contains(client.lastPrompt, "missing error handling") {
		t.Error("prompt missing the previous rejection reason")
	}
}

func TestWorker_DependencyAnalyzerRejectsCyclicPlan(t *testing.T) {
	client := &fakeCompleter{
		response: "## Task dependencies\n\n- T1: T2\n- T2: T1\n",
	}
	w := NewWorker("DependencyAnalyzer", "dependencies", client, "claude-sonnet-4-20250514")
	state := models.New("wf-5", "request", "trace", 100000, 10.0)

	err := w.Execute(context.Background(), state, nil)
	var invalid *wferr.InvalidTaskGraphError
	if !errors.As(err, &invalid) {
		t.Fatalf("error = %v, want InvalidTaskGraphError", err)
	}
	if len(invalid.Cycle) == 0 {
		t.Error("cycle path not reported")
	}
}

func TestWorker_DependencyAnalyzerAcceptsAcyclicPlan(t *testing.T) {
	client := &fakeCompleter{
		response: "## Task dependencies\n\n- T1: none\n- T2: T1\n",
	}
	w := NewWorker("DependencyAnalyzer", "dependencies", client, "claude-sonnet-4-20250514")
	state := models.New("wf-6", "request", "trace", 100000, 10.0)

	if err := w.Execute(context.Background(), state, nil); err != nil {
		t.Fatalf("Execute failed: %v", err)
	}
	if state.Artifacts["dependencies"] == "" {
		t.Error("dependencies artifact not stored")
	}
}

func TestParseVerdict(t *testing.T) {
	tests := []struct {
		text       string
		wantReason string
		wantReject bool
	}{
		{"APPROVE", "", false},
		{"REJECT: tests do not compile", "tests do not compile", true},
		{"Verdict:\nREJECT: unsafe SQL\ndetails follow", "unsafe SQL", true},
		{"REJECT:", "rejected without a stated reason", true},
		{"All good, ship it.", "", false},
	}

	for _, tt := range tests {
		reason, rejected := parseVerdict(tt.text)
		if rejected != tt.wantReject || reason != tt.wantReason {
			t.Errorf("parseVerdict(%q) = (%q, %t), want (%q, %t)",
				tt.text, reason, rejected, tt.wantReason, tt.wantReject)
		}
	}
}

func TestCost(t *testing.T) {
	usage := Usage{InputTokens: 1_000_000, OutputTokens: 1_000_000}

	if got := Cost("claude-sonnet-4-20250514", usage); got != 18.00 {
		t.Errorf("Cost = %v, want 18.00", got)
	}
	if got := Cost("unknown-model", usage); got != 0 {
		t.Errorf("Cost for unknown model = %v, want 0", got)
	}
}

func TestLLMRegistry_CoversPipelineNodes(t *testing.T) {
	r := LLMRegistry(&fakeCompleter{}, "claude-sonnet-4-20250514")

	if _, err := r.Get("tier_3_engineer"); err != nil {
		t.Errorf("engineer node not registered: %v", err)
	}
	if _, err := r.Get("tier_0_deviation"); err == nil {
		t.Error("deviation node should not carry an LLM worker")
	}
	if got := len(r.Nodes()); got != 12 {
		t.Errorf("registry has %d nodes, want 12", got)
	}
}
