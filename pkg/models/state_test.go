package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestPhase_Valid(t *testing.T) {
	tests := []struct {
		name  string
		phase Phase
		want  bool
	}{
		{"planning is valid", PhasePlanning, true},
		{"preparation is valid", PhasePreparation, true},
		{"development is valid", PhaseDevelopment, true},
		{"validation is valid", PhaseValidation, true},
		{"delivery is valid", PhaseDelivery, true},
		{"completed is valid", PhaseCompleted, true},
		{"failed is valid", PhaseFailed, true},
		{"paused is valid", PhasePaused, true},
		{"empty string is invalid", Phase(""), false},
		{"unknown phase is invalid", Phase("reviewing"), false},
		{"uppercase is invalid", Phase("PLANNING"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.phase.Valid(); got != tt.want {
				t.Errorf("Phase(%q).Valid() = %v, want %v", tt.phase, got, tt.want)
			}
		})
	}
}

func TestPhase_Terminal(t *testing.T) {
	tests := []struct {
		phase Phase
		want  bool
	}{
		{PhaseCompleted, true},
		{PhaseFailed, true},
		{PhasePlanning, false},
		{PhaseDevelopment, false},
		{PhasePaused, false},
	}

	for _, tt := range tests {
		if got := tt.phase.Terminal(); got != tt.want {
			t.Errorf("Phase(%q).Terminal() = %v, want %v", tt.phase, got, tt.want)
		}
	}
}

func TestNew_InitialState(t *testing.T) {
	s := New("wf-1", "build a cli", "trace-1", 500000, 20.0)

	if s.StateVersion != 0 {
		t.Errorf("StateVersion = %d, want 0", s.StateVersion)
	}
	if s.CurrentPhase != PhasePlanning {
		t.Errorf("CurrentPhase = %q, want %q", s.CurrentPhase, PhasePlanning)
	}
	if s.RejectionCount != 0 {
		t.Errorf("RejectionCount = %d, want 0", s.RejectionCount)
	}
	if s.BudgetRemainingTokens != 500000 {
		t.Errorf("BudgetRemainingTokens = %d, want 500000", s.BudgetRemainingTokens)
	}
	if s.BudgetRemainingUSD != 20.0 {
		t.Errorf("BudgetRemainingUSD = %v, want 20.0", s.BudgetRemainingUSD)
	}
	if s.BudgetUsedTokens != 0 || s.BudgetUsedUSD != 0 {
		t.Error("used budget should start at zero")
	}
	if s.Artifacts == nil || s.AgentTokenUsage == nil {
		t.Error("maps should be initialized")
	}
	if s.CreatedAt.IsZero() || s.UpdatedAt.IsZero() {
		t.Error("timestamps should be set")
	}
	if s.CompletedAt != nil {
		t.Error("CompletedAt should be nil at creation")
	}
}

func TestTouch_BumpsVersionAndTimestamp(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)
	before := s.UpdatedAt

	time.Sleep(time.Millisecond)
	s.Touch()

	if s.StateVersion != 1 {
		t.Errorf("StateVersion = %d, want 1", s.StateVersion)
	}
	if !s.UpdatedAt.After(before) {
		t.Error("UpdatedAt should advance on Touch")
	}
}

func TestReducers_AlwaysBumpVersion(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)

	steps := []func(){
		func() { s.RecordRejection("tier_1_validator", "missing acceptance criteria") },
		func() { s.ApplyUsage(100, 0.01, "RequirementsAnalyst") },
		func() { s.PassQualityGate("requirements") },
		func() { s.SetRouting(&RoutingDecision{TargetAgent: "SoftwareEngineer", TargetNode: "tier_3_engineer"}) },
		func() { s.ClearBlockingIssues() },
		func() { s.Complete(PhaseCompleted) },
	}

	for i, step := range steps {
		prev := s.StateVersion
		step()
		if s.StateVersion != prev+1 {
			t.Errorf("step %d: StateVersion = %d, want %d", i, s.StateVersion, prev+1)
		}
	}
}

func TestApplyUsage_BudgetConservation(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 500000, 20.0)

	reservations := []int64{30000, 50000, 20000}
	for _, tokens := range reservations {
		s.ApplyUsage(tokens, 0.5, "SoftwareEngineer")
		if s.BudgetUsedTokens+s.BudgetRemainingTokens != 500000 {
			t.Errorf("used(%d) + remaining(%d) != 500000",
				s.BudgetUsedTokens, s.BudgetRemainingTokens)
		}
	}

	if s.BudgetUsedTokens != 100000 {
		t.Errorf("BudgetUsedTokens = %d, want 100000", s.BudgetUsedTokens)
	}
	if s.AgentTokenUsage["SoftwareEngineer"] != 100000 {
		t.Errorf("AgentTokenUsage = %d, want 100000", s.AgentTokenUsage["SoftwareEngineer"])
	}
}

func TestRecordRejection_OnlyIncreases(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)

	s.RecordRejection("tier_1_validator", "incomplete")
	s.RecordRejection("tier_3_quality", "tests failing")

	if s.RejectionCount != 2 {
		t.Errorf("RejectionCount = %d, want 2", s.RejectionCount)
	}
	if len(s.BlockingIssues) != 2 {
		t.Errorf("BlockingIssues length = %d, want 2", len(s.BlockingIssues))
	}
	if s.LastError != "tests failing" {
		t.Errorf("LastError = %q, want %q", s.LastError, "tests failing")
	}
}

func TestPassQualityGate_NoDuplicates(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)

	s.PassQualityGate("requirements")
	v := s.StateVersion
	s.PassQualityGate("requirements")

	if len(s.QualityGatesPassed) != 1 {
		t.Errorf("QualityGatesPassed length = %d, want 1", len(s.QualityGatesPassed))
	}
	if s.StateVersion != v {
		t.Error("duplicate gate should not bump version")
	}
}

func TestClearBlockingIssues_NoopWhenEmpty(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)
	v := s.StateVersion

	s.ClearBlockingIssues()

	if s.StateVersion != v {
		t.Error("clearing an empty list should not bump version")
	}
}

func TestComplete_SetsTerminalFields(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)

	s.Complete(PhaseCompleted)

	if s.CurrentPhase != PhaseCompleted {
		t.Errorf("CurrentPhase = %q, want %q", s.CurrentPhase, PhaseCompleted)
	}
	if s.CompletedAt == nil {
		t.Error("CompletedAt should be set")
	}
}

func TestClone_DeepCopies(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)
	s.Artifacts["requirements"] = "v1"
	s.AgentTokenUsage["Planner"] = 10
	s.BlockingIssues = []string{"issue"}
	s.QualityGatesPassed = []string{"requirements"}
	s.SetRouting(&RoutingDecision{TargetAgent: "Planner", TargetNode: "tier_2_planner"})
	now := time.Now().UTC()
	s.EscalationAt = &now
	s.EscalationDetails = map[string]string{"root_cause": "x"}

	c := s.Clone()

	c.Artifacts["requirements"] = "v2"
	c.AgentTokenUsage["Planner"] = 99
	c.BlockingIssues[0] = "changed"
	c.QualityGatesPassed[0] = "changed"
	c.RoutingDecision.TargetAgent = "changed"
	c.EscalationDetails["root_cause"] = "changed"
	*c.EscalationAt = now.Add(time.Hour)

	if s.Artifacts["requirements"] != "v1" {
		t.Error("Artifacts aliased between clone and original")
	}
	if s.AgentTokenUsage["Planner"] != 10 {
		t.Error("AgentTokenUsage aliased between clone and original")
	}
	if s.BlockingIssues[0] != "issue" {
		t.Error("BlockingIssues aliased between clone and original")
	}
	if s.QualityGatesPassed[0] != "requirements" {
		t.Error("QualityGatesPassed aliased between clone and original")
	}
	if s.RoutingDecision.TargetAgent != "Planner" {
		t.Error("RoutingDecision aliased between clone and original")
	}
	if s.EscalationDetails["root_cause"] != "x" {
		t.Error("EscalationDetails aliased between clone and original")
	}
	if !s.EscalationAt.Equal(now) {
		t.Error("EscalationAt aliased between clone and original")
	}
}

func TestWorkflowState_JSONFieldNames(t *testing.T) {
	s := New("wf-1", "req", "trace-1", 1000, 1.0)
	data, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal state: %v", err)
	}

	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal state: %v", err)
	}

	for _, key := range []string{
		"workflow_id", "trace_id", "user_request", "current_phase",
		"rejection_count", "state_version", "budget_used_tokens",
		"budget_remaining_tokens", "budget_used_usd", "budget_remaining_usd",
		"created_at", "updated_at",
	} {
		if _, ok := m[key]; !ok {
			t.Errorf("serialized state missing key %q", key)
		}
	}
}
