package deviation

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

func newTestHandler(t *testing.T) *Handler {
	t.Helper()
	log, err := NewLog(filepath.Join(t.TempDir(), "deviations.md"), 100)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	return NewHandler(Config{Log: log})
}

func TestHandleRejection_RoutesToAgentTier(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)

	decision, err := h.HandleRejection(context.Background(), state, "SoftwareEngineer", "tests failing")
	if err != nil {
		t.Fatalf("HandleRejection failed: %v", err)
	}

	if decision.TargetAgent != "SoftwareEngineer" {
		t.Errorf("TargetAgent = %q, want %q", decision.TargetAgent, "SoftwareEngineer")
	}
	if decision.TargetNode != "tier_3_engineer" {
		t.Errorf("TargetNode = %q, want %q", decision.TargetNode, "tier_3_engineer")
	}
	if state.RoutingDecision == nil {
		t.Error("routing decision should be recorded on state")
	}
}

func TestHandleRejection_UnknownAgentDefaultsToEngineerTier(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)

	decision, err := h.HandleRejection(context.Background(), state, "MysteryAgent", "something broke")
	if err != nil {
		t.Fatalf("HandleRejection failed: %v", err)
	}

	if decision.TargetNode != "tier_3_engineer" {
		t.Errorf("unknown agent should route to tier_3_engineer, got %q", decision.TargetNode)
	}
}

func TestHandleRejection_CircularRoutingDetection(t *testing.T) {
	tests := []struct {
		name           string
		rejectionCount int
		wantEscalation bool
	}{
		{"same target at rejection_count=2 escalates", 2, true},
		{"same target at rejection_count=1 routes", 1, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newTestHandler(t)
			state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
			state.RejectionCount = tt.rejectionCount
			state.SetRouting(&models.RoutingDecision{
				TargetAgent: "SoftwareEngineer",
				TargetNode:  "tier_3_engineer",
			})

			_, err := h.HandleRejection(context.Background(), state, "SoftwareEngineer", "tests failing")

			if tt.wantEscalation {
				var approval *wferr.HumanApprovalError
				if !errors.As(err, &approval) {
					t.Fatalf("expected HumanApprovalError, got %v", err)
				}
				if state.EscalationDetails["circular_routing"] != "true" {
					t.Error("circular_routing detail should be true")
				}
			} else if err != nil {
				t.Fatalf("expected routing decision, got %v", err)
			}
		})
	}
}

func TestHandleRejection_MaxIterationsForcesEscalation(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	state.RejectionCount = 3

	// A fresh target, so circularity does not apply; the iteration
	// bound alone forces escalation.
	_, err := h.HandleRejection(context.Background(), state, "QAEngineer", "coverage too low")

	var approval *wferr.HumanApprovalError
	if !errors.As(err, &approval) {
		t.Fatalf("expected HumanApprovalError, got %v", err)
	}
	if !state.RequiresHumanApproval {
		t.Error("RequiresHumanApproval should be set")
	}
	if !state.EscalationFlag {
		t.Error("EscalationFlag should be set")
	}
	if state.EscalationAt == nil {
		t.Error("EscalationAt should be set")
	}
}

func TestHandleRejection_ScenarioFromRepeatedTarget(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)

	// First rejection routes to tier_3_engineer.
	decision, err := h.HandleRejection(context.Background(), state, "SoftwareEngineer", "build broken")
	if err != nil {
		t.Fatalf("first rejection should route: %v", err)
	}
	if decision.TargetNode != "tier_3_engineer" {
		t.Errorf("TargetNode = %q, want tier_3_engineer", decision.TargetNode)
	}

	// Same target with rejection_count=2 escalates.
	state.RejectionCount = 2
	_, err = h.HandleRejection(context.Background(), state, "SoftwareEngineer", "build broken")
	var approval *wferr.HumanApprovalError
	if !errors.As(err, &approval) {
		t.Fatalf("expected escalation, got %v", err)
	}
}

func TestEscalateToHuman_AlwaysReturnsError(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)

	err := h.EscalateToHuman(state, "manual gate", map[string]string{"k": "v"})

	var approval *wferr.HumanApprovalError
	if !errors.As(err, &approval) {
		t.Fatalf("expected HumanApprovalError, got %v", err)
	}
	if approval.Gate != "manual gate" {
		t.Errorf("Gate = %q, want %q", approval.Gate, "manual gate")
	}
	if !state.AwaitingHumanApproval {
		t.Error("AwaitingHumanApproval should be set")
	}
	if state.ApprovalReason != "manual gate" {
		t.Errorf("ApprovalReason = %q, want %q", state.ApprovalReason, "manual gate")
	}
}

func TestAttemptRecovery_BackoffAndCounter(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)

	start := time.Now()
	err := h.AttemptRecovery(context.Background(), state, errors.New("transient"), 3)
	if err != nil {
		t.Fatalf("AttemptRecovery failed: %v", err)
	}

	// First retry sleeps 2^0 = 1s.
	if elapsed := time.Since(start); elapsed < time.Second {
		t.Errorf("expected at least 1s backoff, got %v", elapsed)
	}
	if state.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", state.RetryCount)
	}
	if state.LastRetryAt == nil {
		t.Error("LastRetryAt should be set")
	}
}

func TestAttemptRecovery_ExhaustedIsFatal(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	state.RetryCount = 3

	err := h.AttemptRecovery(context.Background(), state, errors.New("transient"), 3)
	if err == nil {
		t.Fatal("expected error when retries are exhausted")
	}
	if !errors.Is(err, wferr.ErrWorkflow) {
		t.Error("exhausted recovery should wrap ErrWorkflow")
	}
}

func TestAttemptRecovery_ContextCancellation(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	state.RetryCount = 2 // 2^2 = 4s backoff

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := h.AttemptRecovery(ctx, state, errors.New("transient"), 3)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context deadline error, got %v", err)
	}
	if state.RetryCount != 2 {
		t.Error("cancelled recovery should not increment RetryCount")
	}
}

// fakeStore implements CheckpointReader for rollback tests.
type fakeStore struct {
	metas  []models.CheckpointMeta
	states map[string]*models.WorkflowState
}

func (f *fakeStore) List(_ string, limit int) ([]models.CheckpointMeta, error) {
	if limit > len(f.metas) {
		limit = len(f.metas)
	}
	return f.metas[:limit], nil
}

func (f *fakeStore) Load(id string) (*models.WorkflowState, error) {
	s, ok := f.states[id]
	if !ok {
		return nil, &wferr.CheckpointNotFoundError{CheckpointID: id}
	}
	return s, nil
}

func TestRollback_NoopWithFewerThanTwoCheckpoints(t *testing.T) {
	h := newTestHandler(t)
	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	store := &fakeStore{metas: []models.CheckpointMeta{{ID: "cp-1", StateVersion: 1}}}

	if err := h.Rollback(state, store); err != nil {
		t.Fatalf("Rollback should be a no-op, got %v", err)
	}
	if state.RollbackPerformed {
		t.Error("RollbackPerformed should not be set on no-op")
	}
}

func TestRollback_ResetsControlFields(t *testing.T) {
	h := newTestHandler(t)

	previous := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	previous.CurrentPhase = models.PhasePreparation
	previous.RejectionCount = 1

	state := models.New("wf-1", "req", "trace-1", 1000, 1.0)
	state.CurrentPhase = models.PhaseDevelopment
	state.RejectionCount = 3
	state.BlockingIssues = []string{"issue"}
	state.Artifacts["code"] = "func main() {}"

	store := &fakeStore{
		metas: []models.CheckpointMeta{
			{ID: "cp-2", StateVersion: 5},
			{ID: "cp-1", StateVersion: 4},
		},
		states: map[string]*models.WorkflowState{"cp-1": previous},
	}

	if err := h.Rollback(state, store); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}

	if state.RejectionCount != 1 {
		t.Errorf("RejectionCount = %d, want 1", state.RejectionCount)
	}
	if state.CurrentPhase != models.PhasePreparation {
		t.Errorf("CurrentPhase = %q, want %q", state.CurrentPhase, models.PhasePreparation)
	}
	if !state.RollbackPerformed || state.RollbackAt == nil {
		t.Error("rollback markers should be set")
	}
	if state.Artifacts["code"] != "func main() {}" {
		t.Error("artifacts should be retained across rollback")
	}
	if len(state.BlockingIssues) != 0 {
		t.Error("blocking issues should be cleared by rollback")
	}
}

func TestLog_AppendAndCount(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deviations.md")
	log, err := NewLog(path, 100)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := log.Append("wf-1", "QAEngineer", "tests failing", "routed"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	if log.Entries() != 3 {
		t.Errorf("Entries() = %d, want 3", log.Entries())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "tests failing") {
		t.Error("log should contain the root cause")
	}
}

func TestLog_ArchivesAtMaxEntries(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "deviations.md")
	log, err := NewLog(path, 5)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}

	for i := 0; i < 6; i++ {
		if err := log.Append("wf-1", "QAEngineer", "tests failing", "routed"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	// The sixth append triggers an archive and lands in a fresh file.
	if log.Entries() != 1 {
		t.Errorf("Entries() = %d, want 1 after archive", log.Entries())
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("read dir: %v", err)
	}
	if len(entries) != 2 {
		t.Errorf("expected live log plus one archive, got %d files", len(entries))
	}
}

func TestLog_ReopenCountsExistingEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "deviations.md")
	log, err := NewLog(path, 100)
	if err != nil {
		t.Fatalf("NewLog failed: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := log.Append("wf-1", "QAEngineer", "x", "routed"); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	reopened, err := NewLog(path, 100)
	if err != nil {
		t.Fatalf("NewLog reopen failed: %v", err)
	}
	if reopened.Entries() != 4 {
		t.Errorf("Entries() = %d, want 4 after reopen", reopened.Entries())
	}
}

func TestLoadRouteTable_Defaults(t *testing.T) {
	table, err := LoadRouteTable("")
	if err != nil {
		t.Fatalf("LoadRouteTable failed: %v", err)
	}

	if table["SoftwareEngineer"] != "tier_3_engineer" {
		t.Errorf("SoftwareEngineer routes to %q, want tier_3_engineer", table["SoftwareEngineer"])
	}
	if table["RequirementsAnalyst"] != "tier_1_requirements" {
		t.Errorf("RequirementsAnalyst routes to %q, want tier_1_requirements", table["RequirementsAnalyst"])
	}
	if len(table) != 12 {
		t.Errorf("default table has %d entries, want 12", len(table))
	}
}

func TestLoadRouteTable_YAMLOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "routes.yaml")
	content := "SoftwareEngineer: tier_3_quality\nCustomAgent: tier_2_planner\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write route table: %v", err)
	}

	table, err := LoadRouteTable(path)
	if err != nil {
		t.Fatalf("LoadRouteTable failed: %v", err)
	}

	if table["SoftwareEngineer"] != "tier_3_quality" {
		t.Errorf("override not applied, got %q", table["SoftwareEngineer"])
	}
	if table["CustomAgent"] != "tier_2_planner" {
		t.Errorf("new entry not applied, got %q", table["CustomAgent"])
	}
	if table["QAEngineer"] != "tier_3_quality" {
		t.Error("defaults should survive the overlay")
	}
}
