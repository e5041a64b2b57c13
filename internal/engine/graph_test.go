package engine

import (
	"testing"

	"github.com/atelier-ai/atelier/pkg/models"
)

func TestGraph_NextPrefersRouteOverEdge(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", nil)
	g.AddNode("b", nil)
	g.AddNode("c", nil)
	g.AddEdge("a", "b")
	g.AddRoute("a", func(*models.WorkflowState) string { return "c" })

	if next := g.Next("a", &models.WorkflowState{}); next != "c" {
		t.Errorf("Next = %q, want %q", next, "c")
	}
}

func TestGraph_NextWithoutEdgeTerminates(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", nil)

	if next := g.Next("a", &models.WorkflowState{}); next != End {
		t.Errorf("Next = %q, want End", next)
	}
}

func TestGraph_ValidateRejectsMissingEntry(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", nil)

	if err := g.Validate(); err == nil {
		t.Error("expected error for graph without entry")
	}

	g.SetEntry("missing")
	if err := g.Validate(); err == nil {
		t.Error("expected error for unregistered entry node")
	}
}

func TestGraph_ValidateRejectsDanglingEdge(t *testing.T) {
	g := NewGraph()
	g.AddNode("a", nil)
	g.SetEntry("a")
	g.AddEdge("a", "ghost")

	if err := g.Validate(); err == nil {
		t.Error("expected error for edge to unregistered node")
	}
}

func TestStandardRoute(t *testing.T) {
	route := standardRoute(NodeValidator)

	state := &models.WorkflowState{}
	if next := route(state); next != NodeValidator {
		t.Errorf("route = %q, want %q", next, NodeValidator)
	}

	state.BlockingIssues = []string{"QAEngineer: tests failed"}
	if next := route(state); next != NodeDeviation {
		t.Errorf("route with blocking issues = %q, want %q", next, NodeDeviation)
	}
}

func TestDeviationRoute(t *testing.T) {
	route := deviationRoute(3)

	tests := []struct {
		name  string
		state *models.WorkflowState
		want  string
	}{
		{
			name:  "escalated terminates",
			state: &models.WorkflowState{EscalationFlag: true},
			want:  End,
		},
		{
			name:  "rejection bound terminates",
			state: &models.WorkflowState{RejectionCount: 3},
			want:  End,
		},
		{
			name: "routing decision followed",
			state: &models.WorkflowState{
				RejectionCount:  1,
				RoutingDecision: &models.RoutingDecision{TargetNode: NodeArchitect},
			},
			want: NodeArchitect,
		},
		{
			name:  "no decision falls back to engineer",
			state: &models.WorkflowState{RejectionCount: 1},
			want:  NodeEngineer,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := route(tt.state); got != tt.want {
				t.Errorf("route = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPhaseFor(t *testing.T) {
	tests := []struct {
		node string
		want models.Phase
	}{
		{NodeRequirements, models.PhasePlanning},
		{NodeArchitect, models.PhasePlanning},
		{NodePlanner, models.PhasePreparation},
		{NodeEngineer, models.PhaseDevelopment},
		{NodeSecurity, models.PhaseValidation},
		{NodeDeployment, models.PhaseDelivery},
		{NodeDeviation, ""},
	}

	for _, tt := range tests {
		if got := phaseFor(tt.node); got != tt.want {
			t.Errorf("phaseFor(%q) = %q, want %q", tt.node, got, tt.want)
		}
	}
}
