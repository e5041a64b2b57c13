package plan

import (
	"errors"
	"testing"

	"github.com/atelier-ai/atelier/pkg/wferr"
)

func buildGraph(t *testing.T, tasks []string, deps map[string][]string) *Graph {
	t.Helper()
	g := NewGraph()
	for _, id := range tasks {
		g.AddTask(id)
	}
	for task, ds := range deps {
		for _, d := range ds {
			if err := g.AddDependency(task, d); err != nil {
				t.Fatalf("AddDependency(%s, %s): %v", task, d, err)
			}
		}
	}
	return g
}

func TestCycle_AcyclicGraph(t *testing.T) {
	g := buildGraph(t, []string{"T1", "T2", "T3"}, map[string][]string{
		"T2": {"T1"},
		"T3": {"T1", "T2"},
	})
	if cycle := g.Cycle(); cycle != nil {
		t.Errorf("Cycle() = %v, want nil", cycle)
	}
}

func TestCycle_ReportsPath(t *testing.T) {
	g := NewGraph()
	for _, id := range []string{"T1", "T2", "T3"} {
		g.AddTask(id)
	}
	for _, e := range [][2]string{{"T1", "T2"}, {"T2", "T3"}, {"T3", "T1"}} {
		if err := g.AddDependency(e[0], e[1]); err != nil {
			t.Fatalf("AddDependency: %v", err)
		}
	}

	cycle := g.Cycle()
	if cycle == nil {
		t.Fatal("Cycle() = nil, want a cycle")
	}
	if len(cycle) != 4 {
		t.Fatalf("cycle length = %d (%v), want 4", len(cycle), cycle)
	}
	if cycle[0] != cycle[len(cycle)-1] {
		t.Errorf("cycle %v does not close on itself", cycle)
	}
}

func TestCycle_SelfDependency(t *testing.T) {
	g := buildGraph(t, []string{"T1"}, map[string][]string{"T1": {"T1"}})
	cycle := g.Cycle()
	if len(cycle) != 2 || cycle[0] != "T1" || cycle[1] != "T1" {
		t.Errorf("Cycle() = %v, want [T1 T1]", cycle)
	}
}

func TestAddDependency_UnknownTask(t *testing.T) {
	g := buildGraph(t, []string{"T1"}, nil)
	if err := g.AddDependency("T1", "T9"); err == nil {
		t.Error("AddDependency with unknown dep should fail")
	}
	if err := g.AddDependency("T9", "T1"); err == nil {
		t.Error("AddDependency with unknown task should fail")
	}
}

func TestTopologicalOrder(t *testing.T) {
	g := buildGraph(t, []string{"T3", "T1", "T2"}, map[string][]string{
		"T2": {"T1"},
		"T3": {"T2"},
	})

	order, err := g.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder: %v", err)
	}
	pos := make(map[string]int, len(order))
	for i, id := range order {
		pos[id] = i
	}
	if pos["T1"] > pos["T2"] || pos["T2"] > pos["T3"] {
		t.Errorf("order %v does not respect dependencies", order)
	}
}

func TestTopologicalOrder_CyclicGraph(t *testing.T) {
	g := buildGraph(t, []string{"T1", "T2"}, map[string][]string{
		"T1": {"T2"},
		"T2": {"T1"},
	})

	_, err := g.TopologicalOrder()
	var invalid *wferr.InvalidTaskGraphError
	if !errors.As(err, &invalid) {
		t.Fatalf("TopologicalOrder error = %v, want InvalidTaskGraphError", err)
	}
	if len(invalid.Cycle) == 0 {
		t.Error("InvalidTaskGraphError carries no cycle")
	}
}

func TestParse(t *testing.T) {
	doc := `# Dependency summary

External libraries: none worth noting.

## Task dependencies

- T1: none
- T2: T1
- T3: T1, T2

Notes follow and are ignored.
`
	g, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if g.Size() != 3 {
		t.Fatalf("Size() = %d, want 3", g.Size())
	}
	if deps := g.Dependencies("T3"); len(deps) != 2 {
		t.Errorf("Dependencies(T3) = %v, want [T1 T2]", deps)
	}
	if deps := g.Dependencies("T1"); len(deps) != 0 {
		t.Errorf("Dependencies(T1) = %v, want none", deps)
	}
}

func TestParse_ForwardReference(t *testing.T) {
	g, err := Parse("- T1: T2\n- T2: none\n")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if deps := g.Dependencies("T1"); len(deps) != 1 || deps[0] != "T2" {
		t.Errorf("Dependencies(T1) = %v, want [T2]", deps)
	}
}

func TestParse_UnknownDependency(t *testing.T) {
	if _, err := Parse("- T1: T9\n"); err == nil {
		t.Error("Parse should fail on a dependency that is never declared")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr bool
	}{
		{"acyclic", "- T1: none\n- T2: T1\n", false},
		{"cyclic", "- T1: T2\n- T2: T1\n", true},
		{"no listing at all", "Just prose, no dependency lines.", false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.doc)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}
