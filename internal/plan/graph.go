// Package plan validates task plans produced by the planning tiers: a
// dependency graph must reference only known tasks and contain no
// cycles.
package plan

import (
	"fmt"
	"strings"

	"github.com/atelier-ai/atelier/pkg/wferr"
)

// Graph is a directed graph of task dependencies. Edges point from a
// task to the tasks it depends on.
type Graph struct {
	// order preserves insertion order so walks are deterministic.
	order []string
	nodes map[string]bool
	edges map[string][]string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes: make(map[string]bool),
		edges: make(map[string][]string),
	}
}

// AddTask registers a task node.
func (g *Graph) AddTask(id string) {
	if g.nodes[id] {
		return
	}
	g.nodes[id] = true
	g.order = append(g.order, id)
}

// AddDependency records that task depends on dep. Both endpoints must
// already be registered.
func (g *Graph) AddDependency(task, dep string) error {
	if !g.nodes[task] {
		return fmt.Errorf("unknown task %s", task)
	}
	if !g.nodes[dep] {
		return fmt.Errorf("task %s depends on unknown task %s", task, dep)
	}
	g.edges[task] = append(g.edges[task], dep)
	return nil
}

// Size returns the number of tasks.
func (g *Graph) Size() int {
	return len(g.order)
}

// Dependencies returns the direct dependencies of a task.
func (g *Graph) Dependencies(task string) []string {
	return g.edges[task]
}

// Cycle returns one dependency cycle as an ordered task list, or nil
// when the graph is acyclic. Detection is a depth-first walk with
// coloring; the returned slice is the gray path from the first node of
// the cycle back to itself.
func (g *Graph) Cycle() []string {
	const (
		white = 0
		gray  = 1
		black = 2
	)
	colors := make(map[string]int, len(g.order))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		stack = append(stack, id)

		for _, dep := range g.edges[id] {
			switch colors[dep] {
			case gray:
				// Back edge: slice the stack from the first occurrence
				// of dep and close the loop.
				for i, n := range stack {
					if n == dep {
						cycle = append(append([]string(nil), stack[i:]...), dep)
						return true
					}
				}
			case white:
				if visit(dep) {
					return true
				}
			}
		}

		colors[id] = black
		stack = stack[:len(stack)-1]
		return false
	}

	for _, id := range g.order {
		if colors[id] == white && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalOrder returns task IDs with every dependency before its
// dependents, or an InvalidTaskGraphError when the graph has a cycle.
func (g *Graph) TopologicalOrder() ([]string, error) {
	if cycle := g.Cycle(); cycle != nil {
		return nil, &wferr.InvalidTaskGraphError{Cycle: cycle}
	}

	visited := make(map[string]bool, len(g.order))
	result := make([]string, 0, len(g.order))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}

	for _, id := range g.order {
		visit(id)
	}
	return result, nil
}

// Parse reads a markdown dependency listing into a graph. Recognized
// lines look like:
//
//	- T3: T1, T2
//	- T1: none
//
// where the left side is a task ID and the right side its
// dependencies. Other lines are ignored, so the listing can sit inside
// a larger document.
func Parse(doc string) (*Graph, error) {
	g := NewGraph()

	type edge struct{ task, dep string }
	var edges []edge

	for _, line := range strings.Split(doc, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "- ") {
			continue
		}
		body := strings.TrimPrefix(line, "- ")
		task, deps, ok := strings.Cut(body, ":")
		if !ok {
			continue
		}
		task = strings.TrimSpace(task)
		if task == "" || strings.ContainsRune(task, ' ') {
			continue
		}
		g.AddTask(task)

		for _, dep := range strings.Split(deps, ",") {
			dep = strings.TrimSpace(dep)
			if dep == "" || strings.EqualFold(dep, "none") {
				continue
			}
			edges = append(edges, edge{task: task, dep: dep})
		}
	}

	// Edges resolve after all tasks are known, so forward references
	// within the listing are fine.
	for _, e := range edges {
		if err := g.AddDependency(e.task, e.dep); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// Validate parses a dependency listing and rejects cyclic graphs. An
// empty or unrecognized listing validates trivially.
func Validate(doc string) error {
	g, err := Parse(doc)
	if err != nil {
		return err
	}
	if cycle := g.Cycle(); cycle != nil {
		return &wferr.InvalidTaskGraphError{Cycle: cycle}
	}
	return nil
}
