// Package engine owns the tier graph and drives workflow execution
// from the entry node to a terminal node.
package engine

import (
	"context"
	"fmt"

	"github.com/atelier-ai/atelier/pkg/models"
)

// End is the terminal sentinel returned by routing functions.
const End = "END"

// NodeFunc executes one unit of work against the state.
type NodeFunc func(ctx context.Context, state *models.WorkflowState) error

// RouteFunc is a pure predicate over state returning the next node
// name or End.
type RouteFunc func(state *models.WorkflowState) string

// Graph is a registry of named nodes with unconditional edges and
// conditional routes. It carries no execution state of its own.
type Graph struct {
	nodes  map[string]NodeFunc
	edges  map[string]string
	routes map[string]RouteFunc
	entry  string
}

// NewGraph returns an empty graph.
func NewGraph() *Graph {
	return &Graph{
		nodes:  make(map[string]NodeFunc),
		edges:  make(map[string]string),
		routes: make(map[string]RouteFunc),
	}
}

// AddNode registers a node, replacing any prior registration.
func (g *Graph) AddNode(name string, fn NodeFunc) {
	g.nodes[name] = fn
}

// AddEdge sets the unconditional successor of a node.
func (g *Graph) AddEdge(from, to string) {
	g.edges[from] = to
}

// AddRoute sets the conditional routing function of a node. A route
// takes precedence over an unconditional edge.
func (g *Graph) AddRoute(from string, route RouteFunc) {
	g.routes[from] = route
}

// SetEntry sets the entry node.
func (g *Graph) SetEntry(name string) {
	g.entry = name
}

// Entry returns the entry node name.
func (g *Graph) Entry() string {
	return g.entry
}

// Node returns the handler registered under name.
func (g *Graph) Node(name string) (NodeFunc, error) {
	fn, ok := g.nodes[name]
	if !ok {
		return nil, fmt.Errorf("unknown node %s", name)
	}
	return fn, nil
}

// Nodes returns the registered node names.
func (g *Graph) Nodes() []string {
	names := make([]string, 0, len(g.nodes))
	for n := range g.nodes {
		names = append(names, n)
	}
	return names
}

// Next applies the node's route, falling back to its unconditional
// edge. A node with neither terminates the walk.
func (g *Graph) Next(from string, state *models.WorkflowState) string {
	if route, ok := g.routes[from]; ok {
		return route(state)
	}
	if to, ok := g.edges[from]; ok {
		return to
	}
	return End
}

// Validate checks that the entry and all edge/route targets resolve to
// registered nodes.
func (g *Graph) Validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph has no entry point")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("entry node %s not registered", g.entry)
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge from unknown node %s", from)
		}
		if to == End {
			continue
		}
		if _, ok := g.nodes[to]; !ok {
			return fmt.Errorf("edge from %s to unknown node %s", from, to)
		}
	}
	for from := range g.routes {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("route from unknown node %s", from)
		}
	}
	return nil
}
