// Package agent defines the contract between the orchestration core
// and the agents that produce artifacts, plus the LLM client they
// share.
package agent

import (
	"context"
	"fmt"
	"sync"

	"github.com/atelier-ai/atelier/pkg/models"
)

// Agent produces artifacts for one tier node. Implementations mutate
// the state in place and signal rejection or budget exhaustion through
// the shared error taxonomy, never via sentinel values.
type Agent interface {
	// Name is the agent's registry name (e.g. "SoftwareEngineer").
	Name() string
	// Execute runs the agent against the current state with free-form
	// keyword context.
	Execute(ctx context.Context, state *models.WorkflowState, kwargs map[string]string) error
}

// Registry maps node names to agents.
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Agent
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]Agent)}
}

// Register binds an agent to a node name, replacing any prior binding.
func (r *Registry) Register(node string, a Agent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[node] = a
}

// Get returns the agent bound to node.
func (r *Registry) Get(node string) (Agent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.agents[node]
	if !ok {
		return nil, fmt.Errorf("no agent registered for node %s", node)
	}
	return a, nil
}

// Nodes returns the registered node names.
func (r *Registry) Nodes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	nodes := make([]string, 0, len(r.agents))
	for n := range r.agents {
		nodes = append(nodes, n)
	}
	return nodes
}
