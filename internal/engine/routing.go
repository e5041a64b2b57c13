package engine

import "github.com/atelier-ai/atelier/pkg/models"

// standardRoute diverts to the deviation tier while blocking issues
// are outstanding, otherwise continues to the next pipeline node.
// Routes are pure functions of state so they can be tested in
// isolation.
func standardRoute(next string) RouteFunc {
	return func(state *models.WorkflowState) string {
		if len(state.BlockingIssues) > 0 {
			return NodeDeviation
		}
		return next
	}
}

// deviationRoute leaves the deviation tier. An escalated or
// retry-exhausted workflow terminates; otherwise the workflow follows
// the handler's routing decision.
func deviationRoute(maxRoutingIterations int) RouteFunc {
	return func(state *models.WorkflowState) string {
		if state.EscalationFlag || state.RejectionCount >= maxRoutingIterations {
			return End
		}
		if state.RoutingDecision != nil && state.RoutingDecision.TargetNode != "" {
			return state.RoutingDecision.TargetNode
		}
		return NodeEngineer
	}
}
