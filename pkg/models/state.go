// Package models defines the shared data types threaded through the
// orchestration pipeline.
package models

import "time"

// WorkflowState is the canonical, versioned record for one workflow run.
// Nodes and guards mutate it in place; every persisted mutation bumps
// StateVersion and UpdatedAt together (use the reducer methods).
type WorkflowState struct {
	// WorkflowID is the unique identifier for this workflow run.
	WorkflowID string `json:"workflow_id"`
	// TraceID correlates log lines and audit events across components.
	TraceID string `json:"trace_id"`
	// UserRequest is the original request that started the workflow.
	UserRequest string `json:"user_request"`

	// CurrentPhase is the lifecycle stage the workflow is in.
	CurrentPhase Phase `json:"current_phase"`
	// CurrentTask is the task the active agent is working on.
	CurrentTask string `json:"current_task,omitempty"`
	// CurrentAgent is the agent currently executing.
	CurrentAgent string `json:"current_agent,omitempty"`
	// RejectionCount is the number of validator rejections so far.
	// It only increases, except via explicit rollback.
	RejectionCount int `json:"rejection_count"`
	// StateVersion increases strictly on every persisted mutation.
	StateVersion int `json:"state_version"`

	// Artifacts holds named blobs produced by agents (requirements,
	// architecture, code keyed by path). Opaque to the core.
	Artifacts map[string]string `json:"artifacts,omitempty"`

	// BudgetUsedTokens is the token count consumed so far.
	BudgetUsedTokens int64 `json:"budget_used_tokens"`
	// BudgetUsedUSD is the cost consumed so far.
	BudgetUsedUSD float64 `json:"budget_used_usd"`
	// BudgetRemainingTokens is the token budget still available.
	BudgetRemainingTokens int64 `json:"budget_remaining_tokens"`
	// BudgetRemainingUSD is the cost budget still available.
	BudgetRemainingUSD float64 `json:"budget_remaining_usd"`
	// AgentTokenUsage attributes token consumption per agent.
	AgentTokenUsage map[string]int64 `json:"agent_token_usage,omitempty"`

	// QualityGatesPassed lists gate names in the order they passed.
	QualityGatesPassed []string `json:"quality_gates_passed,omitempty"`
	// BlockingIssues lists unresolved issues that divert routing to
	// the deviation handler.
	BlockingIssues []string `json:"blocking_issues,omitempty"`
	// AwaitingHumanApproval is true while the workflow is paused at an
	// approval gate.
	AwaitingHumanApproval bool `json:"awaiting_human_approval"`
	// RoutingDecision is the most recent deviation routing outcome.
	RoutingDecision *RoutingDecision `json:"routing_decision,omitempty"`
	// EscalationFlag is true once a failure has been escalated.
	EscalationFlag bool `json:"escalation_flag"`

	// RetryCount is the number of recovery retries attempted.
	RetryCount int `json:"retry_count,omitempty"`
	// LastRetryAt is when the most recent retry began.
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`
	// RollbackPerformed is true if a checkpoint rollback was applied.
	RollbackPerformed bool `json:"rollback_performed,omitempty"`
	// RollbackAt is when the rollback was applied.
	RollbackAt *time.Time `json:"rollback_at,omitempty"`
	// RequiresHumanApproval is set when escalation demands a decision.
	RequiresHumanApproval bool `json:"requires_human_approval,omitempty"`
	// ApprovalReason explains why human approval is required.
	ApprovalReason string `json:"approval_reason,omitempty"`
	// EscalationDetails carries structured context for the escalation.
	EscalationDetails map[string]string `json:"escalation_details,omitempty"`
	// EscalationAt is when the escalation was recorded.
	EscalationAt *time.Time `json:"escalation_at,omitempty"`
	// LastError is the message of the most recent node failure.
	LastError string `json:"last_error,omitempty"`
	// Deviations counts recorded deviation log entries for this run.
	Deviations int `json:"deviations,omitempty"`

	// CreatedAt is when the workflow state was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the state was last mutated.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the workflow reached a terminal phase.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RoutingDecision records where the deviation handler sent the workflow
// after a rejection.
type RoutingDecision struct {
	// TargetAgent is the agent the failure was attributed to.
	TargetAgent string `json:"target_agent"`
	// TargetNode is the graph node the workflow routes to next.
	TargetNode string `json:"target_node"`
	// RootCause is the analyzed cause of the failure.
	RootCause string `json:"root_cause,omitempty"`
	// Reasoning explains the routing choice.
	Reasoning string `json:"reasoning,omitempty"`
	// IterationCount is the rejection count at decision time.
	IterationCount int `json:"iteration_count"`
}

// New constructs the initial state for a workflow run. StateVersion
// starts at 0; the controller bumps it to 1 when execution begins.
func New(workflowID, userRequest, traceID string, tokenLimit int64, usdLimit float64) *WorkflowState {
	now := time.Now().UTC()
	return &WorkflowState{
		WorkflowID:            workflowID,
		TraceID:               traceID,
		UserRequest:           userRequest,
		CurrentPhase:          PhasePlanning,
		StateVersion:          0,
		Artifacts:             make(map[string]string),
		BudgetRemainingTokens: tokenLimit,
		BudgetRemainingUSD:    usdLimit,
		AgentTokenUsage:       make(map[string]int64),
		CreatedAt:             now,
		UpdatedAt:             now,
	}
}

// Touch bumps StateVersion and UpdatedAt together. All other reducer
// methods call it so the monotonicity invariant stays mechanical.
func (s *WorkflowState) Touch() {
	s.StateVersion++
	s.UpdatedAt = time.Now().UTC()
}

// RecordRejection increments the rejection counter and notes the issue.
func (s *WorkflowState) RecordRejection(agent, reason string) {
	s.RejectionCount++
	s.LastError = reason
	s.BlockingIssues = append(s.BlockingIssues, agent+": "+reason)
	s.Touch()
}

// ApplyUsage debits tokens and cost from the remaining budget and
// credits the used counters, attributing tokens to the named agent.
// Used and remaining always sum to the initial limit.
func (s *WorkflowState) ApplyUsage(tokens int64, costUSD float64, agent string) {
	s.BudgetUsedTokens += tokens
	s.BudgetRemainingTokens -= tokens
	s.BudgetUsedUSD += costUSD
	s.BudgetRemainingUSD -= costUSD
	if agent != "" {
		if s.AgentTokenUsage == nil {
			s.AgentTokenUsage = make(map[string]int64)
		}
		s.AgentTokenUsage[agent] += tokens
	}
	s.Touch()
}

// PassQualityGate appends a gate name to the ordered pass list. A gate
// already recorded is not appended twice.
func (s *WorkflowState) PassQualityGate(gate string) {
	for _, g := range s.QualityGatesPassed {
		if g == gate {
			return
		}
	}
	s.QualityGatesPassed = append(s.QualityGatesPassed, gate)
	s.Touch()
}

// SetRouting records a deviation routing decision.
func (s *WorkflowState) SetRouting(d *RoutingDecision) {
	s.RoutingDecision = d
	s.Touch()
}

// ClearBlockingIssues empties the blocking-issue list after the
// deviation handler has routed around them.
func (s *WorkflowState) ClearBlockingIssues() {
	if len(s.BlockingIssues) == 0 {
		return
	}
	s.BlockingIssues = nil
	s.Touch()
}

// Complete marks the workflow terminal with the given phase and stamps
// CompletedAt.
func (s *WorkflowState) Complete(phase Phase) {
	s.CurrentPhase = phase
	now := time.Now().UTC()
	s.CompletedAt = &now
	s.Touch()
}

// Clone returns a deep copy of the state. Maps, slices, and pointer
// timestamps are copied so mutations of the clone never alias the
// original.
func (s *WorkflowState) Clone() *WorkflowState {
	c := *s
	if s.Artifacts != nil {
		c.Artifacts = make(map[string]string, len(s.Artifacts))
		for k, v := range s.Artifacts {
			c.Artifacts[k] = v
		}
	}
	if s.AgentTokenUsage != nil {
		c.AgentTokenUsage = make(map[string]int64, len(s.AgentTokenUsage))
		for k, v := range s.AgentTokenUsage {
			c.AgentTokenUsage[k] = v
		}
	}
	if s.EscalationDetails != nil {
		c.EscalationDetails = make(map[string]string, len(s.EscalationDetails))
		for k, v := range s.EscalationDetails {
			c.EscalationDetails[k] = v
		}
	}
	c.QualityGatesPassed = append([]string(nil), s.QualityGatesPassed...)
	c.BlockingIssues = append([]string(nil), s.BlockingIssues...)
	if s.RoutingDecision != nil {
		rd := *s.RoutingDecision
		c.RoutingDecision = &rd
	}
	c.LastRetryAt = copyTime(s.LastRetryAt)
	c.RollbackAt = copyTime(s.RollbackAt)
	c.EscalationAt = copyTime(s.EscalationAt)
	c.CompletedAt = copyTime(s.CompletedAt)
	return &c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
