// Package wferr defines the shared error taxonomy for the workflow
// core. Agents, guards, and stores signal failure modes with these
// types so the controller can classify them with errors.As.
package wferr

import (
	"errors"
	"fmt"
	"time"
)

// ErrWorkflow is the base sentinel every taxonomy error wraps. Any
// other failure from a node handler is treated as a generic
// recoverable deviation.
var ErrWorkflow = errors.New("workflow error")

// BudgetExhaustedError is raised at reservation time when an estimate
// exceeds the remaining budget. Fatal; never retried automatically.
type BudgetExhaustedError struct {
	// BudgetType is "tokens", "workflow_usd", or "monthly_usd".
	BudgetType string
	Used       float64
	Limit      float64
	Requested  float64
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("budget exhausted (%s): requested %.2f with %.2f of %.2f used",
		e.BudgetType, e.Requested, e.Used, e.Limit)
}

func (e *BudgetExhaustedError) Unwrap() error { return ErrWorkflow }

// AgentRejectionError signals that a validating agent found a prior
// agent's output unacceptable. Recoverable; routed to the deviation
// handler.
type AgentRejectionError struct {
	// Agent is the agent whose output was rejected.
	Agent string
	// Validator is the agent that rejected it.
	Validator string
	Reason    string
}

func (e *AgentRejectionError) Error() string {
	return fmt.Sprintf("agent %s rejected by %s: %s", e.Agent, e.Validator, e.Reason)
}

func (e *AgentRejectionError) Unwrap() error { return ErrWorkflow }

// InfiniteLoopError is raised by the controller when the iteration
// limit is reached. Fatal.
type InfiniteLoopError struct {
	Agent      string
	Phase      string
	Iterations int
	Max        int
}

func (e *InfiniteLoopError) Error() string {
	return fmt.Sprintf("infinite loop detected: %d iterations (max %d), last agent %s in phase %s",
		e.Iterations, e.Max, e.Agent, e.Phase)
}

func (e *InfiniteLoopError) Unwrap() error { return ErrWorkflow }

// HumanApprovalError signals escalation to a human decision-maker.
// Treated as a pause, not a crash; callers resume from the last
// checkpoint once a decision is recorded.
type HumanApprovalError struct {
	// Gate names the approval gate or escalation reason.
	Gate    string
	Timeout time.Duration
	Details map[string]string
}

func (e *HumanApprovalError) Error() string {
	return fmt.Sprintf("human approval required: %s", e.Gate)
}

func (e *HumanApprovalError) Unwrap() error { return ErrWorkflow }

// CheckpointNotFoundError is returned when loading a checkpoint that
// does not exist.
type CheckpointNotFoundError struct {
	CheckpointID string
}

func (e *CheckpointNotFoundError) Error() string {
	return fmt.Sprintf("checkpoint not found: %s", e.CheckpointID)
}

func (e *CheckpointNotFoundError) Unwrap() error { return ErrWorkflow }

// StorageError wraps a storage-layer failure with operation context.
// Never retried inside the store; retry is a caller policy.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// InvalidTaskGraphError reports a cyclic dependency in downstream task
// planning. Raised by collaborators; representable as a blocking
// issue for routing.
type InvalidTaskGraphError struct {
	// Cycle lists the task IDs forming the cycle, in order.
	Cycle []string
}

func (e *InvalidTaskGraphError) Error() string {
	return fmt.Sprintf("invalid task graph: cycle %v", e.Cycle)
}

func (e *InvalidTaskGraphError) Unwrap() error { return ErrWorkflow }

// IsFatal reports whether err terminates the workflow outright.
func IsFatal(err error) bool {
	var budget *BudgetExhaustedError
	var loop *InfiniteLoopError
	return errors.As(err, &budget) || errors.As(err, &loop)
}

// IsRecoverable reports whether err should be routed to the deviation
// handler rather than aborting the run.
func IsRecoverable(err error) bool {
	var rejection *AgentRejectionError
	return errors.As(err, &rejection)
}

// IsPause reports whether err pauses the workflow pending a human
// decision.
func IsPause(err error) bool {
	var approval *HumanApprovalError
	return errors.As(err, &approval)
}
