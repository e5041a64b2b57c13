package models

import "time"

// Checkpoint is an immutable snapshot of a workflow state. Created and
// read exclusively by the checkpoint store; other components reference
// checkpoints by ID only.
type Checkpoint struct {
	// ID is the unique identifier for this checkpoint.
	ID string `json:"checkpoint_id"`
	// WorkflowID is the workflow this checkpoint belongs to.
	WorkflowID string `json:"workflow_id"`
	// StateVersion is the caller-assigned version of the snapshot.
	StateVersion int `json:"state_version"`
	// State is the serialized WorkflowState.
	State []byte `json:"state"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// CheckpointMeta is the listing view of a checkpoint, without the
// serialized state payload.
type CheckpointMeta struct {
	// ID is the checkpoint identifier.
	ID string `json:"checkpoint_id"`
	// StateVersion is the snapshot's state version.
	StateVersion int `json:"state_version"`
	// CreatedAt is when the checkpoint was written.
	CreatedAt time.Time `json:"created_at"`
}

// WorkflowMetadata is the denormalized summary row for a workflow,
// updated on every checkpoint write. Used for listing and inspection,
// not for resuming execution.
type WorkflowMetadata struct {
	// WorkflowID is the workflow identifier.
	WorkflowID string `json:"workflow_id"`
	// UserRequest is the request that started the workflow.
	UserRequest string `json:"user_request"`
	// Status is the coarse run status (running, completed, failed, paused).
	Status string `json:"status"`
	// Phase is the workflow's current lifecycle phase.
	Phase Phase `json:"phase"`
	// CurrentAgent is the most recently active agent.
	CurrentAgent string `json:"current_agent,omitempty"`
	// BudgetUsedUSD is the cost consumed so far.
	BudgetUsedUSD float64 `json:"budget_used_usd"`
	// RejectionCount is the rejection counter at last checkpoint.
	RejectionCount int `json:"rejection_count"`
	// CreatedAt is when the workflow row was created.
	CreatedAt time.Time `json:"created_at"`
	// UpdatedAt is when the row was last updated.
	UpdatedAt time.Time `json:"updated_at"`
	// CompletedAt is when the workflow finished, if it has.
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Audit event types written by the core.
const (
	AuditCheckpointSaved = "CHECKPOINT_SAVED"
	AuditEscalation      = "ESCALATION"
	AuditRollback        = "ROLLBACK"
	AuditHumanDecision   = "HUMAN_DECISION"
)

// AuditEvent is an append-only record of a significant action. Audit
// events are never updated or deleted.
type AuditEvent struct {
	// EventID is the unique identifier for this event.
	EventID string `json:"event_id"`
	// WorkflowID is the workflow the event belongs to.
	WorkflowID string `json:"workflow_id"`
	// EventType is one of the Audit* constants.
	EventType string `json:"event_type"`
	// Actor is the component or human that performed the action.
	Actor string `json:"actor"`
	// Details is free-form JSON context for the event.
	Details string `json:"details,omitempty"`
	// CreatedAt is when the event was recorded.
	CreatedAt time.Time `json:"created_at"`
}
