package deviation

import (
	"context"
	"fmt"
	"time"

	"github.com/atelier-ai/atelier/pkg/models"
	"github.com/atelier-ai/atelier/pkg/wferr"
)

// DefaultMaxRetries bounds AttemptRecovery.
const DefaultMaxRetries = 3

// recoveryBackoffBase is the unit for recovery backoff: 2^retryCount
// of these. Deliberately uncapped, unlike the LLM client's capped
// request backoff.
const recoveryBackoffBase = time.Second

// CheckpointReader is the slice of the checkpoint store Rollback
// needs.
type CheckpointReader interface {
	List(workflowID string, limit int) ([]models.CheckpointMeta, error)
	Load(checkpointID string) (*models.WorkflowState, error)
}

// AttemptRecovery sleeps an exponential backoff (2^retryCount seconds)
// and increments the state's retry counter. Exceeding maxRetries
// returns a fatal workflow error. The sleep honors ctx cancellation.
func (h *Handler) AttemptRecovery(ctx context.Context, state *models.WorkflowState, cause error, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}

	if state.RetryCount >= maxRetries {
		return fmt.Errorf("recovery retries exhausted after %d attempts (cause: %v): %w",
			state.RetryCount, cause, wferr.ErrWorkflow)
	}

	delay := recoveryBackoffBase * (1 << state.RetryCount)
	h.logger.Info("attempting recovery",
		"workflow_id", state.WorkflowID,
		"retry", state.RetryCount+1,
		"delay", delay,
		"cause", cause.Error())

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	}

	now := time.Now().UTC()
	state.RetryCount++
	state.LastRetryAt = &now
	state.Touch()

	return nil
}

// Rollback resets the state's control fields (rejection count and
// phase) from the second-most-recent checkpoint and marks the rollback
// on state. Artifacts and budget counters are kept as-is. With fewer
// than two checkpoints this is a no-op, not an error.
func (h *Handler) Rollback(state *models.WorkflowState, store CheckpointReader) error {
	metas, err := store.List(state.WorkflowID, 2)
	if err != nil {
		return fmt.Errorf("list checkpoints for rollback: %w", err)
	}
	if len(metas) < 2 {
		h.logger.Info("rollback skipped, fewer than two checkpoints",
			"workflow_id", state.WorkflowID)
		return nil
	}

	previous, err := store.Load(metas[1].ID)
	if err != nil {
		return fmt.Errorf("load previous checkpoint: %w", err)
	}

	now := time.Now().UTC()
	state.RejectionCount = previous.RejectionCount
	state.CurrentPhase = previous.CurrentPhase
	state.BlockingIssues = nil
	state.RollbackPerformed = true
	state.RollbackAt = &now
	state.Touch()

	if h.auditor != nil {
		details := fmt.Sprintf(`{"checkpoint_id":%q,"restored_version":%d}`, metas[1].ID, previous.StateVersion)
		if err := h.auditor.AppendAudit(state.WorkflowID, models.AuditRollback, "deviation_handler", details); err != nil {
			h.logger.Warn("rollback audit append failed", "error", err)
		}
	}

	h.logger.Info("rollback applied",
		"workflow_id", state.WorkflowID,
		"checkpoint_id", metas[1].ID,
		"restored_phase", previous.CurrentPhase,
		"restored_rejection_count", previous.RejectionCount)

	return nil
}
