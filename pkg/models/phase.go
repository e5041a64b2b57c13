package models

// Phase represents the current stage of a workflow's lifecycle.
type Phase string

const (
	// PhasePlanning covers requirements, validation, and architecture (tier 1).
	PhasePlanning Phase = "planning"
	// PhasePreparation covers task planning and dependency resolution (tier 2).
	PhasePreparation Phase = "preparation"
	// PhaseDevelopment covers code generation, static analysis, and tests (tier 3).
	PhaseDevelopment Phase = "development"
	// PhaseValidation covers security and product validation (tier 4).
	PhaseValidation Phase = "validation"
	// PhaseDelivery covers documentation and deployment (tier 5).
	PhaseDelivery Phase = "delivery"
	// PhaseCompleted indicates the workflow finished successfully.
	PhaseCompleted Phase = "completed"
	// PhaseFailed indicates the workflow failed unrecoverably.
	PhaseFailed Phase = "failed"
	// PhasePaused indicates the workflow is awaiting human approval.
	PhasePaused Phase = "paused"
)

// Valid returns true if the phase is a known value.
func (p Phase) Valid() bool {
	switch p {
	case PhasePlanning, PhasePreparation, PhaseDevelopment, PhaseValidation,
		PhaseDelivery, PhaseCompleted, PhaseFailed, PhasePaused:
		return true
	default:
		return false
	}
}

// Terminal returns true if the phase ends workflow execution.
func (p Phase) Terminal() bool {
	return p == PhaseCompleted || p == PhaseFailed
}

// String returns the phase name.
func (p Phase) String() string {
	return string(p)
}
