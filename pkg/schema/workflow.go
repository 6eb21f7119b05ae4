package schema

// WorkflowStatus represents the lifecycle state of a workflow.
type WorkflowStatus string

const (
	WorkflowStatusPending         WorkflowStatus = "pending"
	WorkflowStatusRunning         WorkflowStatus = "running"
	WorkflowStatusPaused          WorkflowStatus = "paused"
	WorkflowStatusApprovalPending WorkflowStatus = "approval_pending"
	WorkflowStatusCompleted       WorkflowStatus = "completed"
	WorkflowStatusFailed          WorkflowStatus = "failed"
	WorkflowStatusCancelled       WorkflowStatus = "cancelled"
)

// Terminal reports whether the status is absorbing.
func (s WorkflowStatus) Terminal() bool {
	return s == WorkflowStatusCompleted || s == WorkflowStatusFailed || s == WorkflowStatusCancelled
}

// SubtaskStatus represents the lifecycle state of a subtask.
type SubtaskStatus string

const (
	SubtaskStatusPending          SubtaskStatus = "pending"
	SubtaskStatusReady            SubtaskStatus = "ready"
	SubtaskStatusDispatched       SubtaskStatus = "dispatched"
	SubtaskStatusAwaitingApproval SubtaskStatus = "awaiting_approval"
	SubtaskStatusCompleted        SubtaskStatus = "completed"
	SubtaskStatusFailed           SubtaskStatus = "failed"
	SubtaskStatusCancelled        SubtaskStatus = "cancelled"
)

// Terminal reports whether the subtask status is absorbing.
func (s SubtaskStatus) Terminal() bool {
	return s == SubtaskStatusCompleted || s == SubtaskStatusFailed || s == SubtaskStatusCancelled
}

// RiskLevel classifies a subtask; high risk requires human approval.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)
