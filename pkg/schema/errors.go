package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeTransient         = "TRANSIENT_ERROR"
	ErrCodeFatal             = "FATAL_ERROR"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeRetryExhausted    = "RETRY_EXHAUSTED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeAlreadyResolved   = "ALREADY_RESOLVED"
	ErrCodeNoAgentMatch      = "NO_AGENT_MATCH"
	ErrCodeCancelled         = "CANCELLED"
)

// MeshError is the structured error type for all taskmesh operations.
// User-visible failures always carry the originating action and workflow ID.
type MeshError struct {
	Code       string         `json:"code"`
	Message    string         `json:"message"`
	Details    map[string]any `json:"details,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	SubtaskID  string         `json:"subtask_id,omitempty"`
	Action     Action         `json:"action,omitempty"`
	Cause      error          `json:"-"`
}

func (e *MeshError) Error() string {
	switch {
	case e.WorkflowID != "" && e.SubtaskID != "":
		return fmt.Sprintf("[%s] workflow %s subtask %s: %s", e.Code, e.WorkflowID, e.SubtaskID, e.Message)
	case e.WorkflowID != "":
		return fmt.Sprintf("[%s] workflow %s: %s", e.Code, e.WorkflowID, e.Message)
	default:
		return fmt.Sprintf("[%s] %s", e.Code, e.Message)
	}
}

func (e *MeshError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error class permits another attempt.
// Conflict (optimistic concurrency), transient, and timeout errors qualify;
// validation and fatal errors never do.
func (e *MeshError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeConflict, ErrCodeTransient, ErrCodeTimeout:
		return true
	}
	return false
}

// NewError creates a new MeshError.
func NewError(code, message string) *MeshError {
	return &MeshError{Code: code, Message: message}
}

// NewErrorf creates a new MeshError with a formatted message.
func NewErrorf(code, format string, args ...any) *MeshError {
	return &MeshError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithWorkflow attaches a workflow ID to the error.
func (e *MeshError) WithWorkflow(workflowID string) *MeshError {
	e.WorkflowID = workflowID
	return e
}

// WithSubtask attaches a subtask ID to the error.
func (e *MeshError) WithSubtask(subtaskID string) *MeshError {
	e.SubtaskID = subtaskID
	return e
}

// WithAction attaches the originating action to the error.
func (e *MeshError) WithAction(action Action) *MeshError {
	e.Action = action
	return e
}

// WithCause attaches an underlying cause.
func (e *MeshError) WithCause(err error) *MeshError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *MeshError) WithDetails(details map[string]any) *MeshError {
	e.Details = details
	return e
}
