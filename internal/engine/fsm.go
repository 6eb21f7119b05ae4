package engine

import (
	"github.com/rendis/taskmesh/pkg/schema"
)

// transitionKey identifies one row of the allowed-transition table.
type transitionKey struct {
	status schema.WorkflowStatus
	action schema.Action
}

// stay marks actions that leave the workflow status unchanged (step-level
// bookkeeping inside a running workflow).
const stay = schema.WorkflowStatus("")

// transitions is the closed allowed-transition table. A (status, action) pair
// absent from the table is an illegal transition and is rejected before any
// append is attempted. Terminal states have no rows: they are absorbing.
var transitions = map[transitionKey]schema.WorkflowStatus{
	{schema.WorkflowStatusPending, schema.ActionStartWorkflow}:  schema.WorkflowStatusRunning,
	{schema.WorkflowStatusPending, schema.ActionCancelWorkflow}: schema.WorkflowStatusCancelled,

	{schema.WorkflowStatusRunning, schema.ActionPauseWorkflow}:    schema.WorkflowStatusPaused,
	{schema.WorkflowStatusRunning, schema.ActionStartStep}:        stay,
	{schema.WorkflowStatusRunning, schema.ActionCompleteStep}:     stay,
	{schema.WorkflowStatusRunning, schema.ActionFailStep}:         stay,
	{schema.WorkflowStatusRunning, schema.ActionRetryStep}:        stay,
	{schema.WorkflowStatusRunning, schema.ActionRollbackStep}:     stay,
	{schema.WorkflowStatusRunning, schema.ActionRequestApproval}:  schema.WorkflowStatusApprovalPending,
	{schema.WorkflowStatusRunning, schema.ActionCancelWorkflow}:   schema.WorkflowStatusCancelled,
	{schema.WorkflowStatusRunning, schema.ActionCompleteWorkflow}: schema.WorkflowStatusCompleted,
	{schema.WorkflowStatusRunning, schema.ActionFailWorkflow}:     schema.WorkflowStatusFailed,

	{schema.WorkflowStatusPaused, schema.ActionResumeWorkflow}: schema.WorkflowStatusRunning,
	{schema.WorkflowStatusPaused, schema.ActionCancelWorkflow}: schema.WorkflowStatusCancelled,
	{schema.WorkflowStatusPaused, schema.ActionFailWorkflow}:   schema.WorkflowStatusFailed,

	{schema.WorkflowStatusApprovalPending, schema.ActionApproveGate}:    schema.WorkflowStatusRunning,
	{schema.WorkflowStatusApprovalPending, schema.ActionRejectGate}:     schema.WorkflowStatusCancelled,
	{schema.WorkflowStatusApprovalPending, schema.ActionCancelWorkflow}: schema.WorkflowStatusCancelled,
	{schema.WorkflowStatusApprovalPending, schema.ActionFailWorkflow}:   schema.WorkflowStatusFailed,
}

// NextStatus resolves the allowed-transition table for (status, action).
// It returns the resulting status, or an INVALID_TRANSITION error.
func NextStatus(status schema.WorkflowStatus, action schema.Action) (schema.WorkflowStatus, error) {
	next, ok := transitions[transitionKey{status, action}]
	if !ok {
		return "", schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"action %s not allowed in status %s", action, status).WithAction(action)
	}
	if next == stay {
		return status, nil
	}
	return next, nil
}

// Allowed reports whether action is legal in the given status.
func Allowed(status schema.WorkflowStatus, action schema.Action) bool {
	_, ok := transitions[transitionKey{status, action}]
	return ok
}
