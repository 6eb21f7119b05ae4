package schema

import "encoding/json"

// Action is the closed set of event kinds in the workflow log.
// Every appended event carries exactly one Action and a payload of the
// matching type; payloads are validated at decode time, before they can
// reach the replay reducer.
type Action string

const (
	ActionStartWorkflow    Action = "start_workflow"
	ActionPauseWorkflow    Action = "pause_workflow"
	ActionResumeWorkflow   Action = "resume_workflow"
	ActionStartStep        Action = "start_step"
	ActionCompleteStep     Action = "complete_step"
	ActionFailStep         Action = "fail_step"
	ActionRetryStep        Action = "retry_step"
	ActionRollbackStep     Action = "rollback_step"
	ActionRequestApproval  Action = "request_approval"
	ActionApproveGate      Action = "approve_gate"
	ActionRejectGate       Action = "reject_gate"
	ActionCancelWorkflow   Action = "cancel_workflow"
	ActionCompleteWorkflow Action = "complete_workflow"
	ActionFailWorkflow     Action = "fail_workflow"
)

// StartWorkflowPayload carries the initial task and decomposition result.
type StartWorkflowPayload struct {
	Description  string        `json:"description"`
	TemplateName string        `json:"template_name,omitempty"`
	Subtasks     []SubtaskSpec `json:"subtasks"`
}

// PauseWorkflowPayload records why a workflow was paused.
type PauseWorkflowPayload struct {
	Reason string `json:"reason,omitempty"`
}

// ResumeWorkflowPayload resumes a paused workflow.
type ResumeWorkflowPayload struct {
	Reason string `json:"reason,omitempty"`
}

// StartStepPayload records a subtask dispatch to an agent.
type StartStepPayload struct {
	SubtaskID string          `json:"subtask_id"`
	AgentID   string          `json:"agent_id"`
	Tools     *ToolSelection  `json:"tools,omitempty"` // embedded for audit, not authoritative
	Input     json.RawMessage `json:"input,omitempty"`
}

// CompleteStepPayload records a successful subtask result.
type CompleteStepPayload struct {
	SubtaskID string          `json:"subtask_id"`
	AgentID   string          `json:"agent_id,omitempty"`
	Output    json.RawMessage `json:"output,omitempty"`
}

// FailStepPayload records a terminal subtask failure.
type FailStepPayload struct {
	SubtaskID string `json:"subtask_id"`
	AgentID   string `json:"agent_id,omitempty"`
	Error     string `json:"error"`
}

// RetryStepPayload records one retry of a transiently failed subtask.
type RetryStepPayload struct {
	SubtaskID string `json:"subtask_id"`
	Attempt   int    `json:"attempt"`
	DelayMs   int64  `json:"delay_ms"`
	Reason    string `json:"reason,omitempty"`
}

// RollbackStepPayload is a compensating event: it resets a subtask to
// pending in the fold without touching history.
type RollbackStepPayload struct {
	SubtaskID string `json:"subtask_id"`
	Reason    string `json:"reason,omitempty"`
}

// RequestApprovalPayload opens a human approval gate for a high-risk subtask.
type RequestApprovalPayload struct {
	SubtaskID  string    `json:"subtask_id"`
	ApprovalID string    `json:"approval_id"`
	RiskLevel  RiskLevel `json:"risk_level"`
	Rationale  string    `json:"rationale,omitempty"`
}

// ApproveGatePayload resolves an approval gate positively.
type ApproveGatePayload struct {
	ApprovalID string `json:"approval_id"`
	ResolvedBy string `json:"resolved_by,omitempty"`
}

// RejectGatePayload resolves an approval gate negatively.
type RejectGatePayload struct {
	ApprovalID string `json:"approval_id"`
	ResolvedBy string `json:"resolved_by,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

// CancelWorkflowPayload cancels a workflow from any non-terminal state.
type CancelWorkflowPayload struct {
	Reason string `json:"reason,omitempty"`
}

// CompleteWorkflowPayload finishes a workflow successfully.
type CompleteWorkflowPayload struct {
	Output json.RawMessage `json:"output,omitempty"`
}

// FailWorkflowPayload finishes a workflow in failure.
type FailWorkflowPayload struct {
	Error string `json:"error"`
}

// KnownAction reports whether a is a member of the closed action set.
func KnownAction(a Action) bool {
	switch a {
	case ActionStartWorkflow, ActionPauseWorkflow, ActionResumeWorkflow,
		ActionStartStep, ActionCompleteStep, ActionFailStep, ActionRetryStep,
		ActionRollbackStep, ActionRequestApproval, ActionApproveGate,
		ActionRejectGate, ActionCancelWorkflow, ActionCompleteWorkflow,
		ActionFailWorkflow:
		return true
	}
	return false
}

// DecodePayload decodes and validates an event payload against its action.
// Unknown actions and malformed payloads are rejected here so they can never
// reach the reducer.
func DecodePayload(action Action, raw json.RawMessage) (any, error) {
	decode := func(dst any) (any, error) {
		if len(raw) == 0 {
			return dst, nil
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return nil, NewErrorf(ErrCodeValidation, "malformed %s payload: %v", action, err).WithAction(action)
		}
		return dst, nil
	}

	switch action {
	case ActionStartWorkflow:
		p := &StartWorkflowPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if len(p.Subtasks) == 0 {
			return nil, NewError(ErrCodeValidation, "start_workflow requires at least one subtask").WithAction(action)
		}
		return p, nil

	case ActionPauseWorkflow:
		return decode(&PauseWorkflowPayload{})

	case ActionResumeWorkflow:
		return decode(&ResumeWorkflowPayload{})

	case ActionStartStep:
		p := &StartStepPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" || p.AgentID == "" {
			return nil, NewError(ErrCodeValidation, "start_step requires subtask_id and agent_id").WithAction(action)
		}
		return p, nil

	case ActionCompleteStep:
		p := &CompleteStepPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" {
			return nil, NewError(ErrCodeValidation, "complete_step requires subtask_id").WithAction(action)
		}
		return p, nil

	case ActionFailStep:
		p := &FailStepPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" {
			return nil, NewError(ErrCodeValidation, "fail_step requires subtask_id").WithAction(action)
		}
		return p, nil

	case ActionRetryStep:
		p := &RetryStepPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" || p.Attempt <= 0 {
			return nil, NewError(ErrCodeValidation, "retry_step requires subtask_id and attempt > 0").WithAction(action)
		}
		return p, nil

	case ActionRollbackStep:
		p := &RollbackStepPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" {
			return nil, NewError(ErrCodeValidation, "rollback_step requires subtask_id").WithAction(action)
		}
		return p, nil

	case ActionRequestApproval:
		p := &RequestApprovalPayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.SubtaskID == "" || p.ApprovalID == "" {
			return nil, NewError(ErrCodeValidation, "request_approval requires subtask_id and approval_id").WithAction(action)
		}
		if p.RiskLevel != RiskHigh {
			return nil, NewErrorf(ErrCodeValidation, "request_approval requires high risk, got %q", p.RiskLevel).WithAction(action)
		}
		return p, nil

	case ActionApproveGate:
		p := &ApproveGatePayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.ApprovalID == "" {
			return nil, NewError(ErrCodeValidation, "approve_gate requires approval_id").WithAction(action)
		}
		return p, nil

	case ActionRejectGate:
		p := &RejectGatePayload{}
		if _, err := decode(p); err != nil {
			return nil, err
		}
		if p.ApprovalID == "" {
			return nil, NewError(ErrCodeValidation, "reject_gate requires approval_id").WithAction(action)
		}
		return p, nil

	case ActionCancelWorkflow:
		return decode(&CancelWorkflowPayload{})

	case ActionCompleteWorkflow:
		return decode(&CompleteWorkflowPayload{})

	case ActionFailWorkflow:
		return decode(&FailWorkflowPayload{})
	}

	return nil, NewErrorf(ErrCodeValidation, "unknown action %q", action).WithAction(action)
}
