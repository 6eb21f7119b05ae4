package engine

import (
	"encoding/json"
	"sort"

	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/pkg/schema"
)

// SubtaskState is the folded view of one subtask.
type SubtaskState struct {
	Spec       schema.SubtaskSpec   `json:"spec"`
	Status     schema.SubtaskStatus `json:"status"`
	AgentID    string               `json:"agent_id,omitempty"`
	RetryCount int                  `json:"retry_count,omitempty"`
	Output     json.RawMessage      `json:"output,omitempty"`
	Error      string               `json:"error,omitempty"`
}

// WorkflowState is the deterministic projection of a workflow's event log.
// It is what replay produces and what snapshots cache.
type WorkflowState struct {
	WorkflowID        string                   `json:"workflow_id"`
	Status            schema.WorkflowStatus    `json:"status"`
	CurrentStep       string                   `json:"current_step,omitempty"`
	Description       string                   `json:"description,omitempty"`
	TemplateName      string                   `json:"template_name,omitempty"`
	Subtasks          map[string]*SubtaskState `json:"subtasks,omitempty"`
	PendingApprovalID string                   `json:"pending_approval_id,omitempty"`
	AppliedEvents     int64                    `json:"applied_events"`
}

// NewGenesisState is the state before any event has been applied.
func NewGenesisState(workflowID string) *WorkflowState {
	return &WorkflowState{
		WorkflowID: workflowID,
		Status:     schema.WorkflowStatusPending,
		Subtasks:   make(map[string]*SubtaskState),
	}
}

// Project returns the canonical byte encoding of the state. Identical event
// prefixes always produce byte-identical projections, whether folded from
// genesis or restored from a snapshot.
func (s *WorkflowState) Project() ([]byte, error) {
	return schema.CanonicalJSON(s)
}

// Fold applies one event to the state, in place. It is a pure reducer keyed
// by action: no clocks, no I/O, no randomness. Unknown or malformed events
// fail the fold with a FATAL_ERROR; they are never silently skipped.
func (s *WorkflowState) Fold(event *store.Event) error {
	if event.SequenceNo != s.AppliedEvents+1 {
		return schema.NewErrorf(schema.ErrCodeFatal,
			"sequence gap: expected %d, got %d", s.AppliedEvents+1, event.SequenceNo).
			WithWorkflow(s.WorkflowID)
	}

	payload, err := schema.DecodePayload(event.Action, event.Payload)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeFatal,
			"replay failed at sequence %d: %s", event.SequenceNo, err.Error()).
			WithWorkflow(s.WorkflowID).WithAction(event.Action).WithCause(err)
	}

	next, err := NextStatus(s.Status, event.Action)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeFatal,
			"replay failed at sequence %d: %s", event.SequenceNo, err.Error()).
			WithWorkflow(s.WorkflowID).WithAction(event.Action).WithCause(err)
	}

	switch p := payload.(type) {
	case *schema.StartWorkflowPayload:
		s.Description = p.Description
		s.TemplateName = p.TemplateName
		for i := range p.Subtasks {
			spec := p.Subtasks[i]
			spec.Status = schema.SubtaskStatusPending
			s.Subtasks[spec.SubtaskID] = &SubtaskState{
				Spec:   spec,
				Status: schema.SubtaskStatusPending,
			}
		}

	case *schema.StartStepPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusDispatched
		st.AgentID = p.AgentID
		s.CurrentStep = p.SubtaskID

	case *schema.CompleteStepPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusCompleted
		st.Output = p.Output
		st.Error = ""
		if s.CurrentStep == p.SubtaskID {
			s.CurrentStep = ""
		}

	case *schema.FailStepPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusFailed
		st.Error = p.Error
		if s.CurrentStep == p.SubtaskID {
			s.CurrentStep = ""
		}

	case *schema.RetryStepPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusReady
		st.RetryCount = p.Attempt

	case *schema.RollbackStepPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusPending
		st.AgentID = ""
		st.RetryCount = 0
		st.Output = nil
		st.Error = ""

	case *schema.RequestApprovalPayload:
		st := s.subtask(p.SubtaskID)
		st.Status = schema.SubtaskStatusAwaitingApproval
		s.PendingApprovalID = p.ApprovalID
		s.CurrentStep = p.SubtaskID

	case *schema.ApproveGatePayload:
		if s.PendingApprovalID != p.ApprovalID {
			return schema.NewErrorf(schema.ErrCodeFatal,
				"approve_gate for %q but pending gate is %q", p.ApprovalID, s.PendingApprovalID).
				WithWorkflow(s.WorkflowID)
		}
		for _, st := range s.Subtasks {
			if st.Status == schema.SubtaskStatusAwaitingApproval {
				st.Status = schema.SubtaskStatusReady
			}
		}
		s.PendingApprovalID = ""

	case *schema.RejectGatePayload:
		if s.PendingApprovalID != p.ApprovalID {
			return schema.NewErrorf(schema.ErrCodeFatal,
				"reject_gate for %q but pending gate is %q", p.ApprovalID, s.PendingApprovalID).
				WithWorkflow(s.WorkflowID)
		}
		s.PendingApprovalID = ""
		s.cancelOpenSubtasks()

	case *schema.CancelWorkflowPayload:
		s.PendingApprovalID = ""
		s.cancelOpenSubtasks()

	case *schema.PauseWorkflowPayload, *schema.ResumeWorkflowPayload,
		*schema.CompleteWorkflowPayload:
		// Status change only.

	case *schema.FailWorkflowPayload:
		// Status change only; step-level errors were recorded by fail_step.
	}

	s.Status = next
	s.AppliedEvents = event.SequenceNo
	return nil
}

// subtask returns the state for id, creating a placeholder if the log
// references a subtask the start event never declared. The placeholder keeps
// the fold total; validation at append time prevents this in practice.
func (s *WorkflowState) subtask(id string) *SubtaskState {
	st, ok := s.Subtasks[id]
	if !ok {
		st = &SubtaskState{
			Spec:   schema.SubtaskSpec{SubtaskID: id},
			Status: schema.SubtaskStatusPending,
		}
		s.Subtasks[id] = st
	}
	return st
}

func (s *WorkflowState) cancelOpenSubtasks() {
	for _, st := range s.Subtasks {
		if !st.Status.Terminal() {
			st.Status = schema.SubtaskStatusCancelled
		}
	}
	s.CurrentStep = ""
}

// ReadySubtasks returns the IDs of subtasks whose dependencies have all
// completed and that have not yet been dispatched, in lexicographic order
// for determinism.
func (s *WorkflowState) ReadySubtasks() []string {
	var ready []string
	for id, st := range s.Subtasks {
		if st.Status != schema.SubtaskStatusPending && st.Status != schema.SubtaskStatusReady {
			continue
		}
		ok := true
		for _, dep := range st.Spec.DependsOn {
			if depState, exists := s.Subtasks[dep]; !exists ||
				depState.Status != schema.SubtaskStatusCompleted {
				ok = false
				break
			}
		}
		if ok {
			ready = append(ready, id)
		}
	}
	sort.Strings(ready)
	return ready
}

// AllSubtasksCompleted reports whether every subtask reached completed.
func (s *WorkflowState) AllSubtasksCompleted() bool {
	if len(s.Subtasks) == 0 {
		return false
	}
	for _, st := range s.Subtasks {
		if st.Status != schema.SubtaskStatusCompleted {
			return false
		}
	}
	return true
}
