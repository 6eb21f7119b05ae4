package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKnownAction(t *testing.T) {
	for _, a := range []Action{
		ActionStartWorkflow, ActionPauseWorkflow, ActionResumeWorkflow,
		ActionStartStep, ActionCompleteStep, ActionFailStep, ActionRetryStep,
		ActionRollbackStep, ActionRequestApproval, ActionApproveGate,
		ActionRejectGate, ActionCancelWorkflow, ActionCompleteWorkflow,
		ActionFailWorkflow,
	} {
		assert.True(t, KnownAction(a), "action %s should be known", a)
	}
	assert.False(t, KnownAction(Action("snapshot_created")))
	assert.False(t, KnownAction(Action("")))
}

func TestDecodePayload(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		payload string
		wantErr bool
	}{
		{
			name:    "start_workflow with subtasks",
			action:  ActionStartWorkflow,
			payload: `{"description":"deploy","subtasks":[{"subtask_id":"step-1","description":"deploy"}]}`,
		},
		{
			name:    "start_workflow without subtasks",
			action:  ActionStartWorkflow,
			payload: `{"description":"deploy","subtasks":[]}`,
			wantErr: true,
		},
		{
			name:    "start_step complete",
			action:  ActionStartStep,
			payload: `{"subtask_id":"step-1","agent_id":"agent-a"}`,
		},
		{
			name:    "start_step missing agent",
			action:  ActionStartStep,
			payload: `{"subtask_id":"step-1"}`,
			wantErr: true,
		},
		{
			name:    "complete_step",
			action:  ActionCompleteStep,
			payload: `{"subtask_id":"step-1","output":{"ok":true}}`,
		},
		{
			name:    "complete_step missing subtask",
			action:  ActionCompleteStep,
			payload: `{"output":{}}`,
			wantErr: true,
		},
		{
			name:    "retry_step with attempt",
			action:  ActionRetryStep,
			payload: `{"subtask_id":"step-1","attempt":2,"delay_ms":2000}`,
		},
		{
			name:    "retry_step attempt zero",
			action:  ActionRetryStep,
			payload: `{"subtask_id":"step-1","attempt":0}`,
			wantErr: true,
		},
		{
			name:    "request_approval high risk",
			action:  ActionRequestApproval,
			payload: `{"subtask_id":"step-1","approval_id":"ap-1","risk_level":"high"}`,
		},
		{
			name:    "request_approval low risk rejected",
			action:  ActionRequestApproval,
			payload: `{"subtask_id":"step-1","approval_id":"ap-1","risk_level":"low"}`,
			wantErr: true,
		},
		{
			name:    "request_approval missing approval id",
			action:  ActionRequestApproval,
			payload: `{"subtask_id":"step-1","risk_level":"high"}`,
			wantErr: true,
		},
		{
			name:    "approve_gate",
			action:  ActionApproveGate,
			payload: `{"approval_id":"ap-1","resolved_by":"alice"}`,
		},
		{
			name:    "approve_gate missing approval id",
			action:  ActionApproveGate,
			payload: `{}`,
			wantErr: true,
		},
		{
			name:    "cancel_workflow empty payload",
			action:  ActionCancelWorkflow,
			payload: ``,
		},
		{
			name:    "malformed json",
			action:  ActionCompleteStep,
			payload: `{"subtask_id":`,
			wantErr: true,
		},
		{
			name:    "unknown action",
			action:  Action("archive_marker"),
			payload: `{}`,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var raw json.RawMessage
			if tt.payload != "" {
				raw = json.RawMessage(tt.payload)
			}
			got, err := DecodePayload(tt.action, raw)
			if tt.wantErr {
				require.Error(t, err)
				meshErr, ok := err.(*MeshError)
				require.True(t, ok)
				assert.Equal(t, ErrCodeValidation, meshErr.Code)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, got)
		})
	}
}

func TestDecodePayload_TypedResult(t *testing.T) {
	raw := json.RawMessage(`{"subtask_id":"step-2","agent_id":"agent-b"}`)
	got, err := DecodePayload(ActionStartStep, raw)
	require.NoError(t, err)

	p, ok := got.(*StartStepPayload)
	require.True(t, ok)
	assert.Equal(t, "step-2", p.SubtaskID)
	assert.Equal(t, "agent-b", p.AgentID)
}
