package engine

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/pkg/schema"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestEngine(t *testing.T, opts ...Option) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(schema.NewSigner([]byte("test-key")))
	return New(st, testLogger(), opts...), st
}

func startWorkflow(t *testing.T, e *Engine, subtaskIDs ...string) string {
	t.Helper()
	ctx := context.Background()
	wf, err := e.CreateWorkflow(ctx, "")
	require.NoError(t, err)

	subtasks := make([]schema.SubtaskSpec, len(subtaskIDs))
	for i, id := range subtaskIDs {
		subtasks[i] = schema.SubtaskSpec{SubtaskID: id, Description: "work " + id}
	}
	payload := mustMarshal(t, schema.StartWorkflowPayload{
		Description: "test task",
		Subtasks:    subtasks,
	})
	_, err = e.Apply(ctx, wf.ID, schema.ActionStartWorkflow, payload)
	require.NoError(t, err)
	return wf.ID
}

func TestEngine_ApplyAppendsAndFolds(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")

	state, err := e.Apply(ctx, wfID, schema.ActionStartStep,
		mustMarshal(t, schema.StartStepPayload{SubtaskID: "step-1", AgentID: "agent-a"}))
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.AppliedEvents)
	assert.Equal(t, schema.SubtaskStatusDispatched, state.Subtasks["step-1"].Status)

	events, err := st.GetEvents(ctx, wfID, 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, schema.ActionStartWorkflow, events[0].Action)
	assert.Equal(t, schema.ActionStartStep, events[1].Action)
	assert.Equal(t, "step-1", events[1].StepID)
	assert.NotEmpty(t, events[1].Signature)
}

func TestEngine_ApplyRejectsInvalidTransition(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")

	// complete_workflow while a subtask is still open would be accepted by the
	// table; approve_gate with no open gate must not.
	_, err := e.Apply(ctx, wfID, schema.ActionApproveGate,
		mustMarshal(t, schema.ApproveGatePayload{ApprovalID: "ap-1"}))
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, meshErr.Code)

	// Nothing was appended.
	seq, err := st.LatestSequence(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestEngine_ApplyRejectsMalformedPayloadBeforeAppend(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")

	_, err := e.Apply(ctx, wfID, schema.ActionStartStep, json.RawMessage(`{"subtask_id":"step-1"}`))
	require.Error(t, err)

	seq, err := st.LatestSequence(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
}

func TestEngine_ReplayMatchesIncrementalState(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1", "step-2")
	_, err := e.Apply(ctx, wfID, schema.ActionStartStep,
		mustMarshal(t, schema.StartStepPayload{SubtaskID: "step-1", AgentID: "agent-a"}))
	require.NoError(t, err)
	last, err := e.Apply(ctx, wfID, schema.ActionCompleteStep,
		mustMarshal(t, schema.CompleteStepPayload{SubtaskID: "step-1"}))
	require.NoError(t, err)

	replayed, err := e.Replay(ctx, wfID, 0)
	require.NoError(t, err)

	wantBlob, err := last.Project()
	require.NoError(t, err)
	gotBlob, err := replayed.Project()
	require.NoError(t, err)
	assert.Equal(t, string(wantBlob), string(gotBlob))
}

func TestEngine_ReplayAsOfStopsEarly(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")
	_, err := e.Apply(ctx, wfID, schema.ActionStartStep,
		mustMarshal(t, schema.StartStepPayload{SubtaskID: "step-1", AgentID: "agent-a"}))
	require.NoError(t, err)
	_, err = e.Apply(ctx, wfID, schema.ActionCompleteStep,
		mustMarshal(t, schema.CompleteStepPayload{SubtaskID: "step-1"}))
	require.NoError(t, err)

	state, err := e.Replay(ctx, wfID, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(2), state.AppliedEvents)
	assert.Equal(t, schema.SubtaskStatusDispatched, state.Subtasks["step-1"].Status)
}

func TestEngine_SnapshotEquivalence(t *testing.T) {
	// Replay through a snapshot must produce the same projection as replay
	// from genesis over the full log.
	e, st := newTestEngine(t, WithSnapshotEvery(3))
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1", "step-2", "step-3")
	for _, id := range []string{"step-1", "step-2", "step-3"} {
		_, err := e.Apply(ctx, wfID, schema.ActionStartStep,
			mustMarshal(t, schema.StartStepPayload{SubtaskID: id, AgentID: "agent-a"}))
		require.NoError(t, err)
		_, err = e.Apply(ctx, wfID, schema.ActionCompleteStep,
			mustMarshal(t, schema.CompleteStepPayload{SubtaskID: id}))
		require.NoError(t, err)
	}

	snap, err := st.LatestSnapshot(ctx, wfID, 0)
	require.NoError(t, err)
	assert.Positive(t, snap.EventCount)

	viaSnapshot, err := e.Replay(ctx, wfID, 0)
	require.NoError(t, err)

	// Genesis fold over the raw log, bypassing snapshots entirely.
	fromGenesis := NewGenesisState(wfID)
	events, err := st.GetEvents(ctx, wfID, 0)
	require.NoError(t, err)
	for _, ev := range events {
		require.NoError(t, fromGenesis.Fold(ev))
	}

	snapBlob, err := viaSnapshot.Project()
	require.NoError(t, err)
	genesisBlob, err := fromGenesis.Project()
	require.NoError(t, err)
	assert.Equal(t, string(genesisBlob), string(snapBlob))
}

func TestEngine_SnapshotOnGateEntry(t *testing.T) {
	e, st := newTestEngine(t, WithSnapshotEvery(100))
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")
	_, err := e.RequestApproval(ctx, wfID, "step-1", "high risk deploy")
	require.NoError(t, err)

	snap, err := st.LatestSnapshot(ctx, wfID, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), snap.EventCount)
}

func TestEngine_StatusReflectsProjection(t *testing.T) {
	e, _ := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")

	wf, seq, err := e.Status(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusRunning, wf.Status)
	assert.Equal(t, int64(1), seq)
}

func TestEngine_ApplyRejectsArchivedWorkflow(t *testing.T) {
	e, st := newTestEngine(t)
	ctx := context.Background()

	wfID := startWorkflow(t, e, "step-1")
	_, err := e.Apply(ctx, wfID, schema.ActionStartStep,
		mustMarshal(t, schema.StartStepPayload{SubtaskID: "step-1", AgentID: "agent-a"}))
	require.NoError(t, err)
	_, err = e.Apply(ctx, wfID, schema.ActionCompleteStep,
		mustMarshal(t, schema.CompleteStepPayload{SubtaskID: "step-1"}))
	require.NoError(t, err)
	_, err = e.Apply(ctx, wfID, schema.ActionCompleteWorkflow, nil)
	require.NoError(t, err)

	archived, err := st.ArchiveEvents(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Positive(t, archived)

	// The log is gone; a replay would fold an empty history back to pending.
	// Completed stays completed.
	_, err = e.Apply(ctx, wfID, schema.ActionCancelWorkflow, nil)
	require.Error(t, err)
	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeInvalidTransition, meshErr.Code)

	wf, err := st.GetWorkflow(ctx, wfID)
	require.NoError(t, err)
	assert.Equal(t, schema.WorkflowStatusCompleted, wf.Status)
	assert.True(t, wf.Archived)

	seq, err := st.LatestSequence(ctx, wfID)
	require.NoError(t, err)
	assert.Zero(t, seq)
}

// conflictingStore injects append conflicts to exercise the retry loop.
type conflictingStore struct {
	store.Store
	mu        sync.Mutex
	conflicts int
}

func (c *conflictingStore) AppendEvent(ctx context.Context, event *store.Event, expectedSeq int64) error {
	c.mu.Lock()
	inject := c.conflicts > 0
	if inject {
		c.conflicts--
	}
	c.mu.Unlock()
	if inject {
		return schema.NewError(schema.ErrCodeConflict, "sequence already taken").
			WithWorkflow(event.WorkflowID)
	}
	return c.Store.AppendEvent(ctx, event, expectedSeq)
}

func TestEngine_ApplyRetriesOnConflict(t *testing.T) {
	inner := store.NewMemoryStore(schema.NewSigner([]byte("test-key")))
	cs := &conflictingStore{Store: inner, conflicts: 2}
	e := New(cs, testLogger())
	ctx := context.Background()

	wf, err := e.CreateWorkflow(ctx, "")
	require.NoError(t, err)

	state, err := e.Apply(ctx, wf.ID, schema.ActionStartWorkflow,
		mustMarshal(t, schema.StartWorkflowPayload{
			Description: "test",
			Subtasks:    []schema.SubtaskSpec{{SubtaskID: "step-1", Description: "work"}},
		}))
	require.NoError(t, err)
	assert.Equal(t, int64(1), state.AppliedEvents)
}

func TestEngine_ApplySurfacesPersistentConflict(t *testing.T) {
	inner := store.NewMemoryStore(schema.NewSigner([]byte("test-key")))
	cs := &conflictingStore{Store: inner, conflicts: 100}
	e := New(cs, testLogger())
	ctx := context.Background()

	wf, err := e.CreateWorkflow(ctx, "")
	require.NoError(t, err)

	_, err = e.Apply(ctx, wf.ID, schema.ActionStartWorkflow,
		mustMarshal(t, schema.StartWorkflowPayload{
			Description: "test",
			Subtasks:    []schema.SubtaskSpec{{SubtaskID: "step-1", Description: "work"}},
		}))
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeConflict, meshErr.Code)
	assert.True(t, meshErr.IsRetryable())
}
