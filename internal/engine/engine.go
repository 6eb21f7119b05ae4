package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskmesh/internal/logging"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/streaming"
	"github.com/rendis/taskmesh/pkg/schema"
)

const (
	defaultSnapshotEvery   = 10
	defaultMaxApplyRetries = 3
)

// Engine owns the workflow state machine. Every state transition is an
// appended event; current state is always reconstructable from the latest
// snapshot plus trailing events.
type Engine struct {
	store    store.Store
	hub      streaming.EventHub
	notifier ApprovalNotifier
	logger   *slog.Logger

	snapshotEvery   int64
	maxApplyRetries int
}

// Option configures an Engine.
type Option func(*Engine)

// WithSnapshotEvery overrides the automatic snapshot interval.
func WithSnapshotEvery(n int64) Option {
	return func(e *Engine) {
		if n > 0 {
			e.snapshotEvery = n
		}
	}
}

// WithHub attaches a streaming hub; applied events are republished to it
// best-effort.
func WithHub(hub streaming.EventHub) Option {
	return func(e *Engine) { e.hub = hub }
}

// New creates a workflow engine on top of the given store.
func New(s store.Store, logger *slog.Logger, opts ...Option) *Engine {
	e := &Engine{
		store:           s,
		logger:          logger,
		snapshotEvery:   defaultSnapshotEvery,
		maxApplyRetries: defaultMaxApplyRetries,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateWorkflow registers a new workflow in pending status.
func (e *Engine) CreateWorkflow(ctx context.Context, templateName string) (*store.Workflow, error) {
	wf := &store.Workflow{
		ID:           uuid.New().String(),
		Status:       schema.WorkflowStatusPending,
		TemplateName: templateName,
		CreatedAt:    time.Now().UTC(),
		UpdatedAt:    time.Now().UTC(),
	}
	if err := e.store.CreateWorkflow(ctx, wf); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create workflow: %s", err.Error()).WithCause(err)
	}
	return wf, nil
}

// Apply validates and appends one action to a workflow's event log.
//
// The transition table is consulted before any append is attempted;
// disallowed (status, action) pairs fail without side effects. The append
// itself uses optimistic concurrency: a losing writer reloads current state
// and reapplies, up to maxApplyRetries, before surfacing the conflict.
func (e *Engine) Apply(ctx context.Context, workflowID string, action schema.Action, payload json.RawMessage) (*WorkflowState, error) {
	if _, err := schema.DecodePayload(action, payload); err != nil {
		return nil, err
	}

	// Archived workflows have had their events moved to cold storage; a
	// replay would fold from an empty log and resurrect a terminal workflow.
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Archived {
		return nil, schema.NewError(schema.ErrCodeInvalidTransition,
			"workflow is archived and accepts no further actions").
			WithWorkflow(workflowID).WithAction(action)
	}

	var lastErr error
	for attempt := 0; attempt < e.maxApplyRetries; attempt++ {
		state, err := e.Replay(ctx, workflowID, 0)
		if err != nil {
			return nil, err
		}

		if _, err := NextStatus(state.Status, action); err != nil {
			return nil, err
		}

		event := &store.Event{
			WorkflowID: workflowID,
			Action:     action,
			StepID:     stepIDFor(action, payload),
			Payload:    payload,
		}

		err = e.store.AppendEvent(ctx, event, state.AppliedEvents)
		if err != nil {
			var meshErr *schema.MeshError
			if errors.As(err, &meshErr) && meshErr.Code == schema.ErrCodeConflict {
				lastErr = err
				continue // another writer won the race; reload and reapply
			}
			return nil, err
		}

		if err := state.Fold(event); err != nil {
			return nil, err
		}

		e.persistProjection(ctx, state)
		e.maybeSnapshot(ctx, state)
		e.publish(ctx, event)

		logging.LogWith(ctx, e.logger).Debug("event applied",
			slog.String("workflow_id", workflowID),
			slog.String("action", string(action)),
			slog.Int64("sequence_no", event.SequenceNo),
		)
		return state, nil
	}

	return nil, schema.NewErrorf(schema.ErrCodeConflict,
		"append contention persisted after %d attempts", e.maxApplyRetries).
		WithWorkflow(workflowID).WithAction(action).WithCause(lastErr)
}

// Replay reconstructs workflow state from the latest usable snapshot plus
// trailing events. asOf <= 0 means full history. Replaying from genesis and
// replaying from any valid snapshot produce identical projections.
func (e *Engine) Replay(ctx context.Context, workflowID string, asOf int64) (*WorkflowState, error) {
	state := NewGenesisState(workflowID)

	snap, err := e.store.LatestSnapshot(ctx, workflowID, asOf)
	switch {
	case err == nil:
		restored := NewGenesisState(workflowID)
		if err := json.Unmarshal(snap.StateBlob, restored); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeFatal,
				"corrupt snapshot %s: %s", snap.SnapshotID, err.Error()).
				WithWorkflow(workflowID).WithCause(err)
		}
		if restored.Subtasks == nil {
			restored.Subtasks = make(map[string]*SubtaskState)
		}
		state = restored
	case isNotFound(err):
		// No snapshot; fold from genesis.
	default:
		return nil, err
	}

	var events []*store.Event
	if asOf > 0 {
		events, err = e.store.GetEventsUpTo(ctx, workflowID, asOf)
	} else {
		events, err = e.store.GetEvents(ctx, workflowID, state.AppliedEvents)
	}
	if err != nil {
		return nil, err
	}

	for _, ev := range events {
		if ev.SequenceNo <= state.AppliedEvents {
			continue // covered by the snapshot
		}
		if err := state.Fold(ev); err != nil {
			e.markFailed(ctx, workflowID)
			return nil, err
		}
	}
	return state, nil
}

// Snapshot forces a snapshot of current state and returns its reference.
func (e *Engine) Snapshot(ctx context.Context, workflowID string) (*store.Snapshot, error) {
	state, err := e.Replay(ctx, workflowID, 0)
	if err != nil {
		return nil, err
	}
	return e.saveSnapshot(ctx, state)
}

func (e *Engine) saveSnapshot(ctx context.Context, state *WorkflowState) (*store.Snapshot, error) {
	blob, err := state.Project()
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "project state: %s", err.Error()).
			WithWorkflow(state.WorkflowID).WithCause(err)
	}
	snap := &store.Snapshot{
		SnapshotID: uuid.New().String(),
		WorkflowID: state.WorkflowID,
		StateBlob:  blob,
		EventCount: state.AppliedEvents,
		CreatedAt:  time.Now().UTC(),
	}
	if err := e.store.SaveSnapshot(ctx, snap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "save snapshot: %s", err.Error()).
			WithWorkflow(state.WorkflowID).WithCause(err)
	}
	return snap, nil
}

// maybeSnapshot applies the snapshot policy: every snapshotEvery applied
// events, and on entering paused or approval_pending. Pruning of old
// snapshots happens asynchronously in the maintenance scheduler.
func (e *Engine) maybeSnapshot(ctx context.Context, state *WorkflowState) {
	due := state.AppliedEvents > 0 && state.AppliedEvents%e.snapshotEvery == 0
	gate := state.Status == schema.WorkflowStatusPaused ||
		state.Status == schema.WorkflowStatusApprovalPending
	if !due && !gate {
		return
	}
	if _, err := e.saveSnapshot(ctx, state); err != nil {
		logging.LogWith(ctx, e.logger).Warn("snapshot failed",
			slog.String("workflow_id", state.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}

// persistProjection mirrors the folded status into the workflow row so that
// status queries never need a replay. The event log remains authoritative.
func (e *Engine) persistProjection(ctx context.Context, state *WorkflowState) {
	status := state.Status
	step := state.CurrentStep
	if err := e.store.UpdateWorkflow(ctx, state.WorkflowID, store.WorkflowUpdate{
		Status:      &status,
		CurrentStep: &step,
	}); err != nil {
		logging.LogWith(ctx, e.logger).Warn("workflow projection update failed",
			slog.String("workflow_id", state.WorkflowID),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) markFailed(ctx context.Context, workflowID string) {
	status := schema.WorkflowStatusFailed
	_ = e.store.UpdateWorkflow(ctx, workflowID, store.WorkflowUpdate{Status: &status})
}

func (e *Engine) publish(ctx context.Context, event *store.Event) {
	if e.hub == nil {
		return
	}
	_ = e.hub.Publish(ctx, streaming.StreamEvent{
		WorkflowID: event.WorkflowID,
		StepID:     event.StepID,
		Action:     event.Action,
		SequenceNo: event.SequenceNo,
	})
}

// Status answers the status query from the projection row plus the latest
// sequence. It always reflects the last successfully applied event.
func (e *Engine) Status(ctx context.Context, workflowID string) (*store.Workflow, int64, error) {
	wf, err := e.store.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, 0, err
	}
	seq, err := e.store.LatestSequence(ctx, workflowID)
	if err != nil {
		return nil, 0, err
	}
	return wf, seq, nil
}

// stepIDFor extracts the step ID for the event row without re-decoding the
// full payload shape.
func stepIDFor(action schema.Action, payload json.RawMessage) string {
	switch action {
	case schema.ActionStartStep, schema.ActionCompleteStep, schema.ActionFailStep,
		schema.ActionRetryStep, schema.ActionRollbackStep, schema.ActionRequestApproval:
		var p struct {
			SubtaskID string `json:"subtask_id"`
		}
		_ = json.Unmarshal(payload, &p)
		return p.SubtaskID
	}
	return ""
}

func isNotFound(err error) bool {
	var meshErr *schema.MeshError
	return errors.As(err, &meshErr) && meshErr.Code == schema.ErrCodeNotFound
}
