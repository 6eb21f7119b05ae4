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
	"github.com/rendis/taskmesh/pkg/schema"
)

// ApprovalDecision is the human verdict on an open gate.
type ApprovalDecision string

const (
	DecisionApprove ApprovalDecision = "approve"
	DecisionReject  ApprovalDecision = "reject"
)

// ApprovalNotifier pushes approval lifecycle notifications to humans.
// Implementations must not block workflow execution; failures are logged
// and the gate stays open regardless.
type ApprovalNotifier interface {
	ApprovalRequested(ctx context.Context, ap *store.Approval) error
	ApprovalReminder(ctx context.Context, ap *store.Approval) error
}

// WithNotifier attaches an approval notifier to the engine.
func WithNotifier(n ApprovalNotifier) Option {
	return func(e *Engine) { e.notifier = n }
}

// SetNotifier attaches the notifier after construction. The transport layer
// is built on top of the engine, so wiring closes the loop here.
func (e *Engine) SetNotifier(n ApprovalNotifier) {
	e.notifier = n
}

// RequestApproval opens a human gate for a high-risk subtask: it records the
// approval row, appends a request_approval event moving the workflow to
// approval_pending, and notifies best-effort.
func (e *Engine) RequestApproval(ctx context.Context, workflowID, subtaskID, rationale string) (*store.Approval, error) {
	ap := &store.Approval{
		ApprovalID:  uuid.New().String(),
		WorkflowID:  workflowID,
		SubtaskID:   subtaskID,
		Rationale:   rationale,
		Status:      store.ApprovalStatusPending,
		RequestedAt: time.Now().UTC(),
	}
	if err := e.store.CreateApproval(ctx, ap); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStore, "create approval: %s", err.Error()).
			WithWorkflow(workflowID).WithSubtask(subtaskID).WithCause(err)
	}

	payload, _ := json.Marshal(schema.RequestApprovalPayload{
		SubtaskID:  subtaskID,
		ApprovalID: ap.ApprovalID,
		RiskLevel:  schema.RiskHigh,
		Rationale:  rationale,
	})
	if _, err := e.Apply(ctx, workflowID, schema.ActionRequestApproval, payload); err != nil {
		return nil, err
	}

	if e.notifier != nil {
		if err := e.notifier.ApprovalRequested(ctx, ap); err != nil {
			logging.LogWith(ctx, e.logger).Warn("approval notification failed",
				slog.String("approval_id", ap.ApprovalID),
				slog.String("error", err.Error()),
			)
		}
	}
	return ap, nil
}

// ResolveApproval records a human decision on an open gate.
//
// Resolution is idempotent: the approval row is flipped with a guarded update
// first, and only the winner appends the gate event. A second resolution of
// the same gate fails with ALREADY_RESOLVED and leaves the log untouched.
func (e *Engine) ResolveApproval(ctx context.Context, approvalID string, decision ApprovalDecision, resolvedBy, reason string) (*WorkflowState, error) {
	var status string
	switch decision {
	case DecisionApprove:
		status = store.ApprovalStatusApproved
	case DecisionReject:
		status = store.ApprovalStatusRejected
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown decision %q", decision)
	}

	ap, err := e.store.GetApproval(ctx, approvalID)
	if err != nil {
		return nil, err
	}

	if err := e.store.ResolveApproval(ctx, approvalID, status, resolvedBy); err != nil {
		return nil, err
	}

	var action schema.Action
	var payload []byte
	if decision == DecisionApprove {
		action = schema.ActionApproveGate
		payload, _ = json.Marshal(schema.ApproveGatePayload{
			ApprovalID: approvalID,
			ResolvedBy: resolvedBy,
		})
	} else {
		action = schema.ActionRejectGate
		payload, _ = json.Marshal(schema.RejectGatePayload{
			ApprovalID: approvalID,
			ResolvedBy: resolvedBy,
			Reason:     reason,
		})
	}

	state, err := e.Apply(ctx, ap.WorkflowID, action, payload)
	if err != nil {
		return nil, err
	}

	logging.LogWith(ctx, e.logger).Info("approval resolved",
		slog.String("workflow_id", ap.WorkflowID),
		slog.String("approval_id", approvalID),
		slog.String("decision", string(decision)),
		slog.String("resolved_by", resolvedBy),
	)
	return state, nil
}

// RemindPendingApprovals sends one reminder for each gate that has been open
// longer than grace and has not been reminded yet. It never resolves gates.
func (e *Engine) RemindPendingApprovals(ctx context.Context, grace time.Duration) (int, error) {
	pending, err := e.store.ListApprovals(ctx, store.ApprovalFilter{
		Status: store.ApprovalStatusPending,
	})
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().UTC().Add(-grace)
	reminded := 0
	for _, ap := range pending {
		if ap.RequestedAt.After(cutoff) || ap.RemindedAt != nil {
			continue
		}
		if e.notifier != nil {
			if err := e.notifier.ApprovalReminder(ctx, ap); err != nil {
				logging.LogWith(ctx, e.logger).Warn("approval reminder failed",
					slog.String("approval_id", ap.ApprovalID),
					slog.String("error", err.Error()),
				)
				continue
			}
		}
		if err := e.store.MarkApprovalReminded(ctx, ap.ApprovalID, time.Now().UTC()); err != nil {
			return reminded, err
		}
		reminded++
	}
	return reminded, nil
}

// IsAlreadyResolved reports whether err is the duplicate-resolution error.
func IsAlreadyResolved(err error) bool {
	var meshErr *schema.MeshError
	return errors.As(err, &meshErr) && meshErr.Code == schema.ErrCodeAlreadyResolved
}
