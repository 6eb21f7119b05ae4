package store

import (
	"encoding/json"
	"time"

	"github.com/rendis/taskmesh/pkg/schema"
)

// Workflow is the persisted representation of a workflow execution.
// Rows are never deleted; after the retention window they are flagged archived.
type Workflow struct {
	ID           string                `json:"id"`
	Status       schema.WorkflowStatus `json:"status"`
	CurrentStep  string                `json:"current_step,omitempty"`
	TemplateName string                `json:"template_name,omitempty"`
	Archived     bool                  `json:"archived,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
	UpdatedAt    time.Time             `json:"updated_at"`
}

// Event is an immutable entry in the per-workflow event log.
// SequenceNo is strictly monotonic per workflow; Signature is a tamper-evident
// HMAC over the canonical encoding of the other fields.
type Event struct {
	EventID    string          `json:"event_id"`
	WorkflowID string          `json:"workflow_id"`
	SequenceNo int64           `json:"sequence_no"`
	Action     schema.Action   `json:"action"`
	StepID     string          `json:"step_id,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Signature  string          `json:"signature"`
}

// Snapshot is a cached fold of all events up to EventCount.
// Purely an optimization: deleting every snapshot changes replay cost only.
type Snapshot struct {
	SnapshotID string          `json:"snapshot_id"`
	WorkflowID string          `json:"workflow_id"`
	StateBlob  json.RawMessage `json:"state_blob"`
	EventCount int64           `json:"event_count"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Approval is one human approval gate instance.
type Approval struct {
	ApprovalID  string     `json:"approval_id"`
	WorkflowID  string     `json:"workflow_id"`
	SubtaskID   string     `json:"subtask_id"`
	Rationale   string     `json:"rationale,omitempty"`
	Status      string     `json:"status"` // pending, approved, rejected
	RequestedAt time.Time  `json:"requested_at"`
	RemindedAt  *time.Time `json:"reminded_at,omitempty"`
	ResolvedBy  string     `json:"resolved_by,omitempty"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Approval status values.
const (
	ApprovalStatusPending  = "pending"
	ApprovalStatusApproved = "approved"
	ApprovalStatusRejected = "rejected"
)

// ArchivedSummary is the queryable metadata projection of an archived event,
// derived by the archival jq program before the full row moves to cold storage.
type ArchivedSummary struct {
	WorkflowID string          `json:"workflow_id"`
	SequenceNo int64           `json:"sequence_no"`
	Action     schema.Action   `json:"action"`
	StepID     string          `json:"step_id,omitempty"`
	Summary    json.RawMessage `json:"summary,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	ArchivedAt time.Time       `json:"archived_at"`
}

// WorkflowFilter specifies criteria for listing workflows.
type WorkflowFilter struct {
	Status   *schema.WorkflowStatus `json:"status,omitempty"`
	Archived *bool                  `json:"archived,omitempty"`
	Since    *time.Time             `json:"since,omitempty"`
	Limit    int                    `json:"limit,omitempty"`
}

// WorkflowUpdate specifies mutable fields of a workflow row.
type WorkflowUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	CurrentStep *string                `json:"current_step,omitempty"`
	Archived    *bool                  `json:"archived,omitempty"`
}

// ApprovalFilter specifies criteria for listing approvals.
type ApprovalFilter struct {
	WorkflowID string `json:"workflow_id,omitempty"`
	Status     string `json:"status,omitempty"`
	Limit      int    `json:"limit,omitempty"`
}
