package store

import (
	"context"
	"time"

	"github.com/rendis/taskmesh/pkg/schema"
)

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Workflows
	CreateWorkflow(ctx context.Context, wf *Workflow) error
	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// Event log (append-only, optimistic concurrency)
	AppendEvent(ctx context.Context, event *Event, expectedSeq int64) error
	GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]*Event, error)
	GetEventsUpTo(ctx context.Context, workflowID string, maxSeq int64) ([]*Event, error)
	LatestSequence(ctx context.Context, workflowID string) (int64, error)

	// Snapshots
	SaveSnapshot(ctx context.Context, snap *Snapshot) error
	LatestSnapshot(ctx context.Context, workflowID string, maxEventCount int64) (*Snapshot, error)
	PruneSnapshots(ctx context.Context, workflowID string, keep int) (int, error)
	ListSnapshotWorkflows(ctx context.Context) ([]string, error)

	// Approvals
	CreateApproval(ctx context.Context, ap *Approval) error
	GetApproval(ctx context.Context, approvalID string) (*Approval, error)
	ResolveApproval(ctx context.Context, approvalID, status, resolvedBy string) error
	MarkApprovalReminded(ctx context.Context, approvalID string, at time.Time) error
	ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error)

	// Agents
	SaveAgent(ctx context.Context, agent *schema.AgentDescriptor) error
	GetAgent(ctx context.Context, agentID string) (*schema.AgentDescriptor, error)
	UpdateAgentHeartbeat(ctx context.Context, agentID string, at time.Time) error
	ListAgents(ctx context.Context) ([]*schema.AgentDescriptor, error)

	// Archival
	ArchiveEvents(ctx context.Context, olderThan time.Time) (int, error)
	ArchivedSummaries(ctx context.Context, workflowID string) ([]*ArchivedSummary, error)

	// Maintenance
	Migrate(ctx context.Context) error
	Vacuum(ctx context.Context) error

	// Lifecycle
	Close() error
}
