package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskmesh/pkg/schema"
)

// MemoryStore is an in-memory Store for tests and ephemeral runs. It enforces
// the same contracts as the libSQL store: append-only sequences with
// optimistic concurrency, signed events, guarded approval resolution.
type MemoryStore struct {
	signer *schema.Signer

	mu        sync.Mutex
	workflows map[string]*Workflow
	events    map[string][]*Event
	archive   map[string][]*Event
	summaries map[string][]*ArchivedSummary
	snapshots map[string][]*Snapshot
	approvals map[string]*Approval
	agents    map[string]*schema.AgentDescriptor
}

// NewMemoryStore creates an empty MemoryStore. A nil signer disables event
// signing and verification.
func NewMemoryStore(signer *schema.Signer) *MemoryStore {
	return &MemoryStore{
		signer:    signer,
		workflows: make(map[string]*Workflow),
		events:    make(map[string][]*Event),
		archive:   make(map[string][]*Event),
		summaries: make(map[string][]*ArchivedSummary),
		snapshots: make(map[string][]*Snapshot),
		approvals: make(map[string]*Approval),
		agents:    make(map[string]*schema.AgentDescriptor),
	}
}

// --- Workflows ---

func (m *MemoryStore) CreateWorkflow(_ context.Context, wf *Workflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.workflows[wf.ID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "workflow %q already exists", wf.ID)
	}
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *MemoryStore) GetWorkflow(_ context.Context, id string) (*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, storeNotFound("workflow", id)
	}
	cp := *wf
	return &cp, nil
}

func (m *MemoryStore) UpdateWorkflow(_ context.Context, id string, update WorkflowUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	wf, ok := m.workflows[id]
	if !ok {
		return storeNotFound("workflow", id)
	}
	if update.Status != nil {
		wf.Status = *update.Status
	}
	if update.CurrentStep != nil {
		wf.CurrentStep = *update.CurrentStep
	}
	if update.Archived != nil {
		wf.Archived = *update.Archived
	}
	wf.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) ListWorkflows(_ context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Workflow
	for _, wf := range m.workflows {
		if filter.Status != nil && wf.Status != *filter.Status {
			continue
		}
		if filter.Archived != nil && wf.Archived != *filter.Archived {
			continue
		}
		if filter.Since != nil && wf.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Event log ---

func (m *MemoryStore) AppendEvent(_ context.Context, event *Event, expectedSeq int64) error {
	if !schema.KnownAction(event.Action) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", event.Action).
			WithWorkflow(event.WorkflowID)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	log := m.events[event.WorkflowID]
	if int64(len(log)) != expectedSeq {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"sequence %d already taken (expected base %d)", expectedSeq+1, expectedSeq).
			WithWorkflow(event.WorkflowID).WithAction(event.Action)
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SequenceNo = expectedSeq + 1

	if m.signer != nil {
		sig, err := m.signer.Sign(event.EventID, event.WorkflowID, event.SequenceNo,
			event.Action, event.StepID, event.Payload, event.Timestamp)
		if err != nil {
			return err
		}
		event.Signature = sig
	}

	cp := *event
	m.events[event.WorkflowID] = append(log, &cp)
	return nil
}

func (m *MemoryStore) GetEvents(_ context.Context, workflowID string, afterSeq int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterEvents(workflowID, func(e *Event) bool { return e.SequenceNo > afterSeq })
}

func (m *MemoryStore) GetEventsUpTo(_ context.Context, workflowID string, maxSeq int64) ([]*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.filterEvents(workflowID, func(e *Event) bool { return e.SequenceNo <= maxSeq })
}

func (m *MemoryStore) filterEvents(workflowID string, keep func(*Event) bool) ([]*Event, error) {
	var out []*Event
	for _, e := range m.events[workflowID] {
		if !keep(e) {
			continue
		}
		if m.signer != nil {
			if err := m.signer.Verify(e.Signature, e.EventID, e.WorkflowID, e.SequenceNo,
				e.Action, e.StepID, e.Payload, e.Timestamp); err != nil {
				return nil, err
			}
		}
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

func (m *MemoryStore) LatestSequence(_ context.Context, workflowID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.events[workflowID])), nil
}

// --- Snapshots ---

func (m *MemoryStore) SaveSnapshot(_ context.Context, snap *Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *snap
	m.snapshots[snap.WorkflowID] = append(m.snapshots[snap.WorkflowID], &cp)
	return nil
}

func (m *MemoryStore) LatestSnapshot(_ context.Context, workflowID string, maxEventCount int64) (*Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var best *Snapshot
	for _, snap := range m.snapshots[workflowID] {
		if maxEventCount > 0 && snap.EventCount > maxEventCount {
			continue
		}
		if best == nil || snap.EventCount > best.EventCount {
			best = snap
		}
	}
	if best == nil {
		return nil, storeNotFound("snapshot", workflowID)
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryStore) PruneSnapshots(_ context.Context, workflowID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	snaps := m.snapshots[workflowID]
	if len(snaps) <= keep {
		return 0, nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].EventCount > snaps[j].EventCount })
	pruned := len(snaps) - keep
	m.snapshots[workflowID] = snaps[:keep]
	return pruned, nil
}

func (m *MemoryStore) ListSnapshotWorkflows(_ context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id := range m.snapshots {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// --- Approvals ---

func (m *MemoryStore) CreateApproval(_ context.Context, ap *Approval) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.approvals[ap.ApprovalID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already exists", ap.ApprovalID)
	}
	cp := *ap
	if cp.Status == "" {
		cp.Status = ApprovalStatusPending
	}
	m.approvals[ap.ApprovalID] = &cp
	return nil
}

func (m *MemoryStore) GetApproval(_ context.Context, approvalID string) (*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[approvalID]
	if !ok {
		return nil, storeNotFound("approval", approvalID)
	}
	cp := *ap
	return &cp, nil
}

func (m *MemoryStore) ResolveApproval(_ context.Context, approvalID, status, resolvedBy string) error {
	if status != ApprovalStatusApproved && status != ApprovalStatusRejected {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid approval resolution status %q", status)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[approvalID]
	if !ok {
		return storeNotFound("approval", approvalID)
	}
	if ap.Status != ApprovalStatusPending {
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %q already resolved", approvalID)
	}
	now := time.Now().UTC()
	ap.Status = status
	ap.ResolvedBy = resolvedBy
	ap.ResolvedAt = &now
	return nil
}

func (m *MemoryStore) MarkApprovalReminded(_ context.Context, approvalID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ap, ok := m.approvals[approvalID]
	if !ok {
		return storeNotFound("approval", approvalID)
	}
	ap.RemindedAt = &at
	return nil
}

func (m *MemoryStore) ListApprovals(_ context.Context, filter ApprovalFilter) ([]*Approval, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Approval
	for _, ap := range m.approvals {
		if filter.WorkflowID != "" && ap.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && ap.Status != filter.Status {
			continue
		}
		cp := *ap
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestedAt.Before(out[j].RequestedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Agents ---

func (m *MemoryStore) SaveAgent(_ context.Context, agent *schema.AgentDescriptor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *agent
	m.agents[agent.AgentID] = &cp
	return nil
}

func (m *MemoryStore) GetAgent(_ context.Context, agentID string) (*schema.AgentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return nil, storeNotFound("agent", agentID)
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) UpdateAgentHeartbeat(_ context.Context, agentID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return storeNotFound("agent", agentID)
	}
	agent.LastHeartbeat = at
	agent.Status = schema.AgentStatusActive
	return nil
}

func (m *MemoryStore) ListAgents(_ context.Context) ([]*schema.AgentDescriptor, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*schema.AgentDescriptor
	for _, agent := range m.agents {
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AgentID < out[j].AgentID })
	return out, nil
}

// --- Archival ---

func (m *MemoryStore) ArchiveEvents(ctx context.Context, olderThan time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	archived := 0
	now := time.Now().UTC()
	for id, wf := range m.workflows {
		if wf.Archived || !wf.Status.Terminal() || !wf.UpdatedAt.Before(olderThan) {
			continue
		}
		for _, e := range m.events[id] {
			summary, err := summarizeEvent(ctx, e)
			if err != nil {
				return archived, err
			}
			m.archive[id] = append(m.archive[id], e)
			m.summaries[id] = append(m.summaries[id], &ArchivedSummary{
				WorkflowID: e.WorkflowID,
				SequenceNo: e.SequenceNo,
				Action:     e.Action,
				StepID:     e.StepID,
				Summary:    summary,
				Timestamp:  e.Timestamp,
				ArchivedAt: now,
			})
			archived++
		}
		delete(m.events, id)
		wf.Archived = true
		wf.UpdatedAt = now
	}
	return archived, nil
}

func (m *MemoryStore) ArchivedSummaries(_ context.Context, workflowID string) ([]*ArchivedSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ArchivedSummary, len(m.summaries[workflowID]))
	copy(out, m.summaries[workflowID])
	return out, nil
}

// --- Maintenance ---

func (m *MemoryStore) Migrate(_ context.Context) error { return nil }
func (m *MemoryStore) Vacuum(_ context.Context) error  { return nil }
func (m *MemoryStore) Close() error                    { return nil }
