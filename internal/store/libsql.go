package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/rendis/taskmesh/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db     *sql.DB
	signer *schema.Signer
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db". Events appended
// through this store are signed with the given signer and verified on read.
func NewLibSQLStore(dbPath string, signer *schema.Signer) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db, signer: signer}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// Vacuum runs VACUUM on the database.
func (s *LibSQLStore) Vacuum(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *Workflow) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, status, current_step, template_name, archived, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, string(wf.Status), nullStr(wf.CurrentStep), nullStr(wf.TemplateName),
		boolInt(wf.Archived), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*Workflow, error) {
	wf := &Workflow{}
	var currentStep, templateName sql.NullString
	var archived int
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT id, status, current_step, template_name, archived, created_at, updated_at
		 FROM workflows WHERE id = ?`, id,
	).Scan(&wf.ID, &status, &currentStep, &templateName, &archived, &wf.CreatedAt, &wf.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	if err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	wf.CurrentStep = currentStep.String
	wf.TemplateName = templateName.String
	wf.Archived = archived != 0
	return wf, nil
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentStep != nil {
		sets = append(sets, "current_step = ?")
		args = append(args, nullStr(*update.CurrentStep))
	}
	if update.Archived != nil {
		sets = append(sets, "archived = ?")
		args = append(args, boolInt(*update.Archived))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Archived != nil {
		where = append(where, "archived = ?")
		args = append(args, boolInt(*filter.Archived))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, status, current_step, template_name, archived, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*Workflow
	for rows.Next() {
		wf := &Workflow{}
		var currentStep, templateName sql.NullString
		var archived int
		var status string
		if err := rows.Scan(&wf.ID, &status, &currentStep, &templateName, &archived, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
			return nil, err
		}
		wf.Status = schema.WorkflowStatus(status)
		wf.CurrentStep = currentStep.String
		wf.TemplateName = templateName.String
		wf.Archived = archived != 0
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// --- Snapshots ---

func (s *LibSQLStore) SaveSnapshot(ctx context.Context, snap *Snapshot) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snapshots (snapshot_id, workflow_id, state_blob, event_count, created_at)
		 VALUES (?, ?, ?, ?, ?)`,
		snap.SnapshotID, snap.WorkflowID, string(snap.StateBlob), snap.EventCount, timeOrNow(snap.CreatedAt),
	)
	return err
}

// LatestSnapshot returns the snapshot with the greatest event_count <= maxEventCount.
// maxEventCount <= 0 means no bound. Returns NOT_FOUND if no snapshot qualifies.
func (s *LibSQLStore) LatestSnapshot(ctx context.Context, workflowID string, maxEventCount int64) (*Snapshot, error) {
	query := `SELECT snapshot_id, workflow_id, state_blob, event_count, created_at
		 FROM snapshots WHERE workflow_id = ?`
	args := []any{workflowID}
	if maxEventCount > 0 {
		query += ` AND event_count <= ?`
		args = append(args, maxEventCount)
	}
	query += ` ORDER BY event_count DESC LIMIT 1`

	snap := &Snapshot{}
	var blob string
	err := s.db.QueryRowContext(ctx, query, args...).
		Scan(&snap.SnapshotID, &snap.WorkflowID, &blob, &snap.EventCount, &snap.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("snapshot", workflowID)
	}
	if err != nil {
		return nil, err
	}
	snap.StateBlob = json.RawMessage(blob)
	return snap, nil
}

// PruneSnapshots deletes all but the keep most recent snapshots for a workflow.
func (s *LibSQLStore) PruneSnapshots(ctx context.Context, workflowID string, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM snapshots WHERE workflow_id = ? AND snapshot_id NOT IN (
			SELECT snapshot_id FROM snapshots WHERE workflow_id = ?
			ORDER BY event_count DESC LIMIT ?
		)`, workflowID, workflowID, keep,
	)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *LibSQLStore) ListSnapshotWorkflows(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT DISTINCT workflow_id FROM snapshots`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, ap *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (approval_id, workflow_id, subtask_id, rationale, status, requested_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ap.ApprovalID, ap.WorkflowID, ap.SubtaskID, nullStr(ap.Rationale),
		ApprovalStatusPending, timeOrNow(ap.RequestedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, approvalID string) (*Approval, error) {
	ap := &Approval{}
	var rationale, resolvedBy sql.NullString
	var remindedAt, resolvedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT approval_id, workflow_id, subtask_id, rationale, status, requested_at, reminded_at, resolved_by, resolved_at
		 FROM approvals WHERE approval_id = ?`, approvalID,
	).Scan(&ap.ApprovalID, &ap.WorkflowID, &ap.SubtaskID, &rationale, &ap.Status,
		&ap.RequestedAt, &remindedAt, &resolvedBy, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", approvalID)
	}
	if err != nil {
		return nil, err
	}
	ap.Rationale = rationale.String
	ap.ResolvedBy = resolvedBy.String
	if remindedAt.Valid {
		ap.RemindedAt = &remindedAt.Time
	}
	if resolvedAt.Valid {
		ap.ResolvedAt = &resolvedAt.Time
	}
	return ap, nil
}

// ResolveApproval transitions a pending approval to approved/rejected.
// The WHERE status guard makes resolution idempotent at the storage level:
// a second resolution affects zero rows and reports ALREADY_RESOLVED.
func (s *LibSQLStore) ResolveApproval(ctx context.Context, approvalID, status, resolvedBy string) error {
	if status != ApprovalStatusApproved && status != ApprovalStatusRejected {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid approval resolution status %q", status)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, resolved_by = ?, resolved_at = CURRENT_TIMESTAMP
		 WHERE approval_id = ? AND status = ?`,
		status, nullStr(resolvedBy), approvalID, ApprovalStatusPending,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, getErr := s.GetApproval(ctx, approvalID); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeAlreadyResolved, "approval %q already resolved", approvalID)
	}
	return nil
}

func (s *LibSQLStore) MarkApprovalReminded(ctx context.Context, approvalID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET reminded_at = ? WHERE approval_id = ?`, at, approvalID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "approval", approvalID)
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, filter ApprovalFilter) ([]*Approval, error) {
	var where []string
	var args []any

	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, filter.Status)
	}

	query := `SELECT approval_id, workflow_id, subtask_id, rationale, status, requested_at, reminded_at, resolved_by, resolved_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY requested_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		ap := &Approval{}
		var rationale, resolvedBy sql.NullString
		var remindedAt, resolvedAt sql.NullTime
		if err := rows.Scan(&ap.ApprovalID, &ap.WorkflowID, &ap.SubtaskID, &rationale, &ap.Status,
			&ap.RequestedAt, &remindedAt, &resolvedBy, &resolvedAt); err != nil {
			return nil, err
		}
		ap.Rationale = rationale.String
		ap.ResolvedBy = resolvedBy.String
		if remindedAt.Valid {
			ap.RemindedAt = &remindedAt.Time
		}
		if resolvedAt.Valid {
			ap.ResolvedAt = &resolvedAt.Time
		}
		approvals = append(approvals, ap)
	}
	return approvals, rows.Err()
}

// --- Agents ---

// SaveAgent replaces the full registration record; a later registration is
// the complete, current truth for that agent.
func (s *LibSQLStore) SaveAgent(ctx context.Context, agent *schema.AgentDescriptor) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO agents (agent_id, name, endpoint_ref, capabilities, last_heartbeat, registered_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   name=excluded.name, endpoint_ref=excluded.endpoint_ref,
		   capabilities=excluded.capabilities, last_heartbeat=excluded.last_heartbeat,
		   registered_at=excluded.registered_at`,
		agent.AgentID, agent.Name, nullStr(agent.EndpointRef), string(caps),
		nullTimeVal(agent.LastHeartbeat), timeOrNow(agent.RegisteredAt),
	)
	return err
}

func (s *LibSQLStore) GetAgent(ctx context.Context, agentID string) (*schema.AgentDescriptor, error) {
	a := &schema.AgentDescriptor{}
	var endpoint sql.NullString
	var capsJSON string
	var lastHeartbeat sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT agent_id, name, endpoint_ref, capabilities, last_heartbeat, registered_at
		 FROM agents WHERE agent_id = ?`, agentID,
	).Scan(&a.AgentID, &a.Name, &endpoint, &capsJSON, &lastHeartbeat, &a.RegisteredAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("agent", agentID)
	}
	if err != nil {
		return nil, err
	}
	a.EndpointRef = endpoint.String
	if lastHeartbeat.Valid {
		a.LastHeartbeat = lastHeartbeat.Time
	}
	if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
		return nil, fmt.Errorf("unmarshal capabilities: %w", err)
	}
	return a, nil
}

func (s *LibSQLStore) UpdateAgentHeartbeat(ctx context.Context, agentID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE agents SET last_heartbeat = ? WHERE agent_id = ?`, at, agentID,
	)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "agent", agentID)
}

func (s *LibSQLStore) ListAgents(ctx context.Context) ([]*schema.AgentDescriptor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT agent_id, name, endpoint_ref, capabilities, last_heartbeat, registered_at FROM agents ORDER BY agent_id`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var agents []*schema.AgentDescriptor
	for rows.Next() {
		a := &schema.AgentDescriptor{}
		var endpoint sql.NullString
		var capsJSON string
		var lastHeartbeat sql.NullTime
		if err := rows.Scan(&a.AgentID, &a.Name, &endpoint, &capsJSON, &lastHeartbeat, &a.RegisteredAt); err != nil {
			return nil, err
		}
		a.EndpointRef = endpoint.String
		if lastHeartbeat.Valid {
			a.LastHeartbeat = lastHeartbeat.Time
		}
		if err := json.Unmarshal([]byte(capsJSON), &a.Capabilities); err != nil {
			return nil, fmt.Errorf("unmarshal capabilities for %s: %w", a.AgentID, err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.MeshError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTimeVal(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
