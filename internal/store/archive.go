package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/taskmesh/internal/expressions"
	"github.com/rendis/taskmesh/pkg/schema"
)

// summaryProgram is the jq projection applied to each event before it moves
// to cold storage. The projection keeps the small, queryable facts; the full
// payload lives on in events_archive only.
const summaryProgram = `{subtask: (.payload.subtask_id? // null), agent: (.payload.agent_id? // null), error: (.payload.error? // null), attempt: (.payload.attempt? // null)}`

var archiveJQ = expressions.NewJQEngine()

// ArchiveEvents moves events of terminal workflows last updated before
// olderThan into cold storage, writing a jq-projected summary row per event.
// Live workflows are never touched so replay invariants hold. Returns the
// number of archived events.
func (s *LibSQLStore) ArchiveEvents(ctx context.Context, olderThan time.Time) (int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id FROM workflows
		 WHERE archived = 0 AND updated_at < ?
		   AND status IN (?, ?, ?)`,
		olderThan,
		string(schema.WorkflowStatusCompleted),
		string(schema.WorkflowStatusFailed),
		string(schema.WorkflowStatusCancelled),
	)
	if err != nil {
		return 0, fmt.Errorf("list archivable workflows: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	archived := 0
	for _, id := range ids {
		n, err := s.archiveWorkflow(ctx, id)
		if err != nil {
			return archived, err
		}
		archived += n
	}
	return archived, nil
}

// archiveWorkflow moves one workflow's events to cold storage atomically.
func (s *LibSQLStore) archiveWorkflow(ctx context.Context, workflowID string) (int, error) {
	events, err := s.GetEvents(ctx, workflowID, 0)
	if err != nil {
		return 0, fmt.Errorf("load events for archive: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin archive tx: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	for _, e := range events {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO events_archive (event_id, workflow_id, sequence_no, action, step_id, payload, timestamp, signature, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			e.EventID, e.WorkflowID, e.SequenceNo, string(e.Action),
			nullStr(e.StepID), nullRaw(e.Payload), e.Timestamp, e.Signature, now,
		); err != nil {
			return 0, fmt.Errorf("insert archive row: %w", err)
		}

		summary, err := summarizeEvent(ctx, e)
		if err != nil {
			return 0, err
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO archive_summaries (workflow_id, sequence_no, action, step_id, summary, timestamp, archived_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			e.WorkflowID, e.SequenceNo, string(e.Action), nullStr(e.StepID),
			nullRaw(summary), e.Timestamp, now,
		); err != nil {
			return 0, fmt.Errorf("insert archive summary: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM events WHERE workflow_id = ?`, workflowID); err != nil {
		return 0, fmt.Errorf("delete archived events: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE workflows SET archived = 1, updated_at = CURRENT_TIMESTAMP WHERE id = ?`, workflowID); err != nil {
		return 0, fmt.Errorf("flag workflow archived: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit archive: %w", err)
	}
	return len(events), nil
}

// summarizeEvent runs the jq projection over one event.
func summarizeEvent(ctx context.Context, e *Event) (json.RawMessage, error) {
	var payload any
	if len(e.Payload) > 0 {
		if err := json.Unmarshal(e.Payload, &payload); err != nil {
			return nil, fmt.Errorf("decode payload for summary: %w", err)
		}
	}
	input := map[string]any{
		"action":  string(e.Action),
		"step_id": e.StepID,
		"payload": payload,
	}
	out, err := archiveJQ.Evaluate(ctx, summaryProgram, input)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, nil
	}
	return json.Marshal(out)
}

// ArchivedSummaries returns the queryable metadata rows for an archived workflow.
func (s *LibSQLStore) ArchivedSummaries(ctx context.Context, workflowID string) ([]*ArchivedSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, sequence_no, action, step_id, summary, timestamp, archived_at
		 FROM archive_summaries WHERE workflow_id = ? ORDER BY sequence_no ASC`, workflowID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*ArchivedSummary
	for rows.Next() {
		as := &ArchivedSummary{}
		var stepID, summary sql.NullString
		var action string
		if err := rows.Scan(&as.WorkflowID, &as.SequenceNo, &action, &stepID,
			&summary, &as.Timestamp, &as.ArchivedAt); err != nil {
			return nil, err
		}
		as.Action = schema.Action(action)
		as.StepID = stepID.String
		as.Summary = rawOrNil(summary)
		summaries = append(summaries, as)
	}
	return summaries, rows.Err()
}
