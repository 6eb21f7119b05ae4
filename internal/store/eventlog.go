package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/rendis/taskmesh/pkg/schema"
)

// AppendEvent appends an event at sequence expectedSeq+1.
//
// Optimistic concurrency: no lock is held across the I/O boundary. The insert
// targets the next sequence directly and the UNIQUE(workflow_id, sequence_no)
// constraint arbitrates races — of two writers appending from the same base,
// exactly one insert lands, the other receives a retryable CONFLICT with no
// side effects.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *Event, expectedSeq int64) error {
	if !schema.KnownAction(event.Action) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown action %q", event.Action).
			WithWorkflow(event.WorkflowID)
	}

	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	event.SequenceNo = expectedSeq + 1

	sig, err := s.signer.Sign(event.EventID, event.WorkflowID, event.SequenceNo,
		event.Action, event.StepID, event.Payload, event.Timestamp)
	if err != nil {
		return fmt.Errorf("sign event: %w", err)
	}
	event.Signature = sig

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO events (event_id, workflow_id, sequence_no, action, step_id, payload, timestamp, signature)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		event.EventID, event.WorkflowID, event.SequenceNo, string(event.Action),
		nullStr(event.StepID), nullRaw(event.Payload), event.Timestamp, event.Signature,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"sequence %d already taken (expected base %d)", event.SequenceNo, expectedSeq).
				WithWorkflow(event.WorkflowID).WithAction(event.Action).WithCause(err)
		}
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// GetEvents returns events with sequence_no > afterSeq, ordered ascending.
// Every returned event has its signature verified; a mismatch is fatal.
func (s *LibSQLStore) GetEvents(ctx context.Context, workflowID string, afterSeq int64) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT event_id, workflow_id, sequence_no, action, step_id, payload, timestamp, signature
		 FROM events WHERE workflow_id = ? AND sequence_no > ? ORDER BY sequence_no ASC`,
		workflowID, afterSeq)
}

// GetEventsUpTo returns events with sequence_no <= maxSeq, ordered ascending.
func (s *LibSQLStore) GetEventsUpTo(ctx context.Context, workflowID string, maxSeq int64) ([]*Event, error) {
	return s.queryEvents(ctx,
		`SELECT event_id, workflow_id, sequence_no, action, step_id, payload, timestamp, signature
		 FROM events WHERE workflow_id = ? AND sequence_no <= ? ORDER BY sequence_no ASC`,
		workflowID, maxSeq)
}

func (s *LibSQLStore) queryEvents(ctx context.Context, query string, args ...any) ([]*Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		e := &Event{}
		var stepID, payload sql.NullString
		var action string
		if err := rows.Scan(&e.EventID, &e.WorkflowID, &e.SequenceNo, &action,
			&stepID, &payload, &e.Timestamp, &e.Signature); err != nil {
			return nil, err
		}
		e.Action = schema.Action(action)
		e.StepID = stepID.String
		e.Payload = rawOrNil(payload)

		if err := s.signer.Verify(e.Signature, e.EventID, e.WorkflowID, e.SequenceNo,
			e.Action, e.StepID, e.Payload, e.Timestamp); err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// LatestSequence returns the current max sequence for a workflow, 0 if none.
func (s *LibSQLStore) LatestSequence(ctx context.Context, workflowID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence_no), 0) FROM events WHERE workflow_id = ?`, workflowID,
	).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("latest sequence: %w", err)
	}
	return seq, nil
}

// isUniqueViolation detects a UNIQUE constraint failure from the driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLITE_CONSTRAINT")
}
