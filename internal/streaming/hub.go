package streaming

import (
	"context"

	"github.com/rendis/taskmesh/pkg/schema"
)

// StreamEvent is a real-time notification emitted as workflow events are
// applied. It carries the event coordinates, not the payload; subscribers
// fetch full events from the log when they need them.
type StreamEvent struct {
	WorkflowID string        `json:"workflow_id"`
	StepID     string        `json:"step_id,omitempty"`
	Action     schema.Action `json:"action"`
	SequenceNo int64         `json:"sequence_no"`
}

// EventFilter specifies which events a subscriber wants to receive.
// Zero values match everything; AfterSeq lets a reconnecting subscriber
// skip coordinates it already processed from the log.
type EventFilter struct {
	WorkflowID string          `json:"workflow_id,omitempty"`
	Actions    []schema.Action `json:"actions,omitempty"`
	AfterSeq   int64           `json:"after_seq,omitempty"`
}

// Matches reports whether the event passes every filter criterion.
func (f EventFilter) Matches(e StreamEvent) bool {
	if f.WorkflowID != "" && f.WorkflowID != e.WorkflowID {
		return false
	}
	if f.AfterSeq > 0 && e.SequenceNo <= f.AfterSeq {
		return false
	}
	if len(f.Actions) == 0 {
		return true
	}
	for _, a := range f.Actions {
		if a == e.Action {
			return true
		}
	}
	return false
}

// EventHub provides pub/sub for real-time workflow events.
type EventHub interface {
	Publish(ctx context.Context, event StreamEvent) error
	Subscribe(ctx context.Context, filter EventFilter) (<-chan StreamEvent, func(), error)
}
