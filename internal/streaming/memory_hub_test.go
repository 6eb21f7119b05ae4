package streaming

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/pkg/schema"
)

func recv(t *testing.T, ch <-chan StreamEvent) StreamEvent {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return StreamEvent{}
	}
}

func assertEmpty(t *testing.T, ch <-chan StreamEvent) {
	t.Helper()
	select {
	case e := <-ch:
		t.Fatalf("unexpected event: %+v", e)
	default:
	}
}

func TestMemoryHub_PublishReachesSubscriber(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	event := StreamEvent{
		WorkflowID: "wf-1",
		StepID:     "step-1",
		Action:     schema.ActionStartStep,
		SequenceNo: 4,
	}
	require.NoError(t, hub.Publish(ctx, event))
	assert.Equal(t, event, recv(t, ch))
}

func TestMemoryHub_WorkflowFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1"})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-2", Action: schema.ActionStartWorkflow}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Action: schema.ActionStartWorkflow}))

	got := recv(t, ch)
	assert.Equal(t, "wf-1", got.WorkflowID)
	assertEmpty(t, ch)
}

func TestMemoryHub_ActionFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{
		Actions: []schema.Action{schema.ActionCompleteWorkflow, schema.ActionFailWorkflow},
	})
	require.NoError(t, err)
	defer cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Action: schema.ActionStartStep}))
	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Action: schema.ActionFailWorkflow}))

	got := recv(t, ch)
	assert.Equal(t, schema.ActionFailWorkflow, got.Action)
	assertEmpty(t, ch)
}

func TestMemoryHub_AfterSeqFilter(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	// A reconnecting subscriber has already read the log up to sequence 3.
	ch, cancel, err := hub.Subscribe(ctx, EventFilter{WorkflowID: "wf-1", AfterSeq: 3})
	require.NoError(t, err)
	defer cancel()

	for seq := int64(1); seq <= 5; seq++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{
			WorkflowID: "wf-1",
			Action:     schema.ActionCompleteStep,
			SequenceNo: seq,
		}))
	}

	assert.Equal(t, int64(4), recv(t, ch).SequenceNo)
	assert.Equal(t, int64(5), recv(t, ch).SequenceNo)
	assertEmpty(t, ch)
}

func TestMemoryHub_CancelStopsDelivery(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	cancel()

	require.NoError(t, hub.Publish(ctx, StreamEvent{WorkflowID: "wf-1", Action: schema.ActionStartWorkflow}))
	assertEmpty(t, ch)
}

func TestMemoryHub_SlowSubscriberDropsNotBlocks(t *testing.T) {
	hub := NewMemoryHub()
	ctx := context.Background()

	ch, cancel, err := hub.Subscribe(ctx, EventFilter{})
	require.NoError(t, err)
	defer cancel()

	// Fill the buffer and keep publishing; Publish must never block.
	for i := 0; i < subscriptionBuffer+10; i++ {
		require.NoError(t, hub.Publish(ctx, StreamEvent{
			WorkflowID: "wf-1",
			Action:     schema.ActionCompleteStep,
			SequenceNo: int64(i),
		}))
	}

	assert.Len(t, ch, subscriptionBuffer)
	assert.Equal(t, uint64(10), hub.Dropped())
}

func TestMemoryHub_CancelledContext(t *testing.T) {
	hub := NewMemoryHub()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	require.Error(t, hub.Publish(ctx, StreamEvent{}))
	_, _, err := hub.Subscribe(ctx, EventFilter{})
	require.Error(t, err)
}
