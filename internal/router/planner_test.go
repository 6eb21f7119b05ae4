package router

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/pkg/schema"
)

func TestDecompose_SinglePhase(t *testing.T) {
	p := NewKeywordPlanner()

	subtasks, err := p.Decompose(context.Background(), &schema.TaskSubmission{
		Description: "Deploy payment-service to production",
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, "step-1", subtasks[0].SubtaskID)
	assert.Empty(t, subtasks[0].DependsOn)
	assert.Equal(t, []string{"deployment"}, subtasks[0].CapabilityKeywords)
}

func TestDecompose_SequentialPhases(t *testing.T) {
	p := NewKeywordPlanner()

	subtasks, err := p.Decompose(context.Background(), &schema.TaskSubmission{
		Description: "build the service then test it then deploy to staging",
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 3)

	assert.Equal(t, []string{"build"}, subtasks[0].CapabilityKeywords)
	assert.Equal(t, []string{"testing"}, subtasks[1].CapabilityKeywords)
	assert.Equal(t, []string{"deployment"}, subtasks[2].CapabilityKeywords)

	assert.Empty(t, subtasks[0].DependsOn)
	assert.Equal(t, []string{"step-1"}, subtasks[1].DependsOn)
	assert.Equal(t, []string{"step-2"}, subtasks[2].DependsOn)

	// The chain must build a valid DAG.
	dag, err := BuildDAG(subtasks)
	require.NoError(t, err)
	assert.Equal(t, []string{"step-1", "step-2", "step-3"}, dag.Sorted)
}

func TestDecompose_SemicolonMarker(t *testing.T) {
	p := NewKeywordPlanner()

	subtasks, err := p.Decompose(context.Background(), &schema.TaskSubmission{
		Description: "analyze the logs; write a summary",
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	assert.Equal(t, []string{"analysis"}, subtasks[0].CapabilityKeywords)
	assert.Equal(t, []string{"authoring"}, subtasks[1].CapabilityKeywords)
}

func TestDecompose_GeneralFallback(t *testing.T) {
	p := NewKeywordPlanner()

	subtasks, err := p.Decompose(context.Background(), &schema.TaskSubmission{
		Description: "do the mysterious thing",
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 1)
	assert.Equal(t, []string{"general"}, subtasks[0].CapabilityKeywords)
}

func TestDecompose_EmptyDescription(t *testing.T) {
	p := NewKeywordPlanner()

	for _, sub := range []*schema.TaskSubmission{
		nil,
		{Description: ""},
		{Description: "   "},
	} {
		_, err := p.Decompose(context.Background(), sub)
		require.Error(t, err)
		meshErr, ok := err.(*schema.MeshError)
		require.True(t, ok)
		assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
	}
}

func TestDecompose_Deterministic(t *testing.T) {
	p := NewKeywordPlanner()
	sub := &schema.TaskSubmission{
		Description: "fetch the data then validate it then deploy the report",
	}

	first, err := p.Decompose(context.Background(), sub)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := p.Decompose(context.Background(), sub)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestDecompose_PayloadPropagated(t *testing.T) {
	p := NewKeywordPlanner()

	subtasks, err := p.Decompose(context.Background(), &schema.TaskSubmission{
		Description: "deploy it then verify it",
		Payload:     []byte(`{"environment":"staging"}`),
	})
	require.NoError(t, err)
	require.Len(t, subtasks, 2)
	for _, st := range subtasks {
		assert.JSONEq(t, `{"environment":"staging"}`, string(st.Payload))
	}
}
