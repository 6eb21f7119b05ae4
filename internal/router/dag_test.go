package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/pkg/schema"
)

func spec(id string, deps ...string) schema.SubtaskSpec {
	return schema.SubtaskSpec{SubtaskID: id, Description: "work " + id, DependsOn: deps}
}

func TestBuildDAG_LinearChain(t *testing.T) {
	dag, err := BuildDAG([]schema.SubtaskSpec{
		spec("build"),
		spec("test", "build"),
		spec("deploy", "test"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"build", "test", "deploy"}, dag.Sorted)
	assert.Equal(t, []string{"build"}, dag.Roots)
	assert.Equal(t, [][]string{{"build"}, {"test"}, {"deploy"}}, dag.Levels)
}

func TestBuildDAG_DiamondLevels(t *testing.T) {
	dag, err := BuildDAG([]schema.SubtaskSpec{
		spec("fetch"),
		spec("parse", "fetch"),
		spec("validate", "fetch"),
		spec("store", "parse", "validate"),
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"fetch"}, dag.Levels[0])
	assert.ElementsMatch(t, []string{"parse", "validate"}, dag.Levels[1])
	assert.Equal(t, []string{"store"}, dag.Levels[2])
}

func TestBuildDAG_Deterministic(t *testing.T) {
	subtasks := []schema.SubtaskSpec{
		spec("c"), spec("a"), spec("b"),
		spec("z", "a", "b", "c"),
	}
	first, err := BuildDAG(subtasks)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := BuildDAG(subtasks)
		require.NoError(t, err)
		assert.Equal(t, first.Sorted, again.Sorted)
		assert.Equal(t, first.Levels, again.Levels)
	}
	assert.Equal(t, []string{"a", "b", "c"}, first.Roots)
}

func TestBuildDAG_CycleDetected(t *testing.T) {
	_, err := BuildDAG([]schema.SubtaskSpec{
		spec("a", "b"),
		spec("b", "c"),
		spec("c", "a"),
	})
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, meshErr.Code)
}

func TestBuildDAG_SelfDependency(t *testing.T) {
	_, err := BuildDAG([]schema.SubtaskSpec{spec("a", "a")})
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeCycleDetected, meshErr.Code)
}

func TestBuildDAG_ValidationFailures(t *testing.T) {
	tests := []struct {
		name     string
		subtasks []schema.SubtaskSpec
	}{
		{"empty decomposition", nil},
		{"empty id", []schema.SubtaskSpec{spec("")}},
		{"duplicate id", []schema.SubtaskSpec{spec("a"), spec("a")}},
		{"dangling dependency", []schema.SubtaskSpec{spec("a", "ghost")}},
		{"duplicate dependency", []schema.SubtaskSpec{spec("a"), spec("b", "a", "a")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildDAG(tt.subtasks)
			require.Error(t, err)
			meshErr, ok := err.(*schema.MeshError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
		})
	}
}

func TestBuildDAG_ReverseEdges(t *testing.T) {
	dag, err := BuildDAG([]schema.SubtaskSpec{
		spec("a"),
		spec("b", "a"),
		spec("c", "a"),
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, dag.Reverse["a"])
}
