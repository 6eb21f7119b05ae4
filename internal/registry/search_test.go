package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/pkg/schema"
)

func TestSearchCapabilities_ScoringWeights(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-exact", schema.Capability{
		Name: "deployer", CostEstimate: 1, Tags: []string{"deploy"},
	})))
	require.NoError(t, r.Register(ctx, descriptor("agent-substr", schema.Capability{
		Name: "releaser", CostEstimate: 1, Tags: []string{"deployment"},
	})))
	require.NoError(t, r.Register(ctx, descriptor("agent-text", schema.Capability{
		Name: "shipper", Description: "can deploy services", CostEstimate: 1,
	})))

	matches := r.SearchCapabilities([]string{"deploy"})
	require.Len(t, matches, 3)

	assert.Equal(t, "agent-exact", matches[0].Agent.AgentID)
	assert.Equal(t, scoreExactTag, matches[0].Score)
	assert.Equal(t, "agent-substr", matches[1].Agent.AgentID)
	assert.Equal(t, scoreTagSubstring, matches[1].Score)
	assert.Equal(t, "agent-text", matches[2].Agent.AgentID)
	assert.Equal(t, scoreTextMatch, matches[2].Score)
}

func TestSearchCapabilities_MultiKeywordAccumulates(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a", schema.Capability{
		Name: "pipeline", CostEstimate: 1, Tags: []string{"build", "test"},
	})))

	single := r.SearchCapabilities([]string{"build"})
	require.Len(t, single, 1)
	both := r.SearchCapabilities([]string{"build", "test"})
	require.Len(t, both, 1)
	assert.Greater(t, both[0].Score, single[0].Score)
}

func TestSearchCapabilities_ExcludesOfflineAgents(t *testing.T) {
	r, _ := newTestRegistry(t, WithHeartbeatTimeout(time.Millisecond))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a", schema.Capability{
		Name: "deployer", CostEstimate: 1, Tags: []string{"deploy"},
	})))
	require.Len(t, r.SearchCapabilities([]string{"deploy"}), 1)

	r.mu.Lock()
	r.agents["agent-a"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.sweep(ctx)

	assert.Empty(t, r.SearchCapabilities([]string{"deploy"}))

	// Revival brings the capability back into search results.
	require.NoError(t, r.Heartbeat(ctx, "agent-a", time.Time{}))
	assert.Len(t, r.SearchCapabilities([]string{"deploy"}), 1)
}

func TestSearchCapabilities_DeterministicTiebreak(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	for _, id := range []string{"agent-c", "agent-a", "agent-b"} {
		require.NoError(t, r.Register(ctx, descriptor(id, schema.Capability{
			Name: "deployer", CostEstimate: 1, Tags: []string{"deploy"},
		})))
	}

	for i := 0; i < 10; i++ {
		matches := r.SearchCapabilities([]string{"deploy"})
		require.Len(t, matches, 3)
		assert.Equal(t, "agent-a", matches[0].Agent.AgentID)
		assert.Equal(t, "agent-b", matches[1].Agent.AgentID)
		assert.Equal(t, "agent-c", matches[2].Agent.AgentID)
	}
}

func TestSearchCapabilities_EmptyAndBlankKeywords(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), descriptor("agent-a")))

	assert.Nil(t, r.SearchCapabilities(nil))
	assert.Nil(t, r.SearchCapabilities([]string{"", "  "}))
}

func TestSearchCapabilities_CaseInsensitive(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), descriptor("agent-a", schema.Capability{
		Name: "deployer", CostEstimate: 1, Tags: []string{"Deploy"},
	})))

	matches := r.SearchCapabilities([]string{"DEPLOY"})
	require.Len(t, matches, 1)
	assert.Equal(t, scoreExactTag, matches[0].Score)
}
