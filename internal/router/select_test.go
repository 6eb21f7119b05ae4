package router

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/internal/expressions"
	"github.com/rendis/taskmesh/internal/registry"
	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/schema"
)

func newTestSelector(t *testing.T, rankProgram string) (*Selector, *registry.Registry) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	reg := registry.New(st, v, slog.New(slog.NewTextHandler(io.Discard, nil)))
	return NewSelector(reg, expressions.NewExprEngine(), rankProgram), reg
}

func registerAgent(t *testing.T, reg *registry.Registry, agentID string, cost float64) {
	t.Helper()
	require.NoError(t, reg.Register(context.Background(), &schema.AgentDescriptor{
		AgentID: agentID,
		Name:    "Agent " + agentID,
		Capabilities: []schema.Capability{
			{Name: "deployer", CostEstimate: cost, Tags: []string{"deployment"}},
		},
	}))
}

func TestSelectAgent_CheapestWins(t *testing.T) {
	s, reg := newTestSelector(t, "")
	registerAgent(t, reg, "agent-pricey", 10)
	registerAgent(t, reg, "agent-cheap", 1)

	c, err := s.SelectAgent(&schema.SubtaskSpec{
		SubtaskID:          "step-1",
		CapabilityKeywords: []string{"deployment"},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-cheap", c.Agent.AgentID)
	assert.Equal(t, 1.0, c.RankScore)
}

func TestSelectAgent_NoMatchIsError(t *testing.T) {
	s, _ := newTestSelector(t, "")

	_, err := s.SelectAgent(&schema.SubtaskSpec{
		SubtaskID:          "step-1",
		CapabilityKeywords: []string{"quantum-chemistry"},
	})
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNoAgentMatch, meshErr.Code)
	assert.Equal(t, "step-1", meshErr.SubtaskID)
}

func TestSelectAgent_LRUTiebreak(t *testing.T) {
	s, reg := newTestSelector(t, "")
	registerAgent(t, reg, "agent-a", 1)
	registerAgent(t, reg, "agent-b", 1)

	st := &schema.SubtaskSpec{SubtaskID: "step-1", CapabilityKeywords: []string{"deployment"}}

	// Equal scores, neither dispatched: lexicographic tiebreak.
	c, err := s.SelectAgent(st)
	require.NoError(t, err)
	assert.Equal(t, "agent-a", c.Agent.AgentID)

	// After dispatching to agent-a, agent-b has been idle longer.
	reg.MarkDispatched("agent-a")
	c, err = s.SelectAgent(st)
	require.NoError(t, err)
	assert.Equal(t, "agent-b", c.Agent.AgentID)
}

func TestSelectAgent_CustomRankProgram(t *testing.T) {
	// Rank by match score instead of cost: higher match wins, so negate.
	s, reg := newTestSelector(t, "-match_score")
	require.NoError(t, reg.Register(context.Background(), &schema.AgentDescriptor{
		AgentID: "agent-exact",
		Name:    "Exact",
		Capabilities: []schema.Capability{
			{Name: "deployer", CostEstimate: 100, Tags: []string{"deployment"}},
		},
	}))
	require.NoError(t, reg.Register(context.Background(), &schema.AgentDescriptor{
		AgentID: "agent-fuzzy",
		Name:    "Fuzzy",
		Capabilities: []schema.Capability{
			{Name: "releaser", CostEstimate: 1, Tags: []string{"deployment-adjacent"}},
		},
	}))

	c, err := s.SelectAgent(&schema.SubtaskSpec{
		SubtaskID:          "step-1",
		CapabilityKeywords: []string{"deployment"},
	})
	require.NoError(t, err)
	assert.Equal(t, "agent-exact", c.Agent.AgentID)
}

func TestSelectAgent_BrokenRankProgram(t *testing.T) {
	s, reg := newTestSelector(t, `"not a number"`)
	registerAgent(t, reg, "agent-a", 1)

	_, err := s.SelectAgent(&schema.SubtaskSpec{
		SubtaskID:          "step-1",
		CapabilityKeywords: []string{"deployment"},
	})
	require.Error(t, err)

	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
}
