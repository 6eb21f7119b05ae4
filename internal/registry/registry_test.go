package registry

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/taskmesh/internal/store"
	"github.com/rendis/taskmesh/internal/validation"
	"github.com/rendis/taskmesh/pkg/schema"
)

func newTestRegistry(t *testing.T, opts ...Option) (*Registry, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore(nil)
	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(st, v, logger, opts...), st
}

func descriptor(agentID string, caps ...schema.Capability) *schema.AgentDescriptor {
	if len(caps) == 0 {
		caps = []schema.Capability{{Name: "general", CostEstimate: 1}}
	}
	return &schema.AgentDescriptor{
		AgentID:      agentID,
		Name:         "Agent " + agentID,
		Capabilities: caps,
	}
}

func TestRegister_PersistsAndMirrors(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a")))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentStatusActive, got.Status)
	assert.False(t, got.LastHeartbeat.IsZero())

	persisted, err := st.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "agent-a", persisted.AgentID)
}

func TestRegister_ReplacesWholesale(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a",
		schema.Capability{Name: "build", CostEstimate: 1},
		schema.Capability{Name: "test", CostEstimate: 1},
	)))
	require.NoError(t, r.Register(ctx, descriptor("agent-a",
		schema.Capability{Name: "deploy", CostEstimate: 2},
	)))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	require.Len(t, got.Capabilities, 1)
	assert.Equal(t, "deploy", got.Capabilities[0].Name)
}

func TestRegister_ValidationFailures(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	tests := []struct {
		name string
		desc *schema.AgentDescriptor
	}{
		{"nil descriptor", nil},
		{"missing id", &schema.AgentDescriptor{Name: "x", Capabilities: []schema.Capability{{Name: "c"}}}},
		{"missing name", &schema.AgentDescriptor{AgentID: "a", Capabilities: []schema.Capability{{Name: "c"}}}},
		{"no capabilities", &schema.AgentDescriptor{AgentID: "a", Name: "x"}},
		{"negative cost", descriptor("a", schema.Capability{Name: "c", CostEstimate: -1})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := r.Register(ctx, tt.desc)
			require.Error(t, err)
			meshErr, ok := err.(*schema.MeshError)
			require.True(t, ok)
			assert.Equal(t, schema.ErrCodeValidation, meshErr.Code)
		})
	}
}

func TestRegister_RejectsBadParameterSchema(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Register(context.Background(), descriptor("agent-a", schema.Capability{
		Name:            "deploy",
		CostEstimate:    1,
		ParameterSchema: []byte(`{"type": 42}`),
	}))
	require.Error(t, err)

	// A rejected registration leaves nothing behind.
	_, err = r.Get("agent-a")
	require.Error(t, err)
}

func TestHeartbeat_UnknownAgent(t *testing.T) {
	r, _ := newTestRegistry(t)

	err := r.Heartbeat(context.Background(), "ghost", time.Time{})
	require.Error(t, err)
	meshErr, ok := err.(*schema.MeshError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeNotFound, meshErr.Code)
}

func TestSweep_MarksStaleAgentsOffline(t *testing.T) {
	r, _ := newTestRegistry(t, WithHeartbeatTimeout(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a")))

	// Fresh heartbeat: the sweep leaves the agent active.
	r.sweep(ctx)
	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentStatusActive, got.Status)

	// Stale heartbeat: the sweep marks it offline.
	r.mu.Lock()
	r.agents["agent-a"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()

	r.sweep(ctx)
	got, err = r.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentStatusOffline, got.Status)
}

func TestHeartbeat_RevivesOfflineAgent(t *testing.T) {
	r, _ := newTestRegistry(t, WithHeartbeatTimeout(50*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a")))
	r.mu.Lock()
	r.agents["agent-a"].LastHeartbeat = time.Now().UTC().Add(-time.Minute)
	r.mu.Unlock()
	r.sweep(ctx)

	require.NoError(t, r.Heartbeat(ctx, "agent-a", time.Time{}))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, schema.AgentStatusActive, got.Status)
}

func TestHeartbeat_CallerTimestamp(t *testing.T) {
	r, st := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a")))

	taken := time.Date(2026, 8, 29, 11, 30, 0, 0, time.FixedZone("CEST", 2*3600))
	require.NoError(t, r.Heartbeat(ctx, "agent-a", taken))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.True(t, got.LastHeartbeat.Equal(taken))
	assert.Equal(t, time.UTC, got.LastHeartbeat.Location())

	persisted, err := st.GetAgent(ctx, "agent-a")
	require.NoError(t, err)
	assert.True(t, persisted.LastHeartbeat.Equal(taken))
}

func TestHeartbeat_ZeroTimestampMeansNow(t *testing.T) {
	r, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, descriptor("agent-a")))

	before := time.Now().UTC()
	require.NoError(t, r.Heartbeat(ctx, "agent-a", time.Time{}))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.False(t, got.LastHeartbeat.Before(before))
}

func TestLoad_HydratesFromStore(t *testing.T) {
	st := store.NewMemoryStore(nil)
	require.NoError(t, st.SaveAgent(context.Background(), &schema.AgentDescriptor{
		AgentID:       "agent-a",
		Name:          "Agent A",
		Capabilities:  []schema.Capability{{Name: "general", CostEstimate: 1}},
		Status:        schema.AgentStatusActive,
		LastHeartbeat: time.Now().UTC(),
	}))

	v, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)
	r := New(st, v, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, r.Load(context.Background()))

	got, err := r.Get("agent-a")
	require.NoError(t, err)
	assert.Equal(t, "Agent A", got.Name)
}

func TestLastDispatched(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.True(t, r.LastDispatched("agent-a").IsZero())
	r.MarkDispatched("agent-a")
	assert.False(t, r.LastDispatched("agent-a").IsZero())
}
