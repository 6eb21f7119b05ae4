package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSessionRegistry(t *testing.T) {
	r := NewSessionRegistry()

	r.RegisterAgent("agent-1", "sess-a")
	r.RegisterWorkflow("wf-1", "sess-a")
	r.RegisterAgent("agent-2", "sess-b")

	sid, ok := r.SessionForAgent("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	sid, ok = r.SessionForWorkflow("wf-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-a", sid)

	_, ok = r.SessionForAgent("agent-9")
	assert.False(t, ok)
}

func TestSessionRegistry_ReconnectOverwrites(t *testing.T) {
	r := NewSessionRegistry()

	r.RegisterAgent("agent-1", "sess-old")
	r.RegisterAgent("agent-1", "sess-new")

	sid, ok := r.SessionForAgent("agent-1")
	assert.True(t, ok)
	assert.Equal(t, "sess-new", sid)
}

func TestSessionRegistry_RemoveClearsAllMappings(t *testing.T) {
	r := NewSessionRegistry()

	r.RegisterAgent("agent-1", "sess-a")
	r.RegisterWorkflow("wf-1", "sess-a")
	r.RegisterAgent("agent-2", "sess-b")

	r.Remove("sess-a")

	_, ok := r.SessionForAgent("agent-1")
	assert.False(t, ok)
	_, ok = r.SessionForWorkflow("wf-1")
	assert.False(t, ok)

	sid, ok := r.SessionForAgent("agent-2")
	assert.True(t, ok)
	assert.Equal(t, "sess-b", sid)
}
