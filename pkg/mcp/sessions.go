package mcp

import "sync"

// SessionRegistry maps agent IDs and workflow IDs to MCP session IDs.
// Populated automatically when clients call tools that carry those IDs, so
// notifications can be pushed back to the right connection.
type SessionRegistry struct {
	mu        sync.RWMutex
	agents    map[string]string // agentID → sessionID
	workflows map[string]string // workflowID → sessionID
}

// NewSessionRegistry creates a new empty SessionRegistry.
func NewSessionRegistry() *SessionRegistry {
	return &SessionRegistry{
		agents:    make(map[string]string),
		workflows: make(map[string]string),
	}
}

// RegisterAgent associates an agent ID with a session ID.
// A reconnecting agent overwrites its previous mapping.
func (r *SessionRegistry) RegisterAgent(agentID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents[agentID] = sessionID
}

// RegisterWorkflow associates a workflow with the session that submitted it.
func (r *SessionRegistry) RegisterWorkflow(workflowID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[workflowID] = sessionID
}

// SessionForAgent returns the session ID for the given agent, if connected.
func (r *SessionRegistry) SessionForAgent(agentID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.agents[agentID]
	return sid, ok
}

// SessionForWorkflow returns the session that submitted the workflow.
func (r *SessionRegistry) SessionForWorkflow(workflowID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sid, ok := r.workflows[workflowID]
	return sid, ok
}

// Remove deletes all mappings for the given session ID.
// Called when a session disconnects.
func (r *SessionRegistry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for aid, sid := range r.agents {
		if sid == sessionID {
			delete(r.agents, aid)
		}
	}
	for wid, sid := range r.workflows {
		if sid == sessionID {
			delete(r.workflows, wid)
		}
	}
}
