package schema

import (
	"encoding/json"
	"time"
)

// AgentStatus is derived from heartbeat recency, never set directly.
type AgentStatus string

const (
	AgentStatusActive  AgentStatus = "active"
	AgentStatusOffline AgentStatus = "offline"
)

// Capability is a named, described unit of work an agent can perform.
// Immutable once attached to a registration.
type Capability struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	ParameterSchema json.RawMessage `json:"parameter_schema,omitempty"`
	CostEstimate    float64         `json:"cost_estimate"`
	Tags            []string        `json:"tags,omitempty"`
	Tools           []string        `json:"tools,omitempty"`    // tool allowlist for AGENT_PROFILE loading
	Priority        int             `json:"priority,omitempty"` // higher = preferred during PROGRESSIVE loading
}

// AgentDescriptor is the complete registration record for a worker.
// Replaced wholesale on each register call.
type AgentDescriptor struct {
	AgentID       string       `json:"agent_id"`
	Name          string       `json:"name"`
	EndpointRef   string       `json:"endpoint_ref,omitempty"`
	Capabilities  []Capability `json:"capabilities"`
	Status        AgentStatus  `json:"status,omitempty"` // derived, see registry sweep
	LastHeartbeat time.Time    `json:"last_heartbeat,omitempty"`
	RegisteredAt  time.Time    `json:"registered_at,omitempty"`
}

// AllTags returns the union of all capability tags, deduplicated.
func (d *AgentDescriptor) AllTags() []string {
	seen := make(map[string]bool)
	var tags []string
	for _, c := range d.Capabilities {
		for _, t := range c.Tags {
			if !seen[t] {
				seen[t] = true
				tags = append(tags, t)
			}
		}
	}
	return tags
}
