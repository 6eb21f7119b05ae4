package schema

import "encoding/json"

// SubtaskSpec is one unit of decomposed work, owned by the router.
// Status changes mirror workflow step events.
type SubtaskSpec struct {
	SubtaskID          string          `json:"subtask_id"`
	Description        string          `json:"description"`
	CapabilityKeywords []string        `json:"capability_keywords"`
	Payload            json.RawMessage `json:"payload,omitempty"`
	DependsOn          []string        `json:"depends_on,omitempty"`
	AssignedAgent      string          `json:"assigned_agent,omitempty"`
	RiskLevel          RiskLevel       `json:"risk_level,omitempty"`
	Status             SubtaskStatus   `json:"status,omitempty"`
}
