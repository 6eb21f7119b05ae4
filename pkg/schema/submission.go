package schema

import "encoding/json"

// TaskSubmission is the inbound request to run a task: a natural language
// description plus optional structured payload. The supervisor decomposes it
// into subtasks before any event is appended.
type TaskSubmission struct {
	Description  string          `json:"description"`
	TemplateName string          `json:"template_name,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RiskOverride RiskLevel       `json:"risk_override,omitempty"`
}
