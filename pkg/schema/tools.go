package schema

// LoadStrategy selects how the tool-budget loader picks a catalog subset.
type LoadStrategy string

const (
	StrategyMinimal      LoadStrategy = "MINIMAL"
	StrategyAgentProfile LoadStrategy = "AGENT_PROFILE"
	StrategyProgressive  LoadStrategy = "PROGRESSIVE"
	StrategyFull         LoadStrategy = "FULL"
)

// ValidStrategy reports whether s names a known load strategy.
func ValidStrategy(s LoadStrategy) bool {
	switch s {
	case StrategyMinimal, StrategyAgentProfile, StrategyProgressive, StrategyFull:
		return true
	}
	return false
}

// ToolDescriptor is one entry in the tool catalog.
type ToolDescriptor struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Group       string `json:"group,omitempty"`
	Core        bool   `json:"core,omitempty"` // always included by MINIMAL/PROGRESSIVE
}

// ToolSelection is the bounded subset chosen for one dispatch.
// Ephemeral: recomputed per dispatch, embedded in step payloads for audit only.
type ToolSelection struct {
	TaskID                string           `json:"task_id,omitempty"`
	Strategy              LoadStrategy     `json:"strategy"`
	SelectedTools         []ToolDescriptor `json:"selected_tools"`
	EstimatedSavingsRatio float64          `json:"estimated_savings_ratio"`
}
