package router

import (
	"context"
	"fmt"
	"strings"

	"github.com/rendis/taskmesh/pkg/schema"
)

// Planner decomposes a task submission into subtasks with capability
// keywords and a dependency graph. Implementations backed by language-model
// inference plug in here; the router only requires that the result builds a
// valid DAG.
type Planner interface {
	Decompose(ctx context.Context, sub *schema.TaskSubmission) ([]schema.SubtaskSpec, error)
}

// phraseKeywords maps description tokens to capability keywords. Tokens not
// in the table contribute nothing; a phase with no matched token falls back
// to the "general" keyword.
var phraseKeywords = map[string]string{
	"deploy":    "deployment",
	"release":   "deployment",
	"rollout":   "deployment",
	"provision": "infrastructure",
	"terraform": "infrastructure",
	"test":      "testing",
	"verify":    "testing",
	"validate":  "testing",
	"lint":      "testing",
	"build":     "build",
	"compile":   "build",
	"review":    "review",
	"analyze":   "analysis",
	"analyse":   "analysis",
	"research":  "analysis",
	"migrate":   "database",
	"migration": "database",
	"backup":    "database",
	"write":     "authoring",
	"draft":     "authoring",
	"document":  "authoring",
	"summarize": "authoring",
	"fetch":     "network",
	"download":  "network",
	"crawl":     "network",
	"monitor":   "observability",
	"notify":    "notification",
	"configure": "configuration",
}

// sequentialMarkers split a description into ordered phases. Each phase
// becomes one subtask depending on the previous phase.
var sequentialMarkers = []string{
	" then ",
	" after that ",
	" afterwards ",
	" finally ",
	"; ",
}

// KeywordPlanner is the default, fully deterministic planner: it splits the
// description into sequential phases on connective markers and derives
// capability keywords from a static token table. It never calls out.
type KeywordPlanner struct{}

// NewKeywordPlanner creates the default planner.
func NewKeywordPlanner() *KeywordPlanner {
	return &KeywordPlanner{}
}

// Decompose splits the submission into a chain of subtasks. Identical
// submissions always produce identical decompositions.
func (p *KeywordPlanner) Decompose(_ context.Context, sub *schema.TaskSubmission) ([]schema.SubtaskSpec, error) {
	if sub == nil || strings.TrimSpace(sub.Description) == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "submission description is empty")
	}

	phases := splitPhases(sub.Description)
	subtasks := make([]schema.SubtaskSpec, 0, len(phases))
	for i, phase := range phases {
		st := schema.SubtaskSpec{
			SubtaskID:          fmt.Sprintf("step-%d", i+1),
			Description:        phase,
			CapabilityKeywords: phaseCapabilities(phase),
			Payload:            sub.Payload,
			Status:             schema.SubtaskStatusPending,
		}
		if i > 0 {
			st.DependsOn = []string{fmt.Sprintf("step-%d", i)}
		}
		subtasks = append(subtasks, st)
	}
	return subtasks, nil
}

// splitPhases breaks a description into ordered phases on sequential markers.
func splitPhases(description string) []string {
	phases := []string{strings.TrimSpace(description)}
	for _, marker := range sequentialMarkers {
		var next []string
		for _, phase := range phases {
			for _, part := range strings.Split(strings.ToLower(phase), marker) {
				part = strings.TrimSpace(part)
				if part != "" {
					next = append(next, part)
				}
			}
		}
		phases = next
	}
	return phases
}

// phaseCapabilities derives capability keywords from a phase's tokens.
func phaseCapabilities(phase string) []string {
	seen := make(map[string]bool)
	var keywords []string
	for _, token := range strings.Fields(strings.ToLower(phase)) {
		token = strings.Trim(token, ".,:!?\"'()")
		kw, ok := phraseKeywords[token]
		if !ok || seen[kw] {
			continue
		}
		seen[kw] = true
		keywords = append(keywords, kw)
	}
	if len(keywords) == 0 {
		keywords = []string{"general"}
	}
	return keywords
}
