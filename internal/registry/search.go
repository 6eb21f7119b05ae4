package registry

import (
	"sort"
	"strings"

	"github.com/rendis/taskmesh/pkg/schema"
)

// Relevance weights for capability search.
const (
	scoreExactTag     = 3
	scoreTagSubstring = 2
	scoreTextMatch    = 1
)

// Match is one capability search hit.
type Match struct {
	Agent      *schema.AgentDescriptor
	Capability schema.Capability
	Score      int
}

// SearchCapabilities returns capabilities of active agents relevant to the
// query keywords, best first. Offline agents never match. Ties are broken by
// agent ID, then capability name, so identical registries always return
// identical orderings.
func (r *Registry) SearchCapabilities(keywords []string) []Match {
	normalized := make([]string, 0, len(keywords))
	for _, k := range keywords {
		k = strings.ToLower(strings.TrimSpace(k))
		if k != "" {
			normalized = append(normalized, k)
		}
	}
	if len(normalized) == 0 {
		return nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var matches []Match
	for _, agent := range r.agents {
		if agent.Status != schema.AgentStatusActive {
			continue
		}
		for _, cap := range agent.Capabilities {
			score := scoreCapability(cap, normalized)
			if score == 0 {
				continue
			}
			cp := *agent
			matches = append(matches, Match{Agent: &cp, Capability: cap, Score: score})
		}
	}

	sort.Slice(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		if matches[i].Agent.AgentID != matches[j].Agent.AgentID {
			return matches[i].Agent.AgentID < matches[j].Agent.AgentID
		}
		return matches[i].Capability.Name < matches[j].Capability.Name
	})
	return matches
}

// scoreCapability accumulates relevance over all keywords: exact tag match
// counts 3, tag substring 2, name or description substring 1.
func scoreCapability(cap schema.Capability, keywords []string) int {
	name := strings.ToLower(cap.Name)
	desc := strings.ToLower(cap.Description)

	score := 0
	for _, kw := range keywords {
		best := 0
		for _, tag := range cap.Tags {
			t := strings.ToLower(tag)
			if t == kw {
				best = scoreExactTag
				break
			}
			if strings.Contains(t, kw) && best < scoreTagSubstring {
				best = scoreTagSubstring
			}
		}
		if best < scoreTextMatch && (strings.Contains(name, kw) || strings.Contains(desc, kw)) {
			best = scoreTextMatch
		}
		score += best
	}
	return score
}
