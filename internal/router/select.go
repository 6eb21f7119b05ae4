package router

import (
	"sort"
	"time"

	"github.com/rendis/taskmesh/internal/expressions"
	"github.com/rendis/taskmesh/internal/registry"
	"github.com/rendis/taskmesh/pkg/schema"
)

// DefaultRankProgram scores candidates by declared cost. Lower is better.
// The program sees cost_estimate, match_score, and idle_seconds as top-level
// variables and can be replaced at construction time.
const DefaultRankProgram = "cost_estimate"

// Candidate is one ranked agent option for a subtask.
type Candidate struct {
	Agent      *schema.AgentDescriptor
	Capability schema.Capability
	MatchScore int
	RankScore  float64
}

// Selector picks the best active agent for a subtask: capability search
// through the registry, then an expr ranking program, then a
// least-recently-used tiebreak.
type Selector struct {
	registry    *registry.Registry
	engine      *expressions.ExprEngine
	rankProgram string
}

// NewSelector creates a Selector; an empty rankProgram means the default.
func NewSelector(reg *registry.Registry, engine *expressions.ExprEngine, rankProgram string) *Selector {
	if rankProgram == "" {
		rankProgram = DefaultRankProgram
	}
	return &Selector{registry: reg, engine: engine, rankProgram: rankProgram}
}

// SelectAgent returns the best candidate for the subtask, or a
// NO_AGENT_MATCH error when no active agent covers its capability keywords.
// No match is surfaced to the caller, never silently dropped.
func (s *Selector) SelectAgent(st *schema.SubtaskSpec) (*Candidate, error) {
	matches := s.registry.SearchCapabilities(st.CapabilityKeywords)
	if len(matches) == 0 {
		return nil, schema.NewErrorf(schema.ErrCodeNoAgentMatch,
			"no active agent matches keywords %v", st.CapabilityKeywords).
			WithSubtask(st.SubtaskID)
	}

	now := time.Now().UTC()
	candidates := make([]Candidate, 0, len(matches))
	for _, m := range matches {
		idle := 0.0
		if last := s.registry.LastDispatched(m.Agent.AgentID); !last.IsZero() {
			idle = now.Sub(last).Seconds()
		} else {
			idle = now.Sub(m.Agent.RegisteredAt).Seconds()
		}

		score, err := s.engine.EvaluateFloat(s.rankProgram, map[string]any{
			"cost_estimate": m.Capability.CostEstimate,
			"match_score":   float64(m.Score),
			"idle_seconds":  idle,
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"ranking program failed for agent %s: %s", m.Agent.AgentID, err.Error()).
				WithSubtask(st.SubtaskID).WithCause(err)
		}
		candidates = append(candidates, Candidate{
			Agent:      m.Agent,
			Capability: m.Capability,
			MatchScore: m.Score,
			RankScore:  score,
		})
	}

	// Lowest rank score wins; ties go to the agent idle longest, then to the
	// lexicographically smallest agent ID so selection stays deterministic.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].RankScore != candidates[j].RankScore {
			return candidates[i].RankScore < candidates[j].RankScore
		}
		li := s.registry.LastDispatched(candidates[i].Agent.AgentID)
		lj := s.registry.LastDispatched(candidates[j].Agent.AgentID)
		if !li.Equal(lj) {
			return li.Before(lj)
		}
		return candidates[i].Agent.AgentID < candidates[j].Agent.AgentID
	})

	chosen := candidates[0]
	return &chosen, nil
}
