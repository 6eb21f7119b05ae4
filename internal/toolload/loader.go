package toolload

import (
	"sort"
	"strings"
	"sync"

	"github.com/rendis/taskmesh/pkg/schema"
)

const defaultMaxTools = 20

// Loader selects a bounded, relevant subset of the tool catalog per dispatch.
// Selection itself is a pure function of (task description, catalog, agent,
// strategy, max tools); the Loader only holds the runtime defaults.
type Loader struct {
	mu       sync.RWMutex
	strategy schema.LoadStrategy
	maxTools int
}

// New creates a Loader with the PROGRESSIVE strategy and default budget.
func New() *Loader {
	return &Loader{
		strategy: schema.StrategyProgressive,
		maxTools: defaultMaxTools,
	}
}

// Configure changes the default strategy and budget at runtime.
func (l *Loader) Configure(strategy schema.LoadStrategy, maxTools int) error {
	if !schema.ValidStrategy(strategy) {
		return schema.NewErrorf(schema.ErrCodeValidation, "unknown load strategy %q", strategy)
	}
	if maxTools <= 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "max_tools must be positive, got %d", maxTools)
	}
	l.mu.Lock()
	l.strategy = strategy
	l.maxTools = maxTools
	l.mu.Unlock()
	return nil
}

// Defaults returns the currently configured strategy and budget.
func (l *Loader) Defaults() (schema.LoadStrategy, int) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.strategy, l.maxTools
}

// SelectForTask runs Select with the configured defaults.
func (l *Loader) SelectForTask(taskID, description string, catalog []schema.ToolDescriptor, agent *schema.AgentDescriptor) schema.ToolSelection {
	strategy, maxTools := l.Defaults()
	return Select(taskID, description, catalog, agent, strategy, maxTools)
}

// Select picks a catalog subset for one dispatch. Identical inputs always
// yield identical output, in catalog order, so selections are cacheable and
// reproducible in tests.
func Select(taskID, description string, catalog []schema.ToolDescriptor, agent *schema.AgentDescriptor, strategy schema.LoadStrategy, maxTools int) schema.ToolSelection {
	if !schema.ValidStrategy(strategy) {
		strategy = schema.StrategyProgressive
	}
	if maxTools <= 0 {
		maxTools = defaultMaxTools
	}

	var selected []schema.ToolDescriptor
	switch strategy {
	case schema.StrategyMinimal:
		selected = selectMinimal(description, catalog, maxTools)
	case schema.StrategyAgentProfile:
		selected = selectAgentProfile(catalog, agent)
	case schema.StrategyProgressive:
		selected = selectProgressive(description, catalog, agent, maxTools)
	case schema.StrategyFull:
		selected = append(selected, catalog...)
	}

	ratio := 0.0
	if len(catalog) > 0 {
		ratio = 1.0 - float64(len(selected))/float64(len(catalog))
	}
	return schema.ToolSelection{
		TaskID:                taskID,
		Strategy:              strategy,
		SelectedTools:         selected,
		EstimatedSavingsRatio: ratio,
	}
}

// selectMinimal returns the core set plus tools from keyword-matched groups,
// deduplicated, in catalog order. The budget is a hard cap: core tools fill
// it first, keyword matches take whatever remains.
func selectMinimal(description string, catalog []schema.ToolDescriptor, maxTools int) []schema.ToolDescriptor {
	groups := matchGroups(description)

	var selected []schema.ToolDescriptor
	for _, t := range catalog {
		if !t.Core {
			continue
		}
		if len(selected) >= maxTools {
			break
		}
		selected = append(selected, t)
	}
	for _, t := range catalog {
		if t.Core || !groups[t.Group] {
			continue
		}
		if len(selected) >= maxTools {
			break
		}
		selected = append(selected, t)
	}
	return selected
}

// selectAgentProfile returns exactly the tools named on the agent's
// capability allowlists, resolved against the catalog.
func selectAgentProfile(catalog []schema.ToolDescriptor, agent *schema.AgentDescriptor) []schema.ToolDescriptor {
	if agent == nil {
		return nil
	}
	allowed := make(map[string]bool)
	for _, c := range agent.Capabilities {
		for _, name := range c.Tools {
			allowed[name] = true
		}
	}

	var selected []schema.ToolDescriptor
	for _, t := range catalog {
		if allowed[t.Name] {
			selected = append(selected, t)
		}
	}
	return selected
}

// selectProgressive unions the minimal selection with the agent profile's
// highest-priority tools not already included, truncated at maxTools.
func selectProgressive(description string, catalog []schema.ToolDescriptor, agent *schema.AgentDescriptor, maxTools int) []schema.ToolDescriptor {
	selected := selectMinimal(description, catalog, maxTools)
	if agent == nil || len(selected) >= maxTools {
		return selected
	}

	have := make(map[string]bool, len(selected))
	for _, t := range selected {
		have[t.Name] = true
	}

	// Profile tools ordered by declaring capability priority, highest first;
	// ties resolved by tool name so the order is stable.
	type profileTool struct {
		name     string
		priority int
	}
	var profile []profileTool
	seen := make(map[string]bool)
	for _, c := range agent.Capabilities {
		for _, name := range c.Tools {
			if seen[name] {
				continue
			}
			seen[name] = true
			profile = append(profile, profileTool{name: name, priority: c.Priority})
		}
	}
	sort.Slice(profile, func(i, j int) bool {
		if profile[i].priority != profile[j].priority {
			return profile[i].priority > profile[j].priority
		}
		return profile[i].name < profile[j].name
	})

	byName := make(map[string]schema.ToolDescriptor, len(catalog))
	for _, t := range catalog {
		byName[t.Name] = t
	}

	for _, pt := range profile {
		if len(selected) >= maxTools {
			break
		}
		if have[pt.name] {
			continue
		}
		t, ok := byName[pt.name]
		if !ok {
			continue
		}
		selected = append(selected, t)
		have[pt.name] = true
	}
	return selected
}

// matchGroups tokenizes the description and resolves tokens through the
// keyword table.
func matchGroups(description string) map[string]bool {
	groups := make(map[string]bool)
	for _, token := range tokenize(description) {
		for _, g := range keywordGroups[token] {
			groups[g] = true
		}
	}
	return groups
}

// tokenize lowercases and splits on non-alphanumeric runes.
func tokenize(s string) []string {
	return strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return false
		}
		return true
	})
}
