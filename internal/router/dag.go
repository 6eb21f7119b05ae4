package router

import (
	"sort"

	"github.com/rendis/taskmesh/pkg/schema"
)

// DAG is the in-memory dependency graph over a workflow's subtasks.
// Built once at decomposition time, consulted on every step completion to
// find newly ready subtasks.
type DAG struct {
	Subtasks map[string]*schema.SubtaskSpec // subtask ID → spec
	Edges    map[string][]string            // subtask ID → dependencies (depends_on)
	Reverse  map[string][]string            // subtask ID → dependents (who depends on me)
	Sorted   []string                       // topological order
	Roots    []string                       // subtasks with no dependencies
	Levels   [][]string                     // parallel execution levels
}

// BuildDAG validates a decomposition and builds its executable graph.
// It registers subtasks, checks dependency references, performs a
// topological sort using Kahn's algorithm, detects cycles, and computes
// parallel execution levels.
func BuildDAG(subtasks []schema.SubtaskSpec) (*DAG, error) {
	if len(subtasks) == 0 {
		return nil, schema.NewError(schema.ErrCodeValidation, "decomposition produced no subtasks")
	}

	dag := &DAG{
		Subtasks: make(map[string]*schema.SubtaskSpec, len(subtasks)),
		Edges:    make(map[string][]string, len(subtasks)),
		Reverse:  make(map[string][]string, len(subtasks)),
	}

	// First pass: register all subtasks and check for duplicates.
	for i := range subtasks {
		st := &subtasks[i]
		if st.SubtaskID == "" {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "subtask at index %d has empty ID", i)
		}
		if _, exists := dag.Subtasks[st.SubtaskID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "duplicate subtask ID: %s", st.SubtaskID)
		}
		dag.Subtasks[st.SubtaskID] = st
	}

	// Second pass: build adjacency lists and validate dependencies.
	for id, st := range dag.Subtasks {
		seen := make(map[string]bool, len(st.DependsOn))
		deps := make([]string, 0, len(st.DependsOn))
		for _, dep := range st.DependsOn {
			if _, exists := dag.Subtasks[dep]; !exists {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "subtask %s depends on non-existent subtask: %s", id, dep)
			}
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected, "subtask %s depends on itself", id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation, "subtask %s has duplicate dependency: %s", id, dep)
			}
			seen[dep] = true
			deps = append(deps, dep)
			dag.Reverse[dep] = append(dag.Reverse[dep], id)
		}
		dag.Edges[id] = deps
	}

	// Kahn's algorithm: topological sort + cycle detection.
	inDegree := make(map[string]int, len(dag.Subtasks))
	for id := range dag.Subtasks {
		inDegree[id] = len(dag.Edges[id])
	}

	queue := make([]string, 0)
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}

	// Sort roots for deterministic ordering.
	sort.Strings(queue)
	dag.Roots = make([]string, len(queue))
	copy(dag.Roots, queue)

	sorted := make([]string, 0, len(dag.Subtasks))
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		sorted = append(sorted, node)

		dependents := make([]string, len(dag.Reverse[node]))
		copy(dependents, dag.Reverse[node])
		sort.Strings(dependents)

		for _, dep := range dependents {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if len(sorted) != len(dag.Subtasks) {
		return nil, schema.NewError(schema.ErrCodeCycleDetected, "subtask dependencies contain a cycle")
	}
	dag.Sorted = sorted
	dag.Levels = computeLevels(dag)
	return dag, nil
}

// computeLevels groups subtasks into parallel execution levels. Subtasks at
// the same level have all dependencies satisfied by previous levels and may
// run concurrently.
func computeLevels(dag *DAG) [][]string {
	depth := make(map[string]int, len(dag.Subtasks))

	for _, id := range dag.Sorted {
		maxDep := -1
		for _, dep := range dag.Edges[id] {
			if depth[dep] > maxDep {
				maxDep = depth[dep]
			}
		}
		depth[id] = maxDep + 1
	}

	maxLevel := 0
	for _, d := range depth {
		if d > maxLevel {
			maxLevel = d
		}
	}

	levels := make([][]string, maxLevel+1)
	for _, id := range dag.Sorted {
		d := depth[id]
		levels[d] = append(levels[d], id)
	}
	return levels
}
