package validation

import (
	"fmt"
	"sort"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// validateDAG performs graph analysis on the stage graph:
// cycle detection (Kahn's algorithm) and dead-stage reachability (BFS from roots).
func validateDAG(def *schema.WorkflowDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	stageIDs := make(map[string]bool, len(def.Stages))
	for _, s := range def.Stages {
		stageIDs[s.ID] = true
	}

	// edges[id] = dependencies of stage id, reverse[id] = dependents of stage id.
	edges := make(map[string][]string, len(def.Stages))
	reverse := make(map[string][]string, len(def.Stages))

	for _, s := range def.Stages {
		seen := make(map[string]bool, len(s.DependsOn))
		for _, dep := range s.DependsOn {
			if !stageIDs[dep] || seen[dep] || dep == s.ID {
				continue // invalid refs already caught by semantic
			}
			seen[dep] = true
			edges[s.ID] = append(edges[s.ID], dep)
			reverse[dep] = append(reverse[dep], s.ID)
		}
	}

	// Kahn's algorithm for cycle detection.
	inDegree := make(map[string]int, len(def.Stages))
	for id := range stageIDs {
		inDegree[id] = len(edges[id])
	}

	queue := make([]string, 0, len(def.Stages))
	for id, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, id)
		}
	}
	// Sort roots for deterministic output.
	sort.Strings(queue)

	visited := 0
	for len(queue) > 0 {
		node := queue[0]
		queue = queue[1:]
		visited++
		for _, dep := range reverse[node] {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				queue = append(queue, dep)
			}
		}
	}

	if visited != len(stageIDs) {
		result.AddError("stages", schema.ErrCodeCycleDetected, "workflow contains a dependency cycle")
		return result // cycle makes reachability analysis meaningless
	}

	// Reachability: BFS from root stages (no dependencies) through reverse edges.
	roots := make([]string, 0)
	for id := range stageIDs {
		if len(edges[id]) == 0 {
			roots = append(roots, id)
		}
	}

	reachable := make(map[string]bool, len(stageIDs))
	bfsQueue := make([]string, len(roots))
	copy(bfsQueue, roots)
	for _, r := range roots {
		reachable[r] = true
	}

	for len(bfsQueue) > 0 {
		node := bfsQueue[0]
		bfsQueue = bfsQueue[1:]
		for _, dep := range reverse[node] {
			if !reachable[dep] {
				reachable[dep] = true
				bfsQueue = append(bfsQueue, dep)
			}
		}
	}

	for _, s := range def.Stages {
		if !reachable[s.ID] {
			result.AddWarning(fmt.Sprintf("stages[%s]", s.ID),
				schema.ErrCodeValidation,
				fmt.Sprintf("stage %q is unreachable from any root stage", s.ID))
		}
	}

	return result
}
