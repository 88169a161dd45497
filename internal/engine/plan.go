package engine

import (
	"sort"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// ExecutionPlan is the compiled form of a workflow definition: stages indexed
// by ID, a deterministic topological order, and the order grouped into waves.
// All stages in wave N depend only on stages in waves < N, so a wave's stages
// may run concurrently once the previous wave has settled.
type ExecutionPlan struct {
	Stages map[string]*schema.WorkflowStage
	Order  []string
	Waves  [][]string

	dependents map[string][]string
}

// BuildPlan compiles a workflow definition into an ExecutionPlan. The graph is
// topologically sorted with Kahn's algorithm; any cycle (including a
// self-dependency) is rejected with CYCLE_DETECTED. Ties are broken by sorted
// stage ID so the plan is deterministic for a given definition.
func BuildPlan(def *schema.WorkflowDefinition) (*ExecutionPlan, error) {
	plan := &ExecutionPlan{
		Stages:     make(map[string]*schema.WorkflowStage, len(def.Stages)),
		dependents: make(map[string][]string),
	}

	for i := range def.Stages {
		stage := &def.Stages[i]
		if _, exists := plan.Stages[stage.ID]; exists {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"duplicate stage ID %q", stage.ID).WithStage(stage.ID)
		}
		plan.Stages[stage.ID] = stage
	}

	inDegree := make(map[string]int, len(plan.Stages))
	for id := range plan.Stages {
		inDegree[id] = 0
	}
	for id, stage := range plan.Stages {
		seen := make(map[string]bool, len(stage.DependsOn))
		for _, dep := range stage.DependsOn {
			if dep == id {
				return nil, schema.NewErrorf(schema.ErrCodeCycleDetected,
					"stage %q depends on itself", id).WithStage(id)
			}
			if _, ok := plan.Stages[dep]; !ok {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"stage %q depends on unknown stage %q", id, dep).WithStage(id)
			}
			if seen[dep] {
				return nil, schema.NewErrorf(schema.ErrCodeValidation,
					"stage %q lists dependency %q twice", id, dep).WithStage(id)
			}
			seen[dep] = true
			plan.dependents[dep] = append(plan.dependents[dep], id)
			inDegree[id]++
		}
	}

	var frontier []string
	for id, deg := range inDegree {
		if deg == 0 {
			frontier = append(frontier, id)
		}
	}
	sort.Strings(frontier)

	for len(frontier) > 0 {
		id := frontier[0]
		frontier = frontier[1:]
		plan.Order = append(plan.Order, id)

		next := plan.dependents[id]
		sort.Strings(next)
		for _, dep := range next {
			inDegree[dep]--
			if inDegree[dep] == 0 {
				frontier = insertSorted(frontier, dep)
			}
		}
	}

	if len(plan.Order) != len(plan.Stages) {
		var stuck []string
		for id, deg := range inDegree {
			if deg > 0 {
				stuck = append(stuck, id)
			}
		}
		sort.Strings(stuck)
		return nil, schema.NewError(schema.ErrCodeCycleDetected,
			"workflow contains a dependency cycle").
			WithDetails(map[string]any{"stages": stuck})
	}

	plan.Waves = computeWaves(plan)
	return plan, nil
}

// Dependents returns the stage IDs that depend directly on the given stage,
// in sorted order.
func (p *ExecutionPlan) Dependents(stageID string) []string {
	out := make([]string, len(p.dependents[stageID]))
	copy(out, p.dependents[stageID])
	sort.Strings(out)
	return out
}

// computeWaves groups the topological order by dependency depth: a stage's
// wave is one past the deepest wave among its dependencies.
func computeWaves(plan *ExecutionPlan) [][]string {
	depth := make(map[string]int, len(plan.Order))
	maxDepth := 0
	for _, id := range plan.Order {
		d := 0
		for _, dep := range plan.Stages[id].DependsOn {
			if depth[dep]+1 > d {
				d = depth[dep] + 1
			}
		}
		depth[id] = d
		if d > maxDepth {
			maxDepth = d
		}
	}

	waves := make([][]string, maxDepth+1)
	for _, id := range plan.Order {
		waves[depth[id]] = append(waves[depth[id]], id)
	}
	for _, wave := range waves {
		sort.Strings(wave)
	}
	return waves
}

// insertSorted inserts s into a sorted slice, keeping it sorted.
func insertSorted(sorted []string, s string) []string {
	i := sort.SearchStrings(sorted, s)
	sorted = append(sorted, "")
	copy(sorted[i+1:], sorted[i:])
	sorted[i] = s
	return sorted
}
