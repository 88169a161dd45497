package resources

import "github.com/conductor-ci/conductor/pkg/schema"

// CostEstimator computes the resource footprint of a workflow before
// admission. The default policy is heuristic; callers with measured usage data
// can plug in their own.
type CostEstimator interface {
	Estimate(def *schema.WorkflowDefinition) map[schema.ResourceType]float64
}

// DefaultEstimator derives requirements from stage count and stage types.
type DefaultEstimator struct{}

// Estimate returns the estimated requirements for one execution of def:
// a baseline of 1 CPU, 1 GB memory and 1 concurrency slot, stepped up for
// large workflows and for heavyweight stage types.
func (DefaultEstimator) Estimate(def *schema.WorkflowDefinition) map[schema.ResourceType]float64 {
	req := map[schema.ResourceType]float64{
		schema.ResourceCPU:         1,
		schema.ResourceMemoryGB:    1,
		schema.ResourceConcurrency: 1,
	}

	n := len(def.Stages)
	if n > 5 {
		req[schema.ResourceCPU] += 1
		req[schema.ResourceMemoryGB] += 1
	}
	if n > 10 {
		req[schema.ResourceCPU] += 3
		req[schema.ResourceMemoryGB] += 3
	}

	for _, st := range def.Stages {
		switch st.Type {
		case schema.StageTypeBuild, schema.StageTypeTest:
			req[schema.ResourceCPU] += 0.5
			req[schema.ResourceMemoryGB] += 0.5
		case schema.StageTypeSecurityScan, schema.StageTypeAnalysis:
			req[schema.ResourceCPU] += 0.25
			req[schema.ResourceMemoryGB] += 0.25
		}
	}

	return req
}

var _ CostEstimator = DefaultEstimator{}
