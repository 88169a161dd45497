package gates

import "github.com/conductor-ci/conductor/pkg/schema"

// gateProfile bundles the base criteria and verdict thresholds for one gate
// type. Criteria can be replaced per-system via SetCriteria (team adaptation);
// the profiles here are the shipped defaults.
type gateProfile struct {
	criteria         []schema.GateCriterion
	passThreshold    float64
	warningThreshold float64
}

func defaultProfiles() map[schema.GateType]gateProfile {
	return map[schema.GateType]gateProfile{
		schema.GatePreCommit: {
			passThreshold:    0.80,
			warningThreshold: 0.60,
			criteria: []schema.GateCriterion{
				{Name: "critical_issues", Threshold: 0, Operator: schema.OpLessOrEqual, Weight: 0.4, Required: true},
				{Name: "code_coverage", Threshold: 0.70, Operator: schema.OpGreaterOrEqual, Weight: 0.3},
				{Name: "style_violations", Threshold: 10, Operator: schema.OpLessOrEqual, Weight: 0.3},
			},
		},
		schema.GatePreMerge: {
			passThreshold:    0.85,
			warningThreshold: 0.70,
			criteria: []schema.GateCriterion{
				{Name: "code_coverage", Threshold: 0.85, Operator: schema.OpGreaterOrEqual, Weight: 0.3, Required: true},
				{Name: "test_pass_rate", Threshold: 0.95, Operator: schema.OpGreaterOrEqual, Weight: 0.4, Required: true},
				{Name: "critical_issues", Threshold: 0, Operator: schema.OpLessOrEqual, Weight: 0.3, Required: true},
			},
		},
		schema.GatePreDeploy: {
			passThreshold:    0.90,
			warningThreshold: 0.75,
			criteria: []schema.GateCriterion{
				{Name: "test_pass_rate", Threshold: 0.98, Operator: schema.OpGreaterOrEqual, Weight: 0.4, Required: true},
				{Name: "security_issues", Threshold: 0, Operator: schema.OpLessOrEqual, Weight: 0.3, Required: true},
				{Name: "performance_score", Threshold: 0.80, Operator: schema.OpGreaterOrEqual, Weight: 0.3},
			},
		},
		schema.GatePostDeploy: {
			passThreshold:    0.90,
			warningThreshold: 0.80,
			criteria: []schema.GateCriterion{
				{Name: "error_rate", Threshold: 0.01, Operator: schema.OpLessOrEqual, Weight: 0.4, Required: true},
				{Name: "availability", Threshold: 0.999, Operator: schema.OpGreaterOrEqual, Weight: 0.3, Required: true},
				{Name: "response_time_ms", Threshold: 500, Operator: schema.OpLessOrEqual, Weight: 0.3},
			},
		},
	}
}

// compare applies a criterion's operator to a measured value.
func compare(value, threshold float64, operator string) bool {
	switch operator {
	case schema.OpGreaterOrEqual:
		return value >= threshold
	case schema.OpLessOrEqual:
		return value <= threshold
	case schema.OpGreater:
		return value > threshold
	case schema.OpLess:
		return value < threshold
	case schema.OpEqual:
		return value == threshold
	default:
		return false
	}
}

// proximityScore gives partial credit for a failed criterion scaled by how
// close the value came to the threshold. Passed criteria score 1.0.
func proximityScore(value, threshold float64, operator string) float64 {
	switch operator {
	case schema.OpGreaterOrEqual, schema.OpGreater:
		if threshold <= 0 {
			return 0
		}
		return clamp01(value / threshold)
	case schema.OpLessOrEqual, schema.OpLess:
		if value <= 0 {
			return 0
		}
		if threshold <= 0 {
			// Any positive value misses a zero ceiling entirely.
			return 0
		}
		return clamp01(threshold / value)
	case schema.OpEqual:
		denom := threshold
		if denom < 0 {
			denom = -denom
		}
		if denom < 1 {
			denom = 1
		}
		diff := value - threshold
		if diff < 0 {
			diff = -diff
		}
		return clamp01(1 - diff/denom)
	default:
		return 0
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
