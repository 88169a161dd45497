package schema

import "time"

// GateType identifies the workflow transition point a quality gate guards.
type GateType string

const (
	GatePreCommit  GateType = "pre_commit"
	GatePreMerge   GateType = "pre_merge"
	GatePreDeploy  GateType = "pre_deploy"
	GatePostDeploy GateType = "post_deploy"
)

// GateStatus is the verdict of a gate evaluation.
type GateStatus string

const (
	GatePassed  GateStatus = "passed"
	GateWarning GateStatus = "warning"
	GateFailed  GateStatus = "failed"
)

// Comparison operators for gate criteria.
const (
	OpGreaterOrEqual = ">="
	OpLessOrEqual    = "<="
	OpGreater        = ">"
	OpLess           = "<"
	OpEqual          = "=="
)

// GateCriterion is one weighted check within a quality gate. The measured
// value is looked up by Name in the analysis payload; Source (a jq path) and
// Expression (an expr program) are fallbacks for payloads that don't expose
// the metric as a top-level key.
type GateCriterion struct {
	Name       string  `json:"name"`
	Threshold  float64 `json:"threshold"`
	Operator   string  `json:"operator"`
	Weight     float64 `json:"weight"`
	Required   bool    `json:"required"`
	Source     string  `json:"source,omitempty"`     // jq path into the analysis payload
	Expression string  `json:"expression,omitempty"` // expr program over the analysis payload
}

// CriterionResult is the per-criterion evaluation outcome.
type CriterionResult struct {
	Name     string  `json:"name"`
	Value    float64 `json:"value"`
	Passed   bool    `json:"passed"`
	Score    float64 `json:"score"` // 1.0 full credit, partial credit on failure
	Required bool    `json:"required"`
	Missing  bool    `json:"missing,omitempty"` // metric absent from the payload
}

// GateResult aggregates per-criterion outcomes into a weighted score and a
// PASS/WARNING/FAILED verdict.
type GateResult struct {
	GateType        GateType          `json:"gate_type"`
	ExecutionID     string            `json:"execution_id,omitempty"`
	Status          GateStatus        `json:"status"`
	Score           float64           `json:"score"`
	Criteria        []CriterionResult `json:"criteria"`
	Recommendations []string          `json:"recommendations,omitempty"`
	EvaluatedAt     time.Time         `json:"evaluated_at"`
}

// GateAdaptation is the advisory output of threshold adaptation: it suggests,
// the caller applies.
type GateAdaptation struct {
	GateType        GateType              `json:"gate_type"`
	PassRate        float64               `json:"pass_rate"`
	Suggestions     []ThresholdSuggestion `json:"suggestions,omitempty"`
	FlaggedCriteria []string              `json:"flagged_criteria,omitempty"`
	Details         map[string]any        `json:"details,omitempty"`
}

// ThresholdSuggestion recommends a new threshold for one criterion.
type ThresholdSuggestion struct {
	Criterion string  `json:"criterion"`
	Current   float64 `json:"current"`
	Suggested float64 `json:"suggested"`
	Reason    string  `json:"reason"`
}
