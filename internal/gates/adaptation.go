package gates

import (
	"fmt"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// Adaptation tuning: relax when the gate blocks most runs, tighten when it
// never does, flag criteria that almost always fail.
const (
	relaxBelowPassRate   = 0.50
	tightenAbovePassRate = 0.95
	relaxFactor          = 0.10
	tightenFactor        = 0.05
	flagBelowPassRate    = 0.30
)

// AdaptCriteria inspects historical gate results and produces an advisory
// adaptation report. It never mutates the stored criteria; callers apply
// suggestions via SetCriteria if they agree.
func (s *System) AdaptCriteria(gateType schema.GateType, history []schema.GateResult) schema.GateAdaptation {
	adaptation := schema.GateAdaptation{GateType: gateType}
	if len(history) == 0 {
		return adaptation
	}

	passed := 0
	criterionTotals := make(map[string]int)
	criterionPasses := make(map[string]int)
	for _, gr := range history {
		if gr.Status == schema.GatePassed {
			passed++
		}
		for _, cr := range gr.Criteria {
			criterionTotals[cr.Name]++
			if cr.Passed {
				criterionPasses[cr.Name]++
			}
		}
	}
	adaptation.PassRate = float64(passed) / float64(len(history))

	switch {
	case adaptation.PassRate < relaxBelowPassRate:
		adaptation.Suggestions = s.suggest(gateType, relaxFactor, "pass rate below 50%, relax threshold")
	case adaptation.PassRate > tightenAbovePassRate:
		adaptation.Suggestions = s.suggest(gateType, -tightenFactor, "pass rate above 95%, tighten threshold")
	}

	for name, total := range criterionTotals {
		rate := float64(criterionPasses[name]) / float64(total)
		if rate < flagBelowPassRate {
			adaptation.FlaggedCriteria = append(adaptation.FlaggedCriteria, name)
		}
	}

	adaptation.Details = map[string]any{
		"samples": len(history),
	}
	for _, sg := range adaptation.Suggestions {
		s.logger.Info("threshold suggestion",
			"gate_type", gateType,
			"suggestion", describeSuggestion(sg))
	}
	return adaptation
}

// suggest builds threshold suggestions for every criterion of the gate.
// A positive factor relaxes (easier to pass), a negative factor tightens.
func (s *System) suggest(gateType schema.GateType, factor float64, reason string) []schema.ThresholdSuggestion {
	var suggestions []schema.ThresholdSuggestion
	for _, criterion := range s.Criteria(gateType) {
		suggested := adjustThreshold(criterion, factor)
		if suggested == criterion.Threshold {
			continue
		}
		suggestions = append(suggestions, schema.ThresholdSuggestion{
			Criterion: criterion.Name,
			Current:   criterion.Threshold,
			Suggested: suggested,
			Reason:    reason,
		})
	}
	return suggestions
}

// adjustThreshold moves a threshold in the direction that makes the criterion
// easier (positive factor) or harder (negative factor) to satisfy, respecting
// the comparison direction.
func adjustThreshold(criterion schema.GateCriterion, factor float64) float64 {
	t := criterion.Threshold
	switch criterion.Operator {
	case schema.OpGreaterOrEqual, schema.OpGreater:
		// Lower bound: relaxing lowers it, tightening raises it.
		return round3(t * (1 - factor))
	case schema.OpLessOrEqual, schema.OpLess:
		// Upper bound: relaxing raises it, tightening lowers it.
		if t == 0 && factor > 0 {
			// A zero ceiling has no multiplicative headroom.
			return 1
		}
		return round3(t * (1 + factor))
	default:
		return t
	}
}

func round3(v float64) float64 {
	const p = 1000
	if v >= 0 {
		return float64(int64(v*p+0.5)) / p
	}
	return float64(int64(v*p-0.5)) / p
}

// String renders a suggestion for logs and reports.
func describeSuggestion(s schema.ThresholdSuggestion) string {
	return fmt.Sprintf("%s: %.3g -> %.3g (%s)", s.Criterion, s.Current, s.Suggested, s.Reason)
}
