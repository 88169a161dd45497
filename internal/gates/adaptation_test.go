package gates

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func gateHistory(passed, failed int, criterionPassed bool) []schema.GateResult {
	var history []schema.GateResult
	for i := 0; i < passed; i++ {
		history = append(history, schema.GateResult{
			Status:   schema.GatePassed,
			Criteria: []schema.CriterionResult{{Name: "code_coverage", Passed: true}},
		})
	}
	for i := 0; i < failed; i++ {
		history = append(history, schema.GateResult{
			Status:   schema.GateFailed,
			Criteria: []schema.CriterionResult{{Name: "code_coverage", Passed: criterionPassed}},
		})
	}
	return history
}

func TestAdaptCriteria_EmptyHistory(t *testing.T) {
	s := NewSystem()

	adaptation := s.AdaptCriteria(schema.GatePreMerge, nil)
	assert.Zero(t, adaptation.PassRate)
	assert.Empty(t, adaptation.Suggestions)
}

func TestAdaptCriteria_LowPassRateSuggestsRelaxing(t *testing.T) {
	s := NewSystem()

	adaptation := s.AdaptCriteria(schema.GatePreMerge, gateHistory(2, 8, true))
	assert.InDelta(t, 0.2, adaptation.PassRate, 1e-9)
	require.NotEmpty(t, adaptation.Suggestions)

	for _, sg := range adaptation.Suggestions {
		if sg.Criterion == "code_coverage" {
			// >= threshold relaxes downward by ~10%.
			assert.InDelta(t, 0.765, sg.Suggested, 1e-3)
		}
	}
}

func TestAdaptCriteria_HighPassRateSuggestsTightening(t *testing.T) {
	s := NewSystem()

	adaptation := s.AdaptCriteria(schema.GatePreMerge, gateHistory(99, 1, true))
	assert.Greater(t, adaptation.PassRate, 0.95)
	require.NotEmpty(t, adaptation.Suggestions)

	for _, sg := range adaptation.Suggestions {
		if sg.Criterion == "code_coverage" {
			// >= threshold tightens upward by ~5%.
			assert.InDelta(t, 0.893, sg.Suggested, 1e-3)
		}
	}
}

func TestAdaptCriteria_MidPassRateNoSuggestions(t *testing.T) {
	s := NewSystem()

	adaptation := s.AdaptCriteria(schema.GatePreMerge, gateHistory(7, 3, true))
	assert.Empty(t, adaptation.Suggestions)
}

func TestAdaptCriteria_FlagsMiscalibratedCriterion(t *testing.T) {
	s := NewSystem()

	// code_coverage passes in only 2 of 10 samples.
	adaptation := s.AdaptCriteria(schema.GatePreMerge, gateHistory(2, 8, false))
	assert.Contains(t, adaptation.FlaggedCriteria, "code_coverage")
}

func TestAdaptCriteria_DoesNotMutateCriteria(t *testing.T) {
	s := NewSystem()
	before := s.Criteria(schema.GatePreMerge)

	s.AdaptCriteria(schema.GatePreMerge, gateHistory(0, 10, false))

	after := s.Criteria(schema.GatePreMerge)
	assert.Equal(t, before, after)
}

func TestAdjustThreshold_ZeroCeilingRelax(t *testing.T) {
	c := schema.GateCriterion{Name: "critical_issues", Threshold: 0, Operator: schema.OpLessOrEqual}
	assert.Equal(t, 1.0, adjustThreshold(c, relaxFactor))
}
