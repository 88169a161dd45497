package gates

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func TestExecuteGate_PreMergeAllPassing(t *testing.T) {
	s := NewSystem()

	result, err := s.ExecuteGate(context.Background(), schema.GatePreMerge, "exec-1", map[string]any{
		"code_coverage":   0.92,
		"test_pass_rate":  0.99,
		"critical_issues": 0,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GatePassed, result.Status)
	assert.Equal(t, 1.0, result.Score)
	assert.Empty(t, result.Recommendations)
}

func TestExecuteGate_RequiredFailureForcesFailed(t *testing.T) {
	s := NewSystem()

	// code_coverage passes with full credit, but test_pass_rate (required)
	// misses its threshold: the gate fails regardless of the aggregate score.
	result, err := s.ExecuteGate(context.Background(), schema.GatePreMerge, "exec-1", map[string]any{
		"code_coverage":   0.90,
		"test_pass_rate":  0.80,
		"critical_issues": 0,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GateFailed, result.Status)

	byName := make(map[string]schema.CriterionResult)
	for _, cr := range result.Criteria {
		byName[cr.Name] = cr
	}
	assert.True(t, byName["code_coverage"].Passed)
	assert.Equal(t, 1.0, byName["code_coverage"].Score)
	assert.False(t, byName["test_pass_rate"].Passed)
	assert.NotEmpty(t, result.Recommendations)
}

func TestExecuteGate_ProximityPartialCredit(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreCommit, []schema.GateCriterion{
		{Name: "code_coverage", Threshold: 0.80, Operator: schema.OpGreaterOrEqual, Weight: 1.0},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreCommit, "exec-1", map[string]any{
		"code_coverage": 0.60,
	})
	require.NoError(t, err)
	require.Len(t, result.Criteria, 1)
	assert.False(t, result.Criteria[0].Passed)
	assert.InDelta(t, 0.75, result.Criteria[0].Score, 1e-9) // 0.60 / 0.80
}

func TestExecuteGate_WarningBand(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreCommit, []schema.GateCriterion{
		{Name: "a", Threshold: 1.0, Operator: schema.OpGreaterOrEqual, Weight: 0.5},
		{Name: "b", Threshold: 1.0, Operator: schema.OpGreaterOrEqual, Weight: 0.5},
	})

	// One full pass, one at 0.4 proximity: score 0.7, inside [0.6, 0.8).
	result, err := s.ExecuteGate(context.Background(), schema.GatePreCommit, "exec-1", map[string]any{
		"a": 1.0,
		"b": 0.4,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GateWarning, result.Status)
	assert.InDelta(t, 0.7, result.Score, 1e-9)
}

func TestExecuteGate_MissingMetricScoresZero(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreCommit, []schema.GateCriterion{
		{Name: "code_coverage", Threshold: 0.80, Operator: schema.OpGreaterOrEqual, Weight: 1.0},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreCommit, "exec-1", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, schema.GateFailed, result.Status)
	require.Len(t, result.Criteria, 1)
	assert.True(t, result.Criteria[0].Missing)
	assert.Zero(t, result.Criteria[0].Score)
}

func TestExecuteGate_JQSourceFallback(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreMerge, []schema.GateCriterion{
		{
			Name:      "code_coverage",
			Threshold: 0.85,
			Operator:  schema.OpGreaterOrEqual,
			Weight:    1.0,
			Required:  true,
			Source:    ".coverage.line_rate",
		},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreMerge, "exec-1", map[string]any{
		"coverage": map[string]any{"line_rate": 0.91},
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GatePassed, result.Status)
	assert.InDelta(t, 0.91, result.Criteria[0].Value, 1e-9)
}

func TestExecuteGate_ExpressionFallback(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreMerge, []schema.GateCriterion{
		{
			Name:       "test_pass_rate",
			Threshold:  0.95,
			Operator:   schema.OpGreaterOrEqual,
			Weight:     1.0,
			Required:   true,
			Expression: "passed / total",
		},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreMerge, "exec-1", map[string]any{
		"passed": 97.0,
		"total":  100.0,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GatePassed, result.Status)
	assert.InDelta(t, 0.97, result.Criteria[0].Value, 1e-9)
}

func TestExecuteGate_DirectKeyWinsOverSource(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreMerge, []schema.GateCriterion{
		{
			Name:      "code_coverage",
			Threshold: 0.85,
			Operator:  schema.OpGreaterOrEqual,
			Weight:    1.0,
			Source:    ".coverage.line_rate",
		},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreMerge, "exec-1", map[string]any{
		"code_coverage": 0.99,
		"coverage":      map[string]any{"line_rate": 0.10},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.99, result.Criteria[0].Value, 1e-9)
}

func TestExecuteGate_UnknownGateType(t *testing.T) {
	s := NewSystem()

	_, err := s.ExecuteGate(context.Background(), "mid_sprint", "exec-1", nil)
	require.Error(t, err)
	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestExecuteGate_ZeroCeilingCriterion(t *testing.T) {
	s := NewSystem()
	s.SetCriteria(schema.GatePreCommit, []schema.GateCriterion{
		{Name: "critical_issues", Threshold: 0, Operator: schema.OpLessOrEqual, Weight: 1.0, Required: true},
	})

	result, err := s.ExecuteGate(context.Background(), schema.GatePreCommit, "exec-1", map[string]any{
		"critical_issues": 3,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GateFailed, result.Status)
	assert.Zero(t, result.Criteria[0].Score)

	result, err = s.ExecuteGate(context.Background(), schema.GatePreCommit, "exec-1", map[string]any{
		"critical_issues": 0,
	})
	require.NoError(t, err)
	assert.Equal(t, schema.GatePassed, result.Status)
}

func TestSetCriteria_IsolatedFromCaller(t *testing.T) {
	s := NewSystem()

	criteria := []schema.GateCriterion{
		{Name: "x", Threshold: 1, Operator: schema.OpGreaterOrEqual, Weight: 1},
	}
	s.SetCriteria(schema.GatePreCommit, criteria)
	criteria[0].Threshold = 99

	active := s.Criteria(schema.GatePreCommit)
	assert.Equal(t, 1.0, active[0].Threshold)
}
