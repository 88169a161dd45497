package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExprEngine_Name(t *testing.T) {
	assert.Equal(t, "expr", NewExprEngine().Name())
}

func TestExprEngine_EmptyExpression(t *testing.T) {
	_, err := NewExprEngine().Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestExprEngine_Arithmetic(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "passed / total", map[string]any{
		"passed": 95.0,
		"total":  100.0,
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.95, out, 1e-9)
}

func TestExprEngine_ArrayOperations(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(),
		`len(filter(issues, .severity == "critical"))`,
		map[string]any{
			"issues": []any{
				map[string]any{"severity": "critical"},
				map[string]any{"severity": "low"},
				map[string]any{"severity": "critical"},
			},
		})
	require.NoError(t, err)
	assert.Equal(t, 2, out)
}

func TestExprEngine_UndefinedVariablesAllowed(t *testing.T) {
	e := NewExprEngine()

	out, err := e.Evaluate(context.Background(), "missing ?? 0", map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)
}

func TestExprEngine_RuntimeError(t *testing.T) {
	e := NewExprEngine()

	_, err := e.Evaluate(context.Background(), `1 / zero`, map[string]any{"zero": 0})
	assert.Error(t, err)
}
