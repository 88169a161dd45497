package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGoJQEngine_Name(t *testing.T) {
	assert.Equal(t, "jq", NewGoJQEngine().Name())
}

func TestGoJQEngine_EmptyExpression(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestGoJQEngine_SimplePath(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".coverage.percent", map[string]any{
		"coverage": map[string]any{"percent": 0.91},
	})
	require.NoError(t, err)
	assert.InDelta(t, 0.91, out, 1e-9)
}

func TestGoJQEngine_IntNormalizedToFloat(t *testing.T) {
	e := NewGoJQEngine()

	// Go ints in the payload behave as jq numbers.
	out, err := e.Evaluate(context.Background(), ".issues | length", map[string]any{
		"issues": []any{1, 2, 3},
	})
	require.NoError(t, err)
	assert.EqualValues(t, 3, out)
}

func TestGoJQEngine_MissingPathYieldsNil(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".does.not.exist", map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}

func TestGoJQEngine_MultipleOutputsCollected(t *testing.T) {
	e := NewGoJQEngine()

	out, err := e.Evaluate(context.Background(), ".xs[]", map[string]any{
		"xs": []any{"a", "b"},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b"}, out)
}

func TestGoJQEngine_ParseError(t *testing.T) {
	_, err := NewGoJQEngine().Evaluate(context.Background(), ".[unclosed", nil)
	assert.Error(t, err)
}

func TestGoJQEngine_EnvAccessBlocked(t *testing.T) {
	t.Setenv("GATE_SECRET", "value")

	out, err := NewGoJQEngine().Evaluate(context.Background(), `$ENV.GATE_SECRET`, map[string]any{})
	require.NoError(t, err)
	assert.Nil(t, out)
}
