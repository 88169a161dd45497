package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCEL(t *testing.T) *CELEngine {
	t.Helper()
	e, err := NewCELEngine()
	require.NoError(t, err)
	return e
}

func TestCELEngine_Name(t *testing.T) {
	assert.Equal(t, "cel", newCEL(t).Name())
}

func TestCELEngine_EmptyExpression(t *testing.T) {
	_, err := newCEL(t).Evaluate(context.Background(), "", nil)
	assert.Error(t, err)
}

func TestCELEngine_StageOutputAccess(t *testing.T) {
	e := newCEL(t)

	out, err := e.Evaluate(context.Background(), `stages["build"]["ok"] == true`, map[string]any{
		"stages": map[string]any{
			"build": map[string]any{"ok": true},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_ParamsGuard(t *testing.T) {
	e := newCEL(t)

	out, err := e.EvaluateBool(context.Background(), `params["environment"] == "production"`, map[string]any{
		"params": map[string]any{"environment": "production"},
	})
	require.NoError(t, err)
	assert.True(t, out)
}

func TestCELEngine_MissingKeysDefaultToEmptyMaps(t *testing.T) {
	e := newCEL(t)

	// No data at all: every namespace is an empty map, not a nil reference.
	out, err := e.Evaluate(context.Background(), `size(stages) == 0 && size(params) == 0`, nil)
	require.NoError(t, err)
	assert.Equal(t, true, out)
}

func TestCELEngine_CompileErrorIsValidation(t *testing.T) {
	e := newCEL(t)

	_, err := e.Evaluate(context.Background(), `this is not CEL ===`, nil)
	assert.Error(t, err)
}

func TestCELEngine_EvaluateBool_NonBool(t *testing.T) {
	e := newCEL(t)

	_, err := e.EvaluateBool(context.Background(), `"a string"`, nil)
	assert.Error(t, err)
}

func TestCELEngine_CacheReuse(t *testing.T) {
	e := newCEL(t)
	exprStr := `params["n"] == 1.0`

	_, err := e.Evaluate(context.Background(), exprStr, map[string]any{"params": map[string]any{"n": 1.0}})
	require.NoError(t, err)

	e.mu.RLock()
	_, cached := e.cache[exprStr]
	e.mu.RUnlock()
	assert.True(t, cached)
}
