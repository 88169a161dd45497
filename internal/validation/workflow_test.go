package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func newValidator(t *testing.T) *WorkflowValidator {
	t.Helper()
	wv, err := NewWorkflowValidator()
	require.NoError(t, err)
	return wv
}

func diamondDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "ci-main",
		Stages: []schema.WorkflowStage{
			{ID: "build", Type: schema.StageTypeBuild},
			{ID: "test", Type: schema.StageTypeTest, DependsOn: []string{"build"}},
			{ID: "scan", Type: schema.StageTypeSecurityScan, DependsOn: []string{"build"}},
			{ID: "deploy", Type: schema.StageTypeDeploy, DependsOn: []string{"test", "scan"}},
		},
	}
}

func TestWorkflowValidator_ValidDefinition(t *testing.T) {
	wv := newValidator(t)

	result := wv.Validate(diamondDefinition())
	assert.True(t, result.Valid())
	assert.Empty(t, result.Warnings)
}

func TestWorkflowValidator_NilDefinition(t *testing.T) {
	wv := newValidator(t)

	result := wv.Validate(nil)
	assert.False(t, result.Valid())
}

func TestWorkflowValidator_MissingID(t *testing.T) {
	wv := newValidator(t)

	def := diamondDefinition()
	def.ID = ""

	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestWorkflowValidator_EmptyStages(t *testing.T) {
	wv := newValidator(t)

	result := wv.Validate(&schema.WorkflowDefinition{ID: "empty"})
	assert.False(t, result.Valid())
}

func TestWorkflowValidator_DuplicateStageIDs(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		ID: "dup",
		Stages: []schema.WorkflowStage{
			{ID: "build"},
			{ID: "build"},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "duplicate stage id")
}

func TestWorkflowValidator_UnknownStageType(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		ID: "bad-type",
		Stages: []schema.WorkflowStage{
			{ID: "build", Type: "compile"},
		},
	}

	result := wv.Validate(def)
	assert.False(t, result.Valid())
}

func TestWorkflowValidator_UnknownDependency(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		ID: "bad-dep",
		Stages: []schema.WorkflowStage{
			{ID: "test", DependsOn: []string{"build"}},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown stage")
}

func TestWorkflowValidator_SelfDependency(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		ID: "self",
		Stages: []schema.WorkflowStage{
			{ID: "build", DependsOn: []string{"build"}},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "depends on itself")
}

func TestWorkflowValidator_CycleDetected(t *testing.T) {
	wv := newValidator(t)

	def := &schema.WorkflowDefinition{
		ID: "cyclic",
		Stages: []schema.WorkflowStage{
			{ID: "a", DependsOn: []string{"c"}},
			{ID: "b", DependsOn: []string{"a"}},
			{ID: "c", DependsOn: []string{"b"}},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Equal(t, schema.ErrCodeCycleDetected, result.Errors[0].Code)
}

func TestWorkflowValidator_GateBindingRefs(t *testing.T) {
	wv := newValidator(t)

	def := diamondDefinition()
	def.Gates = []schema.GateBinding{
		{Gate: schema.GatePreMerge, AfterStage: "missing"},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	assert.Contains(t, result.Errors[0].Message, "unknown stage")
}

func TestWorkflowValidator_HighRetryCountWarns(t *testing.T) {
	wv := newValidator(t)

	def := diamondDefinition()
	def.Stages[0].RetryCount = 50

	result := wv.Validate(def)
	assert.True(t, result.Valid())
	require.Len(t, result.Warnings, 1)
	assert.Contains(t, result.Warnings[0].Message, "unusually high")
}

func TestWorkflowValidator_StructuralShortCircuits(t *testing.T) {
	wv := newValidator(t)

	// Structurally broken (empty stage id) and semantically broken (bad dep).
	// Only the structural error should surface.
	def := &schema.WorkflowDefinition{
		ID: "broken",
		Stages: []schema.WorkflowStage{
			{ID: ""},
			{ID: "b", DependsOn: []string{"nope"}},
		},
	}

	result := wv.Validate(def)
	require.False(t, result.Valid())
	for _, e := range result.Errors {
		assert.NotContains(t, e.Message, "unknown stage")
	}
}

func TestWorkflowValidator_ValidateDefinitionError(t *testing.T) {
	wv := newValidator(t)

	err := wv.ValidateDefinition(&schema.WorkflowDefinition{ID: "empty"})
	require.Error(t, err)

	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}
