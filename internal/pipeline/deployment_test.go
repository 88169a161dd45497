package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/internal/gates"
	"github.com/conductor-ci/conductor/pkg/schema"
)

func passingPreMetrics() map[string]any {
	return map[string]any{
		"test_pass_rate":    0.99,
		"security_issues":   0,
		"performance_score": 0.90,
	}
}

// postRunner returns completed deploy results carrying a verify stage output.
type postRunner struct {
	fakeRunner
	verifyOutput json.RawMessage
}

func (p *postRunner) ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) (*schema.WorkflowResult, error) {
	result, err := p.fakeRunner.ExecuteWorkflow(ctx, def, execCtx)
	if err != nil || result == nil {
		return result, err
	}
	result.StageResults = []schema.StageResult{
		{StageID: "verify", Status: schema.StageStatusCompleted, Output: p.verifyOutput},
	}
	return result, nil
}

func deployDefinition() *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID: "release",
		Stages: []schema.WorkflowStage{
			{ID: "deploy", Type: schema.StageTypeDeploy},
			{ID: "verify", DependsOn: []string{"deploy"}},
		},
	}
}

func TestDeploy_PreGateBlocksBadRelease(t *testing.T) {
	runner := newFakeRunner()
	c := NewDeploymentCoordinator(runner, gates.NewSystem(gates.WithLogger(quietLogger())), nil, quietLogger())

	result, err := c.Deploy(context.Background(), DeploymentRequest{
		Definition:  deployDefinition(),
		Environment: "production",
		PreMetrics: map[string]any{
			"test_pass_rate":    0.80, // required 0.98
			"security_issues":   0,
			"performance_score": 0.90,
		},
	})
	require.Error(t, err)
	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeGateFailed, cErr.Code)

	require.NotNil(t, result.PreGate)
	assert.Equal(t, schema.GateFailed, result.PreGate.Status)
	assert.Empty(t, runner.executed, "workflow must not run after a failed pre-gate")
}

func TestDeploy_HealthyPathPassesBothGates(t *testing.T) {
	runner := &postRunner{verifyOutput: json.RawMessage(
		`{"error_rate": 0.001, "availability": 0.9999, "response_time_ms": 120}`)}
	runner.errQueue = map[string][]error{}
	runner.status = map[string]schema.WorkflowStatus{}
	c := NewDeploymentCoordinator(runner, gates.NewSystem(gates.WithLogger(quietLogger())), nil, quietLogger())

	result, err := c.Deploy(context.Background(), DeploymentRequest{
		Definition:       deployDefinition(),
		Environment:      "production",
		PreMetrics:       passingPreMetrics(),
		PostMetricsStage: "verify",
	})
	require.NoError(t, err)

	assert.Equal(t, schema.GatePassed, result.PreGate.Status)
	require.NotNil(t, result.PostGate)
	assert.Equal(t, schema.GatePassed, result.PostGate.Status)
	assert.False(t, result.RolledBack)
	assert.Equal(t, "production", result.Environment)
}

func TestDeploy_PostGateFailureTriggersRollback(t *testing.T) {
	runner := &postRunner{verifyOutput: json.RawMessage(
		`{"error_rate": 0.25, "availability": 0.91, "response_time_ms": 4000}`)}
	runner.errQueue = map[string][]error{}
	runner.status = map[string]schema.WorkflowStatus{}

	rollbacks := NewRollbackManager(runner, quietLogger())
	rollbacks.Record("release", "v41", &schema.WorkflowDefinition{
		ID:     "release-rollback",
		Stages: []schema.WorkflowStage{{ID: "revert"}},
	})

	c := NewDeploymentCoordinator(runner, gates.NewSystem(gates.WithLogger(quietLogger())), rollbacks, quietLogger())

	result, err := c.Deploy(context.Background(), DeploymentRequest{
		Definition:       deployDefinition(),
		Environment:      "production",
		PreMetrics:       passingPreMetrics(),
		PostMetricsStage: "verify",
	})
	require.Error(t, err)

	assert.Equal(t, schema.GateFailed, result.PostGate.Status)
	assert.True(t, result.RolledBack)
	require.NotNil(t, result.RollbackResult)
	assert.Equal(t, "release-rollback", result.RollbackResult.WorkflowID)
}

func TestDeploy_FailedWorkflowReportsExecutionError(t *testing.T) {
	runner := newFakeRunner()
	runner.status["release"] = schema.WorkflowStatusFailed
	c := NewDeploymentCoordinator(runner, gates.NewSystem(gates.WithLogger(quietLogger())), nil, quietLogger())

	result, err := c.Deploy(context.Background(), DeploymentRequest{
		Definition:  deployDefinition(),
		Environment: "staging",
		PreMetrics:  passingPreMetrics(),
	})
	require.Error(t, err)
	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeExecution, cErr.Code)
	require.NotNil(t, result.Workflow)
	assert.Equal(t, schema.WorkflowStatusFailed, result.Workflow.Status)
}

func TestDeploy_NilDefinitionRejected(t *testing.T) {
	c := NewDeploymentCoordinator(newFakeRunner(), gates.NewSystem(gates.WithLogger(quietLogger())), nil, quietLogger())

	_, err := c.Deploy(context.Background(), DeploymentRequest{Environment: "production"})
	require.Error(t, err)
}
