package pipeline

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/conductor-ci/conductor/internal/gates"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// DeploymentRequest describes one environment promotion.
type DeploymentRequest struct {
	Definition  *schema.WorkflowDefinition
	Environment string
	// PreMetrics feed the PRE_DEPLOY gate before anything runs.
	PreMetrics map[string]any
	// PostMetricsStage names the stage whose output feeds the POST_DEPLOY
	// gate. Empty skips post-deploy verification.
	PostMetricsStage string
	Params           map[string]any
}

// DeploymentResult is the outcome of a coordinated deployment.
type DeploymentResult struct {
	ExecutionID    string                 `json:"execution_id"`
	Environment    string                 `json:"environment"`
	PreGate        *schema.GateResult     `json:"pre_gate,omitempty"`
	PostGate       *schema.GateResult     `json:"post_gate,omitempty"`
	Workflow       *schema.WorkflowResult `json:"workflow,omitempty"`
	RolledBack     bool                   `json:"rolled_back"`
	RollbackResult *schema.WorkflowResult `json:"rollback_result,omitempty"`
}

// DeploymentCoordinator wraps deploy workflows with PRE_DEPLOY and
// POST_DEPLOY quality gates and triggers rollback when post-deploy
// verification fails.
type DeploymentCoordinator struct {
	runner    WorkflowRunner
	gates     *gates.System
	rollbacks *RollbackManager
	logger    *slog.Logger
}

// NewDeploymentCoordinator creates a coordinator. The rollback manager may be
// nil, in which case failed post-deploy verification only reports.
func NewDeploymentCoordinator(runner WorkflowRunner, gateSystem *gates.System, rollbacks *RollbackManager, logger *slog.Logger) *DeploymentCoordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeploymentCoordinator{
		runner:    runner,
		gates:     gateSystem,
		rollbacks: rollbacks,
		logger:    logger,
	}
}

// Deploy promotes a workflow into an environment. Order of operations:
// PRE_DEPLOY gate, the deploy workflow itself, then the POST_DEPLOY gate over
// the named stage's output. A failed pre-gate stops before any stage runs; a
// failed post-gate rolls back to the latest recorded rollback point.
func (c *DeploymentCoordinator) Deploy(ctx context.Context, req DeploymentRequest) (*DeploymentResult, error) {
	if req.Definition == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "deployment needs a workflow definition")
	}

	out := &DeploymentResult{Environment: req.Environment}

	preGate, err := c.gates.ExecuteGate(ctx, schema.GatePreDeploy, "", req.PreMetrics)
	if err != nil {
		return nil, err
	}
	out.PreGate = preGate
	if preGate.Status == schema.GateFailed {
		return out, schema.NewErrorf(schema.ErrCodeGateFailed,
			"pre-deploy gate failed with score %.2f", preGate.Score)
	}

	def := *req.Definition
	def.Environment = req.Environment
	result, err := c.runner.ExecuteWorkflow(ctx, &def, &schema.ExecutionContext{
		WorkflowID:  def.ID,
		TriggeredBy: "deployment",
		Environment: req.Environment,
		Params:      req.Params,
	})
	if err != nil {
		return out, err
	}
	out.Workflow = result
	out.ExecutionID = result.ExecutionID
	if result.Status != schema.WorkflowStatusCompleted {
		return out, schema.NewErrorf(schema.ErrCodeExecution,
			"deploy workflow finished %s", result.Status)
	}

	if req.PostMetricsStage == "" {
		return out, nil
	}

	postGate, err := c.gates.ExecuteGate(ctx, schema.GatePostDeploy,
		result.ExecutionID, stageOutputMetrics(result, req.PostMetricsStage))
	if err != nil {
		return out, err
	}
	out.PostGate = postGate
	if postGate.Status != schema.GateFailed {
		return out, nil
	}

	c.logger.WarnContext(ctx, "post-deploy verification failed",
		"workflow_id", def.ID, "environment", req.Environment, "score", postGate.Score)
	if c.rollbacks != nil {
		rollback, rbErr := c.rollbacks.Rollback(ctx, def.ID)
		if rbErr != nil {
			c.logger.ErrorContext(ctx, "rollback failed", "workflow_id", def.ID, "error", rbErr)
		} else {
			out.RolledBack = true
			out.RollbackResult = rollback
		}
	}
	return out, schema.NewErrorf(schema.ErrCodeGateFailed,
		"post-deploy gate failed with score %.2f", postGate.Score)
}

// stageOutputMetrics extracts the latest output of one stage as a metrics map.
func stageOutputMetrics(result *schema.WorkflowResult, stageID string) map[string]any {
	latest := schema.LatestAttempts(result.StageResults)
	sr, ok := latest[stageID]
	if !ok || len(sr.Output) == 0 {
		return map[string]any{}
	}
	var metrics map[string]any
	if err := json.Unmarshal(sr.Output, &metrics); err != nil {
		return map[string]any{}
	}
	return metrics
}
