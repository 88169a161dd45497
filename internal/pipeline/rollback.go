package pipeline

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// RollbackPoint is a known-good configuration recorded before a risky change.
type RollbackPoint struct {
	WorkflowID string                     `json:"workflow_id"`
	Label      string                     `json:"label"`
	Definition *schema.WorkflowDefinition `json:"definition"`
	RecordedAt time.Time                  `json:"recorded_at"`
}

// RollbackManager records rollback points per workflow and replays the most
// recent one on demand.
type RollbackManager struct {
	runner WorkflowRunner
	logger *slog.Logger

	mu     sync.Mutex
	points map[string][]RollbackPoint
}

// NewRollbackManager creates a RollbackManager.
func NewRollbackManager(runner WorkflowRunner, logger *slog.Logger) *RollbackManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &RollbackManager{
		runner: runner,
		logger: logger,
		points: make(map[string][]RollbackPoint),
	}
}

// Record stores a rollback point for a workflow.
func (r *RollbackManager) Record(workflowID, label string, def *schema.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.points[workflowID] = append(r.points[workflowID], RollbackPoint{
		WorkflowID: workflowID,
		Label:      label,
		Definition: def,
		RecordedAt: time.Now().UTC(),
	})
}

// Points returns the recorded rollback points for a workflow, oldest first.
func (r *RollbackManager) Points(workflowID string) []RollbackPoint {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]RollbackPoint, len(r.points[workflowID]))
	copy(out, r.points[workflowID])
	return out
}

// Rollback executes the latest rollback point's definition. Returns NOT_FOUND
// when no point was ever recorded for the workflow.
func (r *RollbackManager) Rollback(ctx context.Context, workflowID string) (*schema.WorkflowResult, error) {
	r.mu.Lock()
	points := r.points[workflowID]
	var point *RollbackPoint
	if len(points) > 0 {
		point = &points[len(points)-1]
	}
	r.mu.Unlock()

	if point == nil {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"no rollback point recorded for workflow %q", workflowID)
	}

	r.logger.InfoContext(ctx, "executing rollback",
		"workflow_id", workflowID, "label", point.Label)
	return r.runner.ExecuteWorkflow(ctx, point.Definition, &schema.ExecutionContext{
		WorkflowID:  point.Definition.ID,
		TriggeredBy: "rollback",
		StartedAt:   time.Now().UTC(),
	})
}
