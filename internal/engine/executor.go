package engine

import (
	"context"
	"encoding/json"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// StageExecutor performs the actual work of a stage. Implementations must
// honor ctx cancellation: the engine enforces stage timeouts and cancel
// cascades through the context.
type StageExecutor interface {
	Execute(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to the StageExecutor interface.
type ExecutorFunc func(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error)

// Execute calls fn.
func (fn ExecutorFunc) Execute(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error) {
	return fn(ctx, stage, execCtx)
}

// NoopExecutor completes every stage immediately with an empty output. The
// engine default when no executor is wired; useful for plan and recovery
// testing.
type NoopExecutor struct{}

// Execute returns an empty JSON object.
func (NoopExecutor) Execute(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return json.RawMessage(`{}`), nil
}

// Registry routes stages to executors by stage type, with a fallback for
// unregistered types.
type Registry struct {
	byType   map[schema.StageType]StageExecutor
	fallback StageExecutor
}

// NewRegistry creates a Registry with the given fallback executor. A nil
// fallback defaults to NoopExecutor.
func NewRegistry(fallback StageExecutor) *Registry {
	if fallback == nil {
		fallback = NoopExecutor{}
	}
	return &Registry{
		byType:   make(map[schema.StageType]StageExecutor),
		fallback: fallback,
	}
}

// Register binds an executor to a stage type, replacing any previous binding.
func (r *Registry) Register(t schema.StageType, e StageExecutor) {
	r.byType[t] = e
}

// Execute dispatches to the executor registered for the stage's type.
func (r *Registry) Execute(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error) {
	if e, ok := r.byType[stage.Type]; ok {
		return e.Execute(ctx, stage, execCtx)
	}
	return r.fallback.Execute(ctx, stage, execCtx)
}

var (
	_ StageExecutor = ExecutorFunc(nil)
	_ StageExecutor = NoopExecutor{}
	_ StageExecutor = (*Registry)(nil)
)
