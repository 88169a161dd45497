package engine

import (
	"context"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// EventSink receives execution outcomes as they settle. Implementations feed
// notification channels, metrics, or the pipeline layer; the engine never
// blocks on a sink, so implementations must return promptly.
type EventSink interface {
	WorkflowFinished(ctx context.Context, result *schema.WorkflowResult)
	StageSettled(ctx context.Context, executionID string, result schema.StageResult)
	GateEvaluated(ctx context.Context, executionID string, result schema.GateResult)
}

// NoopSink discards all notifications. The engine default.
type NoopSink struct{}

func (NoopSink) WorkflowFinished(context.Context, *schema.WorkflowResult) {}

func (NoopSink) StageSettled(context.Context, string, schema.StageResult) {}

func (NoopSink) GateEvaluated(context.Context, string, schema.GateResult) {}

var _ EventSink = NoopSink{}
