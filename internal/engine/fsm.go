package engine

import (
	"context"
	"encoding/json"
	"time"

	"github.com/conductor-ci/conductor/internal/store"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// EventAppender receives lifecycle events as they are emitted by the state
// machines. store.Store satisfies it; tests may substitute a recorder.
type EventAppender interface {
	AppendEvent(ctx context.Context, event *store.Event) error
}

// TransitionHook runs around a state transition. Before-hooks may veto the
// transition by returning an error.
type TransitionHook func(ctx context.Context, executionID string, from, to string) error

// ValidWorkflowTransitions is the workflow lifecycle transition table.
var ValidWorkflowTransitions = map[schema.WorkflowStatus][]schema.WorkflowStatus{
	schema.WorkflowStatusPending: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusCancelled,
		schema.WorkflowStatusFailed,
	},
	schema.WorkflowStatusRunning: {
		schema.WorkflowStatusCompleted,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
		schema.WorkflowStatusPaused,
	},
	schema.WorkflowStatusPaused: {
		schema.WorkflowStatusRunning,
		schema.WorkflowStatusFailed,
		schema.WorkflowStatusCancelled,
	},
}

// ValidStageTransitions is the stage lifecycle transition table. failed may
// re-enter running when a recovery action grants a retry, and may move to
// skipped when the recovery strategy is SKIP.
var ValidStageTransitions = map[schema.StageStatus][]schema.StageStatus{
	schema.StageStatusPending: {
		schema.StageStatusRunning,
		schema.StageStatusSkipped,
		schema.StageStatusCancelled,
	},
	schema.StageStatusRunning: {
		schema.StageStatusCompleted,
		schema.StageStatusFailed,
		schema.StageStatusCancelled,
	},
	schema.StageStatusFailed: {
		schema.StageStatusRunning,
		schema.StageStatusSkipped,
		schema.StageStatusCancelled,
	},
}

type hookKey struct {
	from string
	to   string
}

// WorkflowFSM validates workflow status transitions and emits the
// corresponding event through the appender.
type WorkflowFSM struct {
	appender EventAppender
	before   map[hookKey][]TransitionHook
	after    map[hookKey][]TransitionHook
}

// NewWorkflowFSM creates a workflow state machine bound to an event appender.
func NewWorkflowFSM(appender EventAppender) *WorkflowFSM {
	return &WorkflowFSM{
		appender: appender,
		before:   make(map[hookKey][]TransitionHook),
		after:    make(map[hookKey][]TransitionHook),
	}
}

// OnBefore registers a hook that runs before the given transition commits.
func (f *WorkflowFSM) OnBefore(from, to schema.WorkflowStatus, hook TransitionHook) {
	k := hookKey{string(from), string(to)}
	f.before[k] = append(f.before[k], hook)
}

// OnAfter registers a hook that runs after the given transition commits.
func (f *WorkflowFSM) OnAfter(from, to schema.WorkflowStatus, hook TransitionHook) {
	k := hookKey{string(from), string(to)}
	f.after[k] = append(f.after[k], hook)
}

// Transition validates from->to against the workflow table, runs before
// hooks, appends the lifecycle event, then runs after hooks.
func (f *WorkflowFSM) Transition(ctx context.Context, workflowID, executionID string, from, to schema.WorkflowStatus, payload json.RawMessage) error {
	if !workflowTransitionValid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"workflow cannot move from %s to %s", from, to).
			WithDetails(map[string]any{"from": from, "to": to})
	}

	k := hookKey{string(from), string(to)}
	for _, hook := range f.before[k] {
		if err := hook(ctx, executionID, string(from), string(to)); err != nil {
			return err
		}
	}

	event := &store.Event{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Type:        workflowEventType(to),
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	if err := f.appender.AppendEvent(ctx, event); err != nil {
		return err
	}

	for _, hook := range f.after[k] {
		if err := hook(ctx, executionID, string(from), string(to)); err != nil {
			return err
		}
	}
	return nil
}

// StageFSM validates stage status transitions and emits the corresponding
// event through the appender.
type StageFSM struct {
	appender EventAppender
}

// NewStageFSM creates a stage state machine bound to an event appender.
func NewStageFSM(appender EventAppender) *StageFSM {
	return &StageFSM{appender: appender}
}

// Transition validates from->to against the stage table and appends the
// lifecycle event. A failed->running transition is a recovery retry and is
// recorded as stage_retrying.
func (f *StageFSM) Transition(ctx context.Context, workflowID, executionID, stageID string, from, to schema.StageStatus, payload json.RawMessage) error {
	if !stageTransitionValid(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"stage cannot move from %s to %s", from, to).
			WithStage(stageID).
			WithDetails(map[string]any{"from": from, "to": to})
	}

	event := &store.Event{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		StageID:     stageID,
		Type:        stageEventType(from, to),
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	}
	return f.appender.AppendEvent(ctx, event)
}

func workflowTransitionValid(from, to schema.WorkflowStatus) bool {
	for _, allowed := range ValidWorkflowTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func stageTransitionValid(from, to schema.StageStatus) bool {
	for _, allowed := range ValidStageTransitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

func workflowEventType(to schema.WorkflowStatus) string {
	switch to {
	case schema.WorkflowStatusRunning:
		return schema.EventWorkflowStarted
	case schema.WorkflowStatusCompleted:
		return schema.EventWorkflowCompleted
	case schema.WorkflowStatusFailed:
		return schema.EventWorkflowFailed
	case schema.WorkflowStatusCancelled:
		return schema.EventWorkflowCancelled
	case schema.WorkflowStatusPaused:
		return schema.EventWorkflowPaused
	default:
		return "workflow_" + string(to)
	}
}

func stageEventType(from, to schema.StageStatus) string {
	if from == schema.StageStatusFailed && to == schema.StageStatusRunning {
		return schema.EventStageRetrying
	}
	switch to {
	case schema.StageStatusRunning:
		return schema.EventStageStarted
	case schema.StageStatusCompleted:
		return schema.EventStageCompleted
	case schema.StageStatusFailed:
		return schema.EventStageFailed
	case schema.StageStatusSkipped:
		return schema.EventStageSkipped
	case schema.StageStatusCancelled:
		return schema.EventStageCancelled
	default:
		return "stage_" + string(to)
	}
}
