package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-ci/conductor/internal/resources"
	"github.com/conductor-ci/conductor/internal/store"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// WorkflowRunner is the slice of the engine the pipeline layer consumes.
// *engine.Engine satisfies it.
type WorkflowRunner interface {
	ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) (*schema.WorkflowResult, error)
	Cancel(executionID string) bool
	Status(ctx context.Context, executionID string) (*schema.WorkflowResult, error)
}

// TriggerRequest describes what is starting a workflow.
type TriggerRequest struct {
	TriggeredBy string
	Trigger     map[string]any
	Environment string
	Params      map[string]any
}

// TriggerOutcome reports how a trigger was handled: executed to a settled
// result, or parked in the admission queue until capacity frees up.
type TriggerOutcome struct {
	ExecutionID string
	Queued      bool
	Result      *schema.WorkflowResult
}

// Manager connects triggers to the engine. When admission is denied it queues
// the execution instead of failing, and the supervisor's promotion loop later
// relaunches it through LaunchQueued.
type Manager struct {
	runner WorkflowRunner
	queue  *resources.Queue
	store  store.Store
	logger *slog.Logger
}

// Option customizes a Manager.
type Option func(*Manager)

// WithStore sets the event log target for queue events.
func WithStore(st store.Store) Option {
	return func(m *Manager) { m.store = st }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// NewManager creates a pipeline Manager.
func NewManager(runner WorkflowRunner, queue *resources.Queue, opts ...Option) *Manager {
	m := &Manager{
		runner: runner,
		queue:  queue,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Trigger starts a workflow for the given request. Admission denial is not an
// error: the execution is queued and the outcome says so. All other engine
// errors propagate.
func (m *Manager) Trigger(ctx context.Context, def *schema.WorkflowDefinition, req TriggerRequest) (*TriggerOutcome, error) {
	execCtx := &schema.ExecutionContext{
		WorkflowID:  def.ID,
		ExecutionID: uuid.NewString(),
		TriggeredBy: req.TriggeredBy,
		Trigger:     req.Trigger,
		Environment: req.Environment,
		Params:      req.Params,
		StartedAt:   time.Now().UTC(),
	}

	result, err := m.runner.ExecuteWorkflow(ctx, def, execCtx)
	if err != nil {
		var cErr *schema.ConductorError
		if errors.As(err, &cErr) && cErr.Code == schema.ErrCodeResourceExhausted {
			m.enqueue(ctx, def, execCtx)
			return &TriggerOutcome{ExecutionID: execCtx.ExecutionID, Queued: true}, nil
		}
		return nil, err
	}
	return &TriggerOutcome{ExecutionID: execCtx.ExecutionID, Result: result}, nil
}

// LaunchQueued re-runs a previously queued workflow, preserving its execution
// ID. Wired as the supervisor's Launcher. If capacity vanished again between
// the admission re-check and the engine's atomic allocation, the workflow goes
// back to the queue.
func (m *Manager) LaunchQueued(ctx context.Context, queued *resources.QueuedWorkflow) {
	execCtx := &schema.ExecutionContext{
		WorkflowID:  queued.WorkflowID,
		ExecutionID: queued.ExecutionID,
		TriggeredBy: "queue_promotion",
		StartedAt:   time.Now().UTC(),
	}

	_, err := m.runner.ExecuteWorkflow(ctx, queued.Definition, execCtx)
	if err == nil {
		return
	}

	var cErr *schema.ConductorError
	if errors.As(err, &cErr) && cErr.Code == schema.ErrCodeResourceExhausted {
		m.enqueue(ctx, queued.Definition, execCtx)
		return
	}
	m.logger.ErrorContext(ctx, "queued workflow launch failed",
		"workflow_id", queued.WorkflowID,
		"execution_id", queued.ExecutionID,
		"error", err)
}

// Cancel stops an execution whether it is in flight or still queued.
func (m *Manager) Cancel(executionID string) bool {
	if m.queue.Remove(executionID) {
		return true
	}
	return m.runner.Cancel(executionID)
}

// Status reports the current result snapshot for an execution.
func (m *Manager) Status(ctx context.Context, executionID string) (*schema.WorkflowResult, error) {
	return m.runner.Status(ctx, executionID)
}

// QueueDepth returns the number of executions waiting for capacity.
func (m *Manager) QueueDepth() int {
	return m.queue.Len()
}

func (m *Manager) enqueue(ctx context.Context, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) {
	m.queue.Enqueue(def, def.ID, execCtx.ExecutionID)
	m.logger.InfoContext(ctx, "workflow queued for capacity",
		"workflow_id", def.ID, "execution_id", execCtx.ExecutionID)
	if m.store == nil {
		return
	}
	err := m.store.AppendEvent(ctx, &store.Event{
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  def.ID,
		Type:        schema.EventWorkflowQueued,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		m.logger.WarnContext(ctx, "queue event append failed", "error", err)
	}
}
