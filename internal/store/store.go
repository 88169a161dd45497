package store

import "context"

// Store defines the persistence layer contract.
// All implementations must be safe for concurrent use.
type Store interface {
	// Executions
	CreateExecution(ctx context.Context, exec *Execution) error
	GetExecution(ctx context.Context, executionID string) (*Execution, error)
	UpdateExecution(ctx context.Context, executionID string, update ExecutionUpdate) error
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*Execution, error)

	// Event sourcing (append-only, per-execution monotonic sequence)
	AppendEvent(ctx context.Context, event *Event) error
	GetEvents(ctx context.Context, executionID string, since int64) ([]*Event, error)
	GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*Event, error)

	// Stage state (materialized view)
	UpsertStageState(ctx context.Context, state *StageState) error
	GetStageState(ctx context.Context, executionID, stageID string) (*StageState, error)
	ListStageStates(ctx context.Context, executionID string) ([]*StageState, error)

	// Gate results
	SaveGateResult(ctx context.Context, rec *GateRecord) error
	ListGateResults(ctx context.Context, executionID string) ([]*GateRecord, error)

	// Maintenance
	Migrate(ctx context.Context) error

	// Lifecycle
	Close() error
}
