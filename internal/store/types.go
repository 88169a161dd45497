package store

import (
	"encoding/json"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// Execution is the persisted representation of one workflow execution.
type Execution struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Definition  schema.WorkflowDefinition `json:"definition"`
	Status      schema.WorkflowStatus     `json:"status"`
	TriggeredBy string                    `json:"triggered_by,omitempty"`
	Environment string                    `json:"environment,omitempty"`
	Params      map[string]any            `json:"params,omitempty"`
	Result      json.RawMessage           `json:"result,omitempty"` // terminal WorkflowResult
	CreatedAt   time.Time                 `json:"created_at"`
	StartedAt   *time.Time                `json:"started_at,omitempty"`
	CompletedAt *time.Time                `json:"completed_at,omitempty"`
	UpdatedAt   time.Time                 `json:"updated_at"`
}

// Event is an immutable entry in the event sourcing log.
type Event struct {
	ID          int64           `json:"id"`
	ExecutionID string          `json:"execution_id"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	StageID     string          `json:"stage_id,omitempty"`
	Type        string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
	Sequence    int64           `json:"sequence"`
}

// StageState is the materialized view of a stage's current execution state.
type StageState struct {
	ExecutionID string             `json:"execution_id"`
	StageID     string             `json:"stage_id"`
	Status      schema.StageStatus `json:"status"`
	Output      json.RawMessage    `json:"output,omitempty"`
	Error       json.RawMessage    `json:"error,omitempty"`
	RetryCount  int                `json:"retry_count"`
	StartedAt   *time.Time         `json:"started_at,omitempty"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	DurationMs  int64              `json:"duration_ms,omitempty"`
}

// GateRecord is a persisted gate evaluation outcome.
type GateRecord struct {
	ID          int64             `json:"id"`
	ExecutionID string            `json:"execution_id"`
	GateType    schema.GateType   `json:"gate_type"`
	Status      schema.GateStatus `json:"status"`
	Score       float64           `json:"score"`
	Detail      json.RawMessage   `json:"detail,omitempty"` // full GateResult
	EvaluatedAt time.Time         `json:"evaluated_at"`
}

// --- Filter and update types ---

// ExecutionFilter specifies criteria for listing executions.
type ExecutionFilter struct {
	WorkflowID string                 `json:"workflow_id,omitempty"`
	Status     *schema.WorkflowStatus `json:"status,omitempty"`
	Since      *time.Time             `json:"since,omitempty"`
	Limit      int                    `json:"limit,omitempty"`
	Offset     int                    `json:"offset,omitempty"`
}

// ExecutionUpdate specifies mutable fields of an execution.
type ExecutionUpdate struct {
	Status      *schema.WorkflowStatus `json:"status,omitempty"`
	Result      json.RawMessage        `json:"result,omitempty"`
	StartedAt   *time.Time             `json:"started_at,omitempty"`
	CompletedAt *time.Time             `json:"completed_at,omitempty"`
}

// EventFilter specifies criteria for listing events.
type EventFilter struct {
	ExecutionID string     `json:"execution_id,omitempty"`
	StageID     string     `json:"stage_id,omitempty"`
	Since       *time.Time `json:"since,omitempty"`
	Limit       int        `json:"limit,omitempty"`
}
