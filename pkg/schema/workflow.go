package schema

import (
	"encoding/json"
	"time"
)

// WorkflowDefinition is the JSON-serializable workflow format: a directed
// acyclic graph of stages plus the triggers and quality gates bound to it.
// A definition is immutable once execution begins.
type WorkflowDefinition struct {
	ID          string          `json:"id"`
	Name        string          `json:"name,omitempty"`
	Environment string          `json:"environment,omitempty"`
	Stages      []WorkflowStage `json:"stages"`
	Triggers    []Trigger       `json:"triggers,omitempty"`
	Gates       []GateBinding   `json:"gates,omitempty"`
	OnFailure   string          `json:"on_failure,omitempty"` // fail | pause (default: fail)
	Metadata    map[string]any  `json:"metadata,omitempty"`
}

// WorkflowStage describes a single unit of work in a workflow.
type WorkflowStage struct {
	ID             string          `json:"id"`
	Name           string          `json:"name,omitempty"`
	Type           StageType       `json:"type,omitempty"`       // default: custom
	DependsOn      []string        `json:"depends_on,omitempty"` // stage IDs that must settle first
	Condition      string          `json:"condition,omitempty"`  // CEL expression, evaluated before execution
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
	RetryCount     int             `json:"retry_count,omitempty"` // max recovery-driven retries
	AllowFailure   bool            `json:"allow_failure,omitempty"`
	Parallel       bool            `json:"parallel,omitempty"` // may run concurrently within its wave
	Params         json.RawMessage `json:"params,omitempty"`   // executor-specific parameters
}

// StageType enumerates the kinds of stages in a workflow. The type feeds the
// resource cost estimator: build/test stages cost more than scan stages.
type StageType string

const (
	StageTypeBuild        StageType = "build"
	StageTypeTest         StageType = "test"
	StageTypeSecurityScan StageType = "security_scan"
	StageTypeAnalysis     StageType = "analysis"
	StageTypeDeploy       StageType = "deploy"
	StageTypeCustom       StageType = "custom"
)

// Trigger describes what may start a workflow (webhook, schedule, manual).
type Trigger struct {
	Type   string         `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// GateBinding attaches a quality gate to a point in the workflow.
type GateBinding struct {
	Gate       GateType `json:"gate"`
	AfterStage string   `json:"after_stage,omitempty"` // empty = after final stage
	DataFrom   string   `json:"data_from,omitempty"`   // stage whose output feeds the gate
}

// ExecutionContext carries per-run identity and trigger metadata. It is owned
// exclusively by one in-flight execution.
type ExecutionContext struct {
	WorkflowID  string         `json:"workflow_id"`
	ExecutionID string         `json:"execution_id"`
	TriggeredBy string         `json:"triggered_by,omitempty"`
	Trigger     map[string]any `json:"trigger,omitempty"`
	Environment string         `json:"environment,omitempty"`
	Params      map[string]any `json:"params,omitempty"`
	StartedAt   time.Time      `json:"started_at"`
}

// WorkflowStatus represents the lifecycle state of a workflow execution.
type WorkflowStatus string

const (
	WorkflowStatusPending   WorkflowStatus = "pending"
	WorkflowStatusRunning   WorkflowStatus = "running"
	WorkflowStatusCompleted WorkflowStatus = "completed"
	WorkflowStatusFailed    WorkflowStatus = "failed"
	WorkflowStatusCancelled WorkflowStatus = "cancelled"
	WorkflowStatusPaused    WorkflowStatus = "paused"
)

// Terminal reports whether the status is final.
func (s WorkflowStatus) Terminal() bool {
	switch s {
	case WorkflowStatusCompleted, WorkflowStatusFailed, WorkflowStatusCancelled:
		return true
	}
	return false
}

// StageStatus represents the lifecycle state of a stage attempt.
type StageStatus string

const (
	StageStatusPending   StageStatus = "pending"
	StageStatusRunning   StageStatus = "running"
	StageStatusCompleted StageStatus = "completed"
	StageStatusFailed    StageStatus = "failed"
	StageStatusCancelled StageStatus = "cancelled"
	StageStatusSkipped   StageStatus = "skipped"
)

// Settled reports whether the stage has reached a state that unblocks (or
// terminally blocks) its dependents.
func (s StageStatus) Settled() bool {
	switch s {
	case StageStatusCompleted, StageStatusFailed, StageStatusCancelled, StageStatusSkipped:
		return true
	}
	return false
}
