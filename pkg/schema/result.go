package schema

import (
	"encoding/json"
	"time"
)

// WorkflowResult is the canonical outcome of one execution. It is created at
// execution start, mutated by the engine as stages settle, and immutable once
// Status is terminal. Callers must inspect Status and SuccessRate rather than
// relying on the absence of errors.
type WorkflowResult struct {
	ExecutionID  string          `json:"execution_id"`
	WorkflowID   string          `json:"workflow_id"`
	Status       WorkflowStatus  `json:"status"`
	StageResults []StageResult   `json:"stage_results"`
	GateResults  []GateResult    `json:"gate_results,omitempty"`
	StartedAt    time.Time       `json:"started_at"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	SuccessRate  float64         `json:"success_rate"`
	ErrorMessage string          `json:"error_message,omitempty"`
	Error        *ConductorError `json:"error,omitempty"`
}

// StageResult records one stage execution attempt. A retried stage produces a
// new StageResult appended to the history, never an overwrite, so the result
// list is a complete audit trail.
type StageResult struct {
	StageID      string          `json:"stage_id"`
	Attempt      int             `json:"attempt"` // 0 = first attempt
	Status       StageStatus     `json:"status"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
	DurationMs   int64           `json:"duration_ms,omitempty"`
	Output       json.RawMessage `json:"output,omitempty"`
	ErrorMessage string          `json:"error_message,omitempty"`
	RetryCount   int             `json:"retry_count"`
	Logs         []string        `json:"logs,omitempty"`
}

// LatestAttempts reduces the audit trail to the most recent attempt per stage.
func LatestAttempts(results []StageResult) map[string]StageResult {
	latest := make(map[string]StageResult, len(results))
	for _, sr := range results {
		if prev, ok := latest[sr.StageID]; !ok || sr.Attempt >= prev.Attempt {
			latest[sr.StageID] = sr
		}
	}
	return latest
}
