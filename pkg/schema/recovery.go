package schema

import "time"

// FailureType classifies a stage failure by its error message.
type FailureType string

const (
	FailureTimeout            FailureType = "timeout"
	FailureResourceExhaustion FailureType = "resource_exhaustion"
	FailureAuthentication     FailureType = "authentication"
	FailureNetwork            FailureType = "network"
	FailureDependency         FailureType = "dependency"
	FailureValidation         FailureType = "validation"
	FailureUnknown            FailureType = "unknown"
)

// RecoveryStrategy is the chosen remedial action for a classified failure.
type RecoveryStrategy string

const (
	StrategyRetry              RecoveryStrategy = "retry"
	StrategyRetryWithBackoff   RecoveryStrategy = "retry_with_backoff"
	StrategySkip               RecoveryStrategy = "skip"
	StrategyRollback           RecoveryStrategy = "rollback"
	StrategyManualIntervention RecoveryStrategy = "manual_intervention"
)

// FailureContext captures everything the recovery engine needs to decide.
// PriorFailures carries the IDs of earlier failures in the same execution so
// repeated failures can escalate.
type FailureContext struct {
	WorkflowID    string      `json:"workflow_id"`
	ExecutionID   string      `json:"execution_id"`
	StageID       string      `json:"stage_id"`
	FailureType   FailureType `json:"failure_type"`
	ErrorMessage  string      `json:"error_message"`
	RetryCount    int         `json:"retry_count"`
	PriorFailures []string    `json:"prior_failures,omitempty"`
}

// RecoveryAction is the decision: a strategy plus its parameters and a
// success-probability estimate from historical data.
type RecoveryAction struct {
	Strategy           RecoveryStrategy `json:"strategy"`
	BackoffSeconds     float64          `json:"backoff_seconds,omitempty"`
	Parameters         map[string]any   `json:"parameters,omitempty"`
	SuccessProbability float64          `json:"success_probability"`
}

// RecoveryOutcome is the explicit result variant of executing a recovery
// action. Failures of the recovery machinery itself become OutcomeErrored;
// they are never propagated as panics or raw errors.
type RecoveryOutcome string

const (
	OutcomeSucceeded RecoveryOutcome = "succeeded"
	OutcomeDeclined  RecoveryOutcome = "declined"
	OutcomeErrored   RecoveryOutcome = "errored"
)

// Resolved reports whether the outcome permits the engine to retry the stage.
func (o RecoveryOutcome) Resolved() bool {
	return o == OutcomeSucceeded
}

// RecoveryResult is the outcome of executing a RecoveryAction.
type RecoveryResult struct {
	Action     RecoveryAction  `json:"action"`
	Outcome    RecoveryOutcome `json:"outcome"`
	Reason     string          `json:"reason,omitempty"`
	DurationMs int64           `json:"duration_ms"`
	Timestamp  time.Time       `json:"timestamp"`
}
