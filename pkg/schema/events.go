package schema

// Event type constants for the event log.
const (
	EventWorkflowStarted   = "workflow_started"
	EventWorkflowCompleted = "workflow_completed"
	EventWorkflowFailed    = "workflow_failed"
	EventWorkflowCancelled = "workflow_cancelled"
	EventWorkflowPaused    = "workflow_paused"
	EventWorkflowTimedOut  = "workflow_timed_out"
	EventWorkflowQueued    = "workflow_queued"

	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageSkipped   = "stage_skipped"
	EventStageCancelled = "stage_cancelled"
	EventStageRetrying  = "stage_retrying"

	EventRecoveryDecided   = "recovery_decided"
	EventRecoveryExecuted  = "recovery_executed"
	EventManualEscalation  = "manual_escalation"
	EventRollbackRequested = "rollback_requested"

	EventGateEvaluated = "gate_evaluated"

	EventResourcesAllocated = "resources_allocated"
	EventResourcesReleased  = "resources_released"
	EventAllocationExpired  = "allocation_expired"
)
