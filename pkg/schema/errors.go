package schema

import "fmt"

// Error codes for structured error reporting.
const (
	ErrCodeValidation        = "VALIDATION_ERROR"
	ErrCodeCycleDetected     = "CYCLE_DETECTED"
	ErrCodeExecution         = "EXECUTION_ERROR"
	ErrCodeStageFailed       = "STAGE_FAILED"
	ErrCodeTimeout           = "TIMEOUT_ERROR"
	ErrCodeResourceExhausted = "RESOURCE_EXHAUSTED"
	ErrCodeRecoveryExhausted = "RECOVERY_EXHAUSTED"
	ErrCodeNotFound          = "NOT_FOUND"
	ErrCodeConflict          = "CONFLICT"
	ErrCodeInvalidTransition = "INVALID_TRANSITION"
	ErrCodeCancelled         = "CANCELLED"
	ErrCodeStore             = "STORE_ERROR"
	ErrCodeGateFailed        = "GATE_FAILED"
)

// ConductorError is the structured error type for all engine operations.
type ConductorError struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
	StageID string         `json:"stage_id,omitempty"`
	Cause   error          `json:"-"`
}

func (e *ConductorError) Error() string {
	if e.StageID != "" {
		return fmt.Sprintf("[%s] stage %s: %s", e.Code, e.StageID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *ConductorError) Unwrap() error {
	return e.Cause
}

// IsRetryable reports whether the error code marks a transient condition.
// Structural and configuration errors are never retryable.
func (e *ConductorError) IsRetryable() bool {
	switch e.Code {
	case ErrCodeValidation, ErrCodeCycleDetected, ErrCodeNotFound,
		ErrCodeConflict, ErrCodeInvalidTransition, ErrCodeCancelled,
		ErrCodeRecoveryExhausted, ErrCodeGateFailed:
		return false
	}
	return true
}

// NewError creates a new ConductorError.
func NewError(code, message string) *ConductorError {
	return &ConductorError{Code: code, Message: message}
}

// NewErrorf creates a new ConductorError with a formatted message.
func NewErrorf(code, format string, args ...any) *ConductorError {
	return &ConductorError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// WithStage attaches a stage ID to the error.
func (e *ConductorError) WithStage(stageID string) *ConductorError {
	e.StageID = stageID
	return e
}

// WithCause attaches an underlying cause.
func (e *ConductorError) WithCause(err error) *ConductorError {
	e.Cause = err
	return e
}

// WithDetails attaches key-value details.
func (e *ConductorError) WithDetails(details map[string]any) *ConductorError {
	e.Details = details
	return e
}
