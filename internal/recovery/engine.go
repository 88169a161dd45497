package recovery

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// Tuning defaults for strategy selection.
const (
	defaultMaxRetryAttempts  = 3
	defaultBackoffMultiplier = 2.0
	defaultMaxBackoffSeconds = 300.0

	resourceBackoffSeconds = 30.0
	networkBackoffSeconds  = 15.0
	networkMaxRetries      = 2
	unknownMaxRetries      = 1

	minTimeoutSuccessRate = 0.3
)

// defaultSuccessRates seed the historical success-rate lookup when an
// execution has no recovery history yet.
var defaultSuccessRates = map[schema.FailureType]float64{
	schema.FailureTimeout:            0.6,
	schema.FailureResourceExhaustion: 0.7,
	schema.FailureAuthentication:     0.95,
	schema.FailureNetwork:            0.8,
	schema.FailureDependency:         0.3,
	schema.FailureValidation:         0.2,
	schema.FailureUnknown:            0.5,
}

// Engine classifies failures, selects a recovery strategy, and executes it.
// Pure decision logic plus bounded-effect actions: it sleeps for backoff and
// returns a directive, it never re-runs stage logic itself.
//
// The recovery history is keyed per execution (workflow_id:execution_id) and
// only appended to by the owning execution's recovery attempts.
type Engine struct {
	mu      sync.Mutex
	history map[string][]historyEntry

	maxRetryAttempts  int
	backoffMultiplier float64
	maxBackoffSeconds float64

	logger *slog.Logger
	sleep  func(ctx context.Context, d time.Duration) error
}

type historyEntry struct {
	failureType schema.FailureType
	result      schema.RecoveryResult
}

// Option customizes an Engine.
type Option func(*Engine)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMaxRetryAttempts overrides the timeout-strategy retry budget.
func WithMaxRetryAttempts(n int) Option {
	return func(e *Engine) { e.maxRetryAttempts = n }
}

// WithSleep overrides the backoff sleep. Used by tests to avoid real waits.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(e *Engine) { e.sleep = fn }
}

// NewEngine creates a recovery Engine with default tuning.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{
		history:           make(map[string][]historyEntry),
		maxRetryAttempts:  defaultMaxRetryAttempts,
		backoffMultiplier: defaultBackoffMultiplier,
		maxBackoffSeconds: defaultMaxBackoffSeconds,
		logger:            slog.Default(),
		sleep:             sleepCtx,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// AnalyzeFailure builds a FailureContext from a stage failure, classifying
// the error message and collecting prior failure IDs for the execution.
func (e *Engine) AnalyzeFailure(workflowID, executionID, stageID, errorMessage string, retryCount int) *schema.FailureContext {
	fc := &schema.FailureContext{
		WorkflowID:   workflowID,
		ExecutionID:  executionID,
		StageID:      stageID,
		FailureType:  Classify(errorMessage),
		ErrorMessage: errorMessage,
		RetryCount:   retryCount,
	}

	key := historyKey(workflowID, executionID)
	e.mu.Lock()
	for i := range e.history[key] {
		fc.PriorFailures = append(fc.PriorFailures, fmt.Sprintf("%s#%d", key, i))
	}
	e.mu.Unlock()

	return fc
}

// GenerateRecoveryStrategy selects a RecoveryAction for the classified
// failure, consulting the execution's historical success rate for the failure
// type (per-type default when no history exists).
func (e *Engine) GenerateRecoveryStrategy(fc *schema.FailureContext) schema.RecoveryAction {
	rate := e.historicalSuccessRate(historyKey(fc.WorkflowID, fc.ExecutionID), fc.FailureType)

	switch fc.FailureType {
	case schema.FailureTimeout:
		if fc.RetryCount < e.maxRetryAttempts && rate >= minTimeoutSuccessRate {
			backoff := math.Min(
				math.Pow(e.backoffMultiplier, float64(fc.RetryCount))*10,
				e.maxBackoffSeconds,
			)
			return schema.RecoveryAction{
				Strategy:           schema.StrategyRetryWithBackoff,
				BackoffSeconds:     backoff,
				SuccessProbability: rate,
			}
		}
		return manualIntervention(rate)

	case schema.FailureResourceExhaustion:
		return schema.RecoveryAction{
			Strategy:           schema.StrategyRetryWithBackoff,
			BackoffSeconds:     resourceBackoffSeconds,
			SuccessProbability: 0.7,
		}

	case schema.FailureAuthentication:
		// Stale credentials do not self-heal.
		return manualIntervention(0.95)

	case schema.FailureNetwork:
		if fc.RetryCount < networkMaxRetries {
			return schema.RecoveryAction{
				Strategy:           schema.StrategyRetryWithBackoff,
				BackoffSeconds:     networkBackoffSeconds,
				SuccessProbability: rate,
			}
		}
		return manualIntervention(rate)

	case schema.FailureDependency, schema.FailureValidation:
		return manualIntervention(rate)

	default:
		if fc.RetryCount < unknownMaxRetries {
			return schema.RecoveryAction{
				Strategy:           schema.StrategyRetry,
				SuccessProbability: rate,
			}
		}
		return manualIntervention(rate)
	}
}

// ExecuteRecovery executes the action's bounded effect, times it, and appends
// the outcome to the execution's recovery history. Internal errors become
// Outcome=errored; nothing escapes as a raw error. MANUAL_INTERVENTION always
// declines: it signals the failure, it never resolves it.
func (e *Engine) ExecuteRecovery(ctx context.Context, action schema.RecoveryAction, fc *schema.FailureContext) schema.RecoveryResult {
	start := time.Now()
	result := schema.RecoveryResult{
		Action:    action,
		Timestamp: start.UTC(),
	}

	switch action.Strategy {
	case schema.StrategyRetry:
		result.Outcome = schema.OutcomeSucceeded
		result.Reason = "immediate retry granted"

	case schema.StrategyRetryWithBackoff:
		backoff := time.Duration(action.BackoffSeconds * float64(time.Second))
		if err := e.sleep(ctx, backoff); err != nil {
			result.Outcome = schema.OutcomeErrored
			result.Reason = fmt.Sprintf("backoff interrupted: %s", err.Error())
			break
		}
		result.Outcome = schema.OutcomeSucceeded
		result.Reason = fmt.Sprintf("retry granted after %.0fs backoff", action.BackoffSeconds)

	case schema.StrategySkip:
		result.Outcome = schema.OutcomeSucceeded
		result.Reason = "stage marked skippable"

	case schema.StrategyRollback:
		result.Outcome = schema.OutcomeSucceeded
		result.Reason = "rollback requested"

	case schema.StrategyManualIntervention:
		result.Outcome = schema.OutcomeDeclined
		result.Reason = "manual intervention required"

	default:
		result.Outcome = schema.OutcomeErrored
		result.Reason = fmt.Sprintf("unknown recovery strategy %q", action.Strategy)
	}

	result.DurationMs = time.Since(start).Milliseconds()

	key := historyKey(fc.WorkflowID, fc.ExecutionID)
	e.mu.Lock()
	e.history[key] = append(e.history[key], historyEntry{
		failureType: fc.FailureType,
		result:      result,
	})
	e.mu.Unlock()

	e.logger.Info("recovery executed",
		"workflow_id", fc.WorkflowID,
		"execution_id", fc.ExecutionID,
		"stage_id", fc.StageID,
		"failure_type", fc.FailureType,
		"strategy", action.Strategy,
		"outcome", result.Outcome)

	return result
}

// History returns a copy of the recovery results recorded for an execution.
func (e *Engine) History(workflowID, executionID string) []schema.RecoveryResult {
	e.mu.Lock()
	defer e.mu.Unlock()

	entries := e.history[historyKey(workflowID, executionID)]
	out := make([]schema.RecoveryResult, len(entries))
	for i, entry := range entries {
		out[i] = entry.result
	}
	return out
}

// historicalSuccessRate computes the fraction of resolved recoveries for the
// failure type within one execution's history, falling back to the per-type
// default when no matching entries exist.
func (e *Engine) historicalSuccessRate(key string, ft schema.FailureType) float64 {
	e.mu.Lock()
	defer e.mu.Unlock()

	var total, succeeded int
	for _, entry := range e.history[key] {
		if entry.failureType != ft {
			continue
		}
		total++
		if entry.result.Outcome.Resolved() {
			succeeded++
		}
	}
	if total == 0 {
		return defaultSuccessRates[ft]
	}
	return float64(succeeded) / float64(total)
}

func manualIntervention(probability float64) schema.RecoveryAction {
	return schema.RecoveryAction{
		Strategy:           schema.StrategyManualIntervention,
		SuccessProbability: probability,
	}
}

func historyKey(workflowID, executionID string) string {
	return workflowID + ":" + executionID
}

// sleepCtx sleeps for d or until the context is done.
func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
