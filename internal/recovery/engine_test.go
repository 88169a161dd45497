package recovery

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func newTestEngine(opts ...Option) *Engine {
	opts = append(opts, WithSleep(func(context.Context, time.Duration) error { return nil }))
	return NewEngine(opts...)
}

func failure(ft schema.FailureType, retryCount int) *schema.FailureContext {
	return &schema.FailureContext{
		WorkflowID:  "ci-main",
		ExecutionID: "exec-1",
		StageID:     "build",
		FailureType: ft,
		RetryCount:  retryCount,
	}
}

func TestGenerateRecoveryStrategy_TimeoutFirstRetry(t *testing.T) {
	e := newTestEngine()

	// retry_count=0, default historical success 0.6: backoff = 2^0 * 10 = 10s.
	action := e.GenerateRecoveryStrategy(failure(schema.FailureTimeout, 0))
	assert.Equal(t, schema.StrategyRetryWithBackoff, action.Strategy)
	assert.Equal(t, 10.0, action.BackoffSeconds)
	assert.InDelta(t, 0.6, action.SuccessProbability, 1e-9)
}

func TestGenerateRecoveryStrategy_TimeoutBackoffGrowth(t *testing.T) {
	e := newTestEngine()

	action := e.GenerateRecoveryStrategy(failure(schema.FailureTimeout, 2))
	assert.Equal(t, 40.0, action.BackoffSeconds) // 2^2 * 10
}

func TestGenerateRecoveryStrategy_TimeoutBackoffCapped(t *testing.T) {
	e := newTestEngine(WithMaxRetryAttempts(10))

	action := e.GenerateRecoveryStrategy(failure(schema.FailureTimeout, 8))
	assert.Equal(t, schema.StrategyRetryWithBackoff, action.Strategy)
	assert.Equal(t, 300.0, action.BackoffSeconds)
}

func TestGenerateRecoveryStrategy_TimeoutRetriesExhausted(t *testing.T) {
	e := newTestEngine()

	action := e.GenerateRecoveryStrategy(failure(schema.FailureTimeout, 3))
	assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
}

func TestGenerateRecoveryStrategy_TimeoutLowSuccessRateEscalates(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()

	// Record two failed timeout recoveries so the observed rate drops to 0.
	fc := failure(schema.FailureTimeout, 0)
	manual := schema.RecoveryAction{Strategy: schema.StrategyManualIntervention}
	e.ExecuteRecovery(ctx, manual, fc)
	e.ExecuteRecovery(ctx, manual, fc)

	action := e.GenerateRecoveryStrategy(fc)
	assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
}

func TestGenerateRecoveryStrategy_ResourceExhaustion(t *testing.T) {
	e := newTestEngine()

	// Always retries with fixed 30s backoff, regardless of retry count.
	for _, retries := range []int{0, 5, 100} {
		action := e.GenerateRecoveryStrategy(failure(schema.FailureResourceExhaustion, retries))
		assert.Equal(t, schema.StrategyRetryWithBackoff, action.Strategy)
		assert.Equal(t, 30.0, action.BackoffSeconds)
		assert.InDelta(t, 0.7, action.SuccessProbability, 1e-9)
	}
}

func TestGenerateRecoveryStrategy_Authentication(t *testing.T) {
	e := newTestEngine()

	action := e.GenerateRecoveryStrategy(failure(schema.FailureAuthentication, 0))
	assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
	assert.InDelta(t, 0.95, action.SuccessProbability, 1e-9)
}

func TestGenerateRecoveryStrategy_Network(t *testing.T) {
	e := newTestEngine()

	action := e.GenerateRecoveryStrategy(failure(schema.FailureNetwork, 1))
	assert.Equal(t, schema.StrategyRetryWithBackoff, action.Strategy)
	assert.Equal(t, 15.0, action.BackoffSeconds)

	action = e.GenerateRecoveryStrategy(failure(schema.FailureNetwork, 2))
	assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
}

func TestGenerateRecoveryStrategy_DependencyAndValidation(t *testing.T) {
	e := newTestEngine()

	for _, ft := range []schema.FailureType{schema.FailureDependency, schema.FailureValidation} {
		action := e.GenerateRecoveryStrategy(failure(ft, 0))
		assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
	}
}

func TestGenerateRecoveryStrategy_UnknownSingleRetry(t *testing.T) {
	e := newTestEngine()

	action := e.GenerateRecoveryStrategy(failure(schema.FailureUnknown, 0))
	assert.Equal(t, schema.StrategyRetry, action.Strategy)
	assert.Zero(t, action.BackoffSeconds)

	action = e.GenerateRecoveryStrategy(failure(schema.FailureUnknown, 1))
	assert.Equal(t, schema.StrategyManualIntervention, action.Strategy)
}

func TestExecuteRecovery_ManualAlwaysDeclines(t *testing.T) {
	e := newTestEngine()

	result := e.ExecuteRecovery(context.Background(),
		schema.RecoveryAction{Strategy: schema.StrategyManualIntervention},
		failure(schema.FailureAuthentication, 0))

	assert.Equal(t, schema.OutcomeDeclined, result.Outcome)
	assert.False(t, result.Outcome.Resolved())
}

func TestExecuteRecovery_BackoffSucceeds(t *testing.T) {
	var slept time.Duration
	e := NewEngine(WithSleep(func(_ context.Context, d time.Duration) error {
		slept = d
		return nil
	}))

	result := e.ExecuteRecovery(context.Background(),
		schema.RecoveryAction{Strategy: schema.StrategyRetryWithBackoff, BackoffSeconds: 10},
		failure(schema.FailureTimeout, 0))

	assert.Equal(t, schema.OutcomeSucceeded, result.Outcome)
	assert.Equal(t, 10*time.Second, slept)
}

func TestExecuteRecovery_BackoffInterruptedBecomesErrored(t *testing.T) {
	e := NewEngine() // real sleep, interrupted immediately

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	result := e.ExecuteRecovery(ctx,
		schema.RecoveryAction{Strategy: schema.StrategyRetryWithBackoff, BackoffSeconds: 60},
		failure(schema.FailureTimeout, 0))

	assert.Equal(t, schema.OutcomeErrored, result.Outcome)
	assert.Contains(t, result.Reason, "backoff interrupted")
}

func TestExecuteRecovery_UnknownStrategyErrors(t *testing.T) {
	e := newTestEngine()

	result := e.ExecuteRecovery(context.Background(),
		schema.RecoveryAction{Strategy: "teleport"},
		failure(schema.FailureUnknown, 0))

	assert.Equal(t, schema.OutcomeErrored, result.Outcome)
}

func TestExecuteRecovery_AppendsHistory(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	fc := failure(schema.FailureTimeout, 0)

	e.ExecuteRecovery(ctx, schema.RecoveryAction{Strategy: schema.StrategyRetry}, fc)
	e.ExecuteRecovery(ctx, schema.RecoveryAction{Strategy: schema.StrategyManualIntervention}, fc)

	history := e.History("ci-main", "exec-1")
	require.Len(t, history, 2)
	assert.Equal(t, schema.OutcomeSucceeded, history[0].Outcome)
	assert.Equal(t, schema.OutcomeDeclined, history[1].Outcome)

	// Other executions are unaffected.
	assert.Empty(t, e.History("ci-main", "exec-2"))
}

func TestAnalyzeFailure_BuildsContext(t *testing.T) {
	e := newTestEngine()

	fc := e.AnalyzeFailure("ci-main", "exec-1", "build", "connection timeout", 1)
	assert.Equal(t, schema.FailureTimeout, fc.FailureType)
	assert.Equal(t, "build", fc.StageID)
	assert.Equal(t, 1, fc.RetryCount)
	assert.Empty(t, fc.PriorFailures)

	e.ExecuteRecovery(context.Background(), schema.RecoveryAction{Strategy: schema.StrategyRetry}, fc)

	fc2 := e.AnalyzeFailure("ci-main", "exec-1", "build", "connection timeout", 2)
	assert.Len(t, fc2.PriorFailures, 1)
}

func TestHistoricalSuccessRate_RefinedByHistory(t *testing.T) {
	e := newTestEngine()
	ctx := context.Background()
	fc := failure(schema.FailureNetwork, 0)

	// One resolved, one declined network recovery: observed rate 0.5.
	e.ExecuteRecovery(ctx, schema.RecoveryAction{Strategy: schema.StrategyRetry}, fc)
	e.ExecuteRecovery(ctx, schema.RecoveryAction{Strategy: schema.StrategyManualIntervention}, fc)

	action := e.GenerateRecoveryStrategy(fc)
	assert.InDelta(t, 0.5, action.SuccessProbability, 1e-9)
}
