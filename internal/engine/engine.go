package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/conductor-ci/conductor/internal/expressions"
	"github.com/conductor-ci/conductor/internal/gates"
	"github.com/conductor-ci/conductor/internal/logging"
	"github.com/conductor-ci/conductor/internal/recovery"
	"github.com/conductor-ci/conductor/internal/resources"
	"github.com/conductor-ci/conductor/internal/store"
	"github.com/conductor-ci/conductor/internal/validation"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// DefaultPoolSize bounds concurrent stage execution within one workflow.
const DefaultPoolSize = 4

// Engine executes workflow definitions: it validates, compiles an execution
// plan, acquires resources for the whole run, drives stages wave by wave
// through their state machines, routes failures through the recovery engine,
// and evaluates bound quality gates.
//
// One Engine serves many concurrent executions; per-execution state is never
// shared between runs.
type Engine struct {
	validator *validation.WorkflowValidator
	executor  StageExecutor
	recovery  *recovery.Engine
	resources *resources.Manager
	gates     *gates.System
	store     store.Store
	cel       *expressions.CELEngine
	sink      EventSink
	logger    *slog.Logger
	poolSize  int

	wfFSM    *WorkflowFSM
	stageFSM *StageFSM

	mu   sync.Mutex
	runs map[string]*run
}

// run is the mutable state of one in-flight (or recently finished) execution.
type run struct {
	mu          sync.Mutex
	cancel      context.CancelFunc
	cancelled   bool
	result      *schema.WorkflowResult
	stageStatus map[string]schema.StageStatus
	outputs     map[string]any
	failure     *schema.ConductorError
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithExecutor sets the stage executor. Defaults to NoopExecutor.
func WithExecutor(e StageExecutor) EngineOption {
	return func(eng *Engine) { eng.executor = e }
}

// WithRecovery sets the recovery engine.
func WithRecovery(r *recovery.Engine) EngineOption {
	return func(eng *Engine) { eng.recovery = r }
}

// WithResources sets the resource manager.
func WithResources(m *resources.Manager) EngineOption {
	return func(eng *Engine) { eng.resources = m }
}

// WithGates sets the quality gate system.
func WithGates(g *gates.System) EngineOption {
	return func(eng *Engine) { eng.gates = g }
}

// WithStore sets the persistence backend. Defaults to an in-memory store.
func WithStore(s store.Store) EngineOption {
	return func(eng *Engine) { eng.store = s }
}

// WithSink sets the event sink.
func WithSink(s EventSink) EngineOption {
	return func(eng *Engine) { eng.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(eng *Engine) { eng.logger = l }
}

// WithPoolSize bounds per-execution stage concurrency.
func WithPoolSize(n int) EngineOption {
	return func(eng *Engine) { eng.poolSize = n }
}

// New creates an Engine. Collaborators not supplied via options get working
// defaults: no-op executor, in-memory store, default recovery and resource
// tuning.
func New(opts ...EngineOption) (*Engine, error) {
	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return nil, err
	}
	cel, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}

	eng := &Engine{
		validator: validator,
		executor:  NoopExecutor{},
		recovery:  recovery.NewEngine(),
		resources: resources.NewManager(nil),
		gates:     gates.NewSystem(),
		store:     store.NewMemoryStore(),
		cel:       cel,
		sink:      NoopSink{},
		logger:    slog.Default(),
		poolSize:  DefaultPoolSize,
		runs:      make(map[string]*run),
	}
	for _, opt := range opts {
		opt(eng)
	}

	eng.wfFSM = NewWorkflowFSM(eng.store)
	eng.stageFSM = NewStageFSM(eng.store)
	return eng, nil
}

// ExecuteWorkflow runs one workflow execution to a settled result. It returns
// an error only for pre-execution failures (invalid definition, admission
// denied, store unavailable); once stages start, failures are reported through
// the returned WorkflowResult. Callers must inspect result.Status.
func (e *Engine) ExecuteWorkflow(ctx context.Context, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) (*schema.WorkflowResult, error) {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	plan, err := BuildPlan(def)
	if err != nil {
		return nil, err
	}

	execCtx = e.normalizeContext(def, execCtx)
	ctx = logging.WithIDs(ctx, def.ID, execCtx.ExecutionID, "")

	if _, ok := e.resources.Allocate(def, def.ID, execCtx.ExecutionID); !ok {
		return nil, schema.NewErrorf(schema.ErrCodeResourceExhausted,
			"insufficient capacity for workflow %q", def.ID).
			WithDetails(map[string]any{"execution_id": execCtx.ExecutionID})
	}
	e.appendEvent(ctx, execCtx, "", schema.EventResourcesAllocated, nil)
	defer func() {
		e.resources.Release(execCtx.ExecutionID)
		e.appendEvent(ctx, execCtx, "", schema.EventResourcesReleased, nil)
	}()

	now := time.Now().UTC()
	if err := e.store.CreateExecution(ctx, &store.Execution{
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  def.ID,
		Definition:  *def,
		Status:      schema.WorkflowStatusPending,
		TriggeredBy: execCtx.TriggeredBy,
		Environment: execCtx.Environment,
		Params:      execCtx.Params,
		CreatedAt:   now,
	}); err != nil {
		return nil, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{
		cancel: cancel,
		result: &schema.WorkflowResult{
			ExecutionID: execCtx.ExecutionID,
			WorkflowID:  def.ID,
			Status:      schema.WorkflowStatusRunning,
			StartedAt:   execCtx.StartedAt,
		},
		stageStatus: make(map[string]schema.StageStatus, len(plan.Stages)),
		outputs:     make(map[string]any, len(plan.Stages)),
	}
	for id := range plan.Stages {
		r.stageStatus[id] = schema.StageStatusPending
	}
	e.mu.Lock()
	e.runs[execCtx.ExecutionID] = r
	e.mu.Unlock()

	if err := e.wfFSM.Transition(ctx, def.ID, execCtx.ExecutionID,
		schema.WorkflowStatusPending, schema.WorkflowStatusRunning, nil); err != nil {
		e.logger.WarnContext(ctx, "workflow transition event failed", "error", err)
	}
	running := schema.WorkflowStatusRunning
	startedAt := now
	if err := e.store.UpdateExecution(ctx, execCtx.ExecutionID, store.ExecutionUpdate{
		Status:    &running,
		StartedAt: &startedAt,
	}); err != nil {
		e.logger.WarnContext(ctx, "execution update failed", "error", err)
	}

	e.logger.InfoContext(ctx, "workflow started",
		"stages", len(plan.Stages), "waves", len(plan.Waves))

	pool := NewWorkerPool(e.poolSize)
	defer pool.Shutdown()

	for _, wave := range plan.Waves {
		if r.isCancelled() || runCtx.Err() != nil || r.terminalFailure() != nil {
			break
		}
		e.executeWave(runCtx, r, pool, plan, def, execCtx, wave)
		if !r.isCancelled() {
			e.evaluateGates(runCtx, r, def, execCtx, wave)
		}
	}

	e.cancelUnstarted(ctx, r, plan, def, execCtx)
	result := e.finalize(ctx, r, def, execCtx)

	e.mu.Lock()
	delete(e.runs, execCtx.ExecutionID)
	e.mu.Unlock()
	return result, nil
}

// Cancel requests cancellation of an in-flight execution. Advisory: a running
// stage stops only when its executor honors context cancellation. Returns
// false when the execution is unknown or already settled.
func (e *Engine) Cancel(executionID string) bool {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if !ok {
		return false
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.result.Status.Terminal() || r.cancelled {
		return false
	}
	r.cancelled = true
	r.cancel()
	return true
}

// Status returns the current result snapshot for an execution: the live state
// for in-flight runs, the persisted terminal result otherwise.
func (e *Engine) Status(ctx context.Context, executionID string) (*schema.WorkflowResult, error) {
	e.mu.Lock()
	r, ok := e.runs[executionID]
	e.mu.Unlock()
	if ok {
		return r.snapshot(), nil
	}

	exec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if len(exec.Result) > 0 {
		var result schema.WorkflowResult
		if err := json.Unmarshal(exec.Result, &result); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"corrupt result for execution %q", executionID).WithCause(err)
		}
		return &result, nil
	}
	return &schema.WorkflowResult{
		ExecutionID: exec.ExecutionID,
		WorkflowID:  exec.WorkflowID,
		Status:      exec.Status,
	}, nil
}

// executeWave runs one wave: stages flagged parallel go through the worker
// pool, the rest run inline. The wave settles completely before returning.
func (e *Engine) executeWave(ctx context.Context, r *run, pool *WorkerPool, plan *ExecutionPlan, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, wave []string) {
	var sequential []string
	for _, id := range wave {
		stage := plan.Stages[id]
		if !stage.Parallel {
			sequential = append(sequential, id)
			continue
		}
		if err := pool.Submit(ctx, func(ctx context.Context) error {
			e.runStage(ctx, r, plan, stage, def, execCtx)
			return nil
		}); err != nil {
			e.settleStage(ctx, r, def, execCtx, stage, schema.StageResult{
				StageID:      stage.ID,
				Status:       schema.StageStatusCancelled,
				ErrorMessage: err.Error(),
			})
		}
	}
	for _, id := range sequential {
		if r.isCancelled() || r.terminalFailure() != nil {
			break
		}
		e.runStage(ctx, r, plan, plan.Stages[id], def, execCtx)
	}
	pool.Wait()
}

// runStage drives a single stage from pending to a settled status, looping
// through the recovery engine on failure until the retry budget or the
// recovery decision stops it.
func (e *Engine) runStage(ctx context.Context, r *run, plan *ExecutionPlan, stage *schema.WorkflowStage, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) {
	ctx = logging.WithStageID(ctx, stage.ID)

	if !e.depsSatisfied(r, plan, stage) {
		e.transitionStage(ctx, r, def, execCtx, stage.ID,
			schema.StageStatusPending, schema.StageStatusCancelled, nil)
		e.settleStage(ctx, r, def, execCtx, stage, schema.StageResult{
			StageID:      stage.ID,
			Status:       schema.StageStatusCancelled,
			ErrorMessage: "dependency not satisfied",
		})
		return
	}

	if stage.Condition != "" {
		proceed, err := e.cel.EvaluateBool(ctx, stage.Condition, e.conditionData(r, def, execCtx))
		if err != nil {
			// A broken guard fails the stage loudly rather than guessing.
			e.transitionStage(ctx, r, def, execCtx, stage.ID,
				schema.StageStatusPending, schema.StageStatusRunning, nil)
			e.failStageTerminal(ctx, r, def, execCtx, stage, schema.StageResult{
				StageID:      stage.ID,
				Status:       schema.StageStatusFailed,
				ErrorMessage: err.Error(),
			})
			return
		}
		if !proceed {
			e.transitionStage(ctx, r, def, execCtx, stage.ID,
				schema.StageStatusPending, schema.StageStatusSkipped, nil)
			e.settleStage(ctx, r, def, execCtx, stage, schema.StageResult{
				StageID: stage.ID,
				Status:  schema.StageStatusSkipped,
			})
			e.logger.InfoContext(ctx, "stage skipped by condition", "condition", stage.Condition)
			return
		}
	}

	attempt := 0
	from := schema.StageStatusPending
	for {
		e.transitionStage(ctx, r, def, execCtx, stage.ID, from, schema.StageStatusRunning, nil)

		startedAt := time.Now().UTC()
		output, runErr := e.invoke(ctx, stage, execCtx)
		completedAt := time.Now().UTC()

		sr := schema.StageResult{
			StageID:     stage.ID,
			Attempt:     attempt,
			StartedAt:   &startedAt,
			CompletedAt: &completedAt,
			DurationMs:  completedAt.Sub(startedAt).Milliseconds(),
			RetryCount:  attempt,
		}

		if runErr == nil {
			sr.Status = schema.StageStatusCompleted
			sr.Output = output
			e.transitionStage(ctx, r, def, execCtx, stage.ID,
				schema.StageStatusRunning, schema.StageStatusCompleted, output)
			e.settleStage(ctx, r, def, execCtx, stage, sr)
			return
		}

		if ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
			sr.Status = schema.StageStatusCancelled
			sr.ErrorMessage = runErr.Error()
			e.transitionStage(ctx, r, def, execCtx, stage.ID,
				schema.StageStatusRunning, schema.StageStatusCancelled, nil)
			e.settleStage(ctx, r, def, execCtx, stage, sr)
			return
		}

		errMsg := runErr.Error()
		if errors.Is(runErr, context.DeadlineExceeded) {
			errMsg = fmt.Sprintf("stage %s timed out after %ds", stage.ID, stage.TimeoutSeconds)
		}
		sr.Status = schema.StageStatusFailed
		sr.ErrorMessage = errMsg
		e.transitionStage(ctx, r, def, execCtx, stage.ID,
			schema.StageStatusRunning, schema.StageStatusFailed, nil)
		e.recordStageResult(ctx, r, def, execCtx, stage, sr)

		fc := e.recovery.AnalyzeFailure(def.ID, execCtx.ExecutionID, stage.ID, errMsg, attempt)
		action := e.recovery.GenerateRecoveryStrategy(fc)
		e.appendEvent(ctx, execCtx, stage.ID, schema.EventRecoveryDecided, marshalPayload(action))

		rr := e.recovery.ExecuteRecovery(ctx, action, fc)
		e.appendEvent(ctx, execCtx, stage.ID, schema.EventRecoveryExecuted, marshalPayload(rr))

		switch action.Strategy {
		case schema.StrategySkip:
			if rr.Outcome.Resolved() {
				e.transitionStage(ctx, r, def, execCtx, stage.ID,
					schema.StageStatusFailed, schema.StageStatusSkipped, nil)
				e.settleStage(ctx, r, def, execCtx, stage, schema.StageResult{
					StageID: stage.ID,
					Attempt: attempt,
					Status:  schema.StageStatusSkipped,
				})
				return
			}
		case schema.StrategyRollback:
			e.appendEvent(ctx, execCtx, stage.ID, schema.EventRollbackRequested, marshalPayload(fc))
		case schema.StrategyManualIntervention:
			e.appendEvent(ctx, execCtx, stage.ID, schema.EventManualEscalation, marshalPayload(fc))
		}

		if rr.Outcome.Resolved() && retryableStrategy(action.Strategy) && attempt < stage.RetryCount {
			attempt++
			from = schema.StageStatusFailed
			continue
		}

		if !stage.AllowFailure {
			e.markFailure(r, stage, errMsg)
		}
		e.settled(ctx, r, execCtx, stage, sr)
		return
	}
}

// invoke runs the executor under the stage's timeout, if any.
func (e *Engine) invoke(ctx context.Context, stage *schema.WorkflowStage, execCtx *schema.ExecutionContext) (json.RawMessage, error) {
	if stage.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, time.Duration(stage.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	return e.executor.Execute(ctx, stage, execCtx)
}

// depsSatisfied reports whether every dependency settled in a state that
// unblocks this stage: completed and skipped always do, failed only when the
// failed stage tolerates failure.
func (e *Engine) depsSatisfied(r *run, plan *ExecutionPlan, stage *schema.WorkflowStage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dep := range stage.DependsOn {
		switch r.stageStatus[dep] {
		case schema.StageStatusCompleted, schema.StageStatusSkipped:
		case schema.StageStatusFailed:
			if !plan.Stages[dep].AllowFailure {
				return false
			}
		default:
			return false
		}
	}
	return true
}

// conditionData builds the CEL activation for a stage condition.
func (e *Engine) conditionData(r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) map[string]any {
	r.mu.Lock()
	stages := make(map[string]any, len(r.outputs))
	for id, out := range r.outputs {
		stages[id] = out
	}
	r.mu.Unlock()

	return map[string]any{
		"stages": stages,
		"params": execCtx.Params,
		"workflow": map[string]any{
			"workflow_id":  def.ID,
			"execution_id": execCtx.ExecutionID,
		},
		"env": map[string]any{
			"name":    def.Environment,
			"trigger": execCtx.Trigger,
		},
	}
}

// evaluateGates runs the gate bindings attached to stages that completed in
// this wave, plus end-of-workflow bindings when this is the final wave with
// all stages settled. A FAILED gate fails the workflow.
func (e *Engine) evaluateGates(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, wave []string) {
	settled := make(map[string]bool, len(wave))
	for _, id := range wave {
		settled[id] = true
	}
	allSettled := r.allSettled()

	for _, binding := range def.Gates {
		if binding.AfterStage != "" && !settled[binding.AfterStage] {
			continue
		}
		if binding.AfterStage == "" && !allSettled {
			continue
		}
		if binding.AfterStage != "" && r.statusOf(binding.AfterStage) != schema.StageStatusCompleted {
			continue
		}

		result, err := e.gates.ExecuteGate(ctx, binding.Gate, execCtx.ExecutionID, e.gateData(r, binding, execCtx))
		if err != nil {
			e.logger.ErrorContext(ctx, "gate evaluation errored", "gate_type", binding.Gate, "error", err)
			e.markGateFailure(r, binding.Gate, err.Error())
			continue
		}

		r.mu.Lock()
		r.result.GateResults = append(r.result.GateResults, *result)
		r.mu.Unlock()

		e.appendEvent(ctx, execCtx, binding.AfterStage, schema.EventGateEvaluated, marshalPayload(result))
		if err := e.store.SaveGateResult(ctx, &store.GateRecord{
			ExecutionID: execCtx.ExecutionID,
			GateType:    result.GateType,
			Status:      result.Status,
			Score:       result.Score,
			Detail:      marshalPayload(result),
			EvaluatedAt: result.EvaluatedAt,
		}); err != nil {
			e.logger.WarnContext(ctx, "gate result persist failed", "error", err)
		}
		e.sink.GateEvaluated(ctx, execCtx.ExecutionID, *result)

		if result.Status == schema.GateFailed {
			e.markGateFailure(r, binding.Gate,
				fmt.Sprintf("gate %s failed with score %.2f", binding.Gate, result.Score))
		}
	}
}

// gateData resolves the analysis payload for a gate binding: the parsed
// output of the DataFrom stage (default: the bound stage), falling back to
// the execution params.
func (e *Engine) gateData(r *run, binding schema.GateBinding, execCtx *schema.ExecutionContext) map[string]any {
	source := binding.DataFrom
	if source == "" {
		source = binding.AfterStage
	}
	if source == "" {
		return execCtx.Params
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if out, ok := r.outputs[source].(map[string]any); ok {
		return out
	}
	return map[string]any{}
}

// cancelUnstarted marks every still-pending stage cancelled once the run is
// aborting, so the audit trail accounts for the whole plan.
func (e *Engine) cancelUnstarted(ctx context.Context, r *run, plan *ExecutionPlan, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) {
	for _, id := range plan.Order {
		if r.statusOf(id) != schema.StageStatusPending {
			continue
		}
		e.transitionStage(ctx, r, def, execCtx, id,
			schema.StageStatusPending, schema.StageStatusCancelled, nil)
		e.settleStage(ctx, r, def, execCtx, plan.Stages[id], schema.StageResult{
			StageID:      id,
			Status:       schema.StageStatusCancelled,
			ErrorMessage: "workflow aborted before stage started",
		})
	}
}

// finalize computes the terminal (or paused) status, persists the result, and
// notifies the sink.
func (e *Engine) finalize(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) *schema.WorkflowResult {
	r.mu.Lock()
	var completed, skipped int
	for _, status := range r.stageStatus {
		switch status {
		case schema.StageStatusCompleted:
			completed++
		case schema.StageStatusSkipped:
			skipped++
		}
	}
	denom := len(r.stageStatus) - skipped
	if denom > 0 {
		r.result.SuccessRate = float64(completed) / float64(denom)
	} else {
		r.result.SuccessRate = 1.0
	}

	var status schema.WorkflowStatus
	switch {
	case r.cancelled || ctx.Err() != nil:
		status = schema.WorkflowStatusCancelled
		r.result.ErrorMessage = "execution cancelled"
	case r.failure != nil && def.OnFailure == "pause":
		status = schema.WorkflowStatusPaused
		r.result.Error = r.failure
		r.result.ErrorMessage = r.failure.Message
	case r.failure != nil:
		status = schema.WorkflowStatusFailed
		r.result.Error = r.failure
		r.result.ErrorMessage = r.failure.Message
	default:
		status = schema.WorkflowStatusCompleted
	}
	r.result.Status = status
	if status.Terminal() {
		now := time.Now().UTC()
		r.result.CompletedAt = &now
	}
	snapshot := snapshotLocked(r.result)
	r.mu.Unlock()

	if err := e.wfFSM.Transition(ctx, def.ID, execCtx.ExecutionID,
		schema.WorkflowStatusRunning, status, marshalPayload(snapshot)); err != nil {
		e.logger.WarnContext(ctx, "workflow transition event failed", "error", err)
	}

	update := store.ExecutionUpdate{
		Status: &status,
		Result: marshalPayload(snapshot),
	}
	if snapshot.CompletedAt != nil {
		update.CompletedAt = snapshot.CompletedAt
	}
	if err := e.store.UpdateExecution(ctx, execCtx.ExecutionID, update); err != nil {
		e.logger.WarnContext(ctx, "execution update failed", "error", err)
	}

	e.logger.InfoContext(ctx, "workflow finished",
		"status", status, "success_rate", snapshot.SuccessRate)
	e.sink.WorkflowFinished(ctx, snapshot)
	return snapshot
}

// transitionStage commits a stage status change: it updates the in-memory
// view and emits the lifecycle event. Event append failures are logged, not
// propagated; the in-memory state is authoritative for the run.
func (e *Engine) transitionStage(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, stageID string, from, to schema.StageStatus, payload json.RawMessage) {
	if err := e.stageFSM.Transition(ctx, def.ID, execCtx.ExecutionID, stageID, from, to, payload); err != nil {
		e.logger.WarnContext(ctx, "stage transition event failed",
			"stage_id", stageID, "from", from, "to", to, "error", err)
	}
	r.mu.Lock()
	r.stageStatus[stageID] = to
	r.mu.Unlock()
}

// settleStage records a settled stage attempt and publishes it.
func (e *Engine) settleStage(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, stage *schema.WorkflowStage, sr schema.StageResult) {
	e.recordStageResult(ctx, r, def, execCtx, stage, sr)
	if sr.Status == schema.StageStatusFailed && !stage.AllowFailure {
		e.markFailure(r, stage, sr.ErrorMessage)
	}
	e.settled(ctx, r, execCtx, stage, sr)
}

// failStageTerminal settles a failed stage that bypassed the recovery loop.
func (e *Engine) failStageTerminal(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, stage *schema.WorkflowStage, sr schema.StageResult) {
	e.transitionStage(ctx, r, def, execCtx, stage.ID,
		schema.StageStatusRunning, schema.StageStatusFailed, nil)
	e.recordStageResult(ctx, r, def, execCtx, stage, sr)
	if !stage.AllowFailure {
		e.markFailure(r, stage, sr.ErrorMessage)
	}
	e.settled(ctx, r, execCtx, stage, sr)
}

// recordStageResult appends the attempt to the audit trail and upserts the
// materialized stage state.
func (e *Engine) recordStageResult(ctx context.Context, r *run, def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext, stage *schema.WorkflowStage, sr schema.StageResult) {
	r.mu.Lock()
	r.result.StageResults = append(r.result.StageResults, sr)
	if sr.Status == schema.StageStatusCompleted && len(sr.Output) > 0 {
		var parsed any
		if err := json.Unmarshal(sr.Output, &parsed); err == nil {
			r.outputs[stage.ID] = parsed
		}
	}
	r.mu.Unlock()

	state := &store.StageState{
		ExecutionID: execCtx.ExecutionID,
		StageID:     stage.ID,
		Status:      sr.Status,
		Output:      sr.Output,
		RetryCount:  sr.RetryCount,
		StartedAt:   sr.StartedAt,
		CompletedAt: sr.CompletedAt,
		DurationMs:  sr.DurationMs,
	}
	if sr.ErrorMessage != "" {
		state.Error = marshalPayload(map[string]string{"message": sr.ErrorMessage})
	}
	if err := e.store.UpsertStageState(ctx, state); err != nil {
		e.logger.WarnContext(ctx, "stage state persist failed", "stage_id", stage.ID, "error", err)
	}
}

// settled publishes a settled attempt to the sink.
func (e *Engine) settled(ctx context.Context, r *run, execCtx *schema.ExecutionContext, stage *schema.WorkflowStage, sr schema.StageResult) {
	e.sink.StageSettled(ctx, execCtx.ExecutionID, sr)
}

// markFailure records the first workflow-level failure. Stages that tolerate
// failure never reach here.
func (e *Engine) markFailure(r *run, stage *schema.WorkflowStage, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = schema.NewErrorf(schema.ErrCodeStageFailed,
			"stage %s failed: %s", stage.ID, message).WithStage(stage.ID)
	}
}

func (e *Engine) markGateFailure(r *run, gateType schema.GateType, message string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failure == nil {
		r.failure = schema.NewError(schema.ErrCodeGateFailed, message).
			WithDetails(map[string]any{"gate_type": gateType})
	}
}

// normalizeContext fills in defaults for a missing or partial execution
// context. Every execution gets a unique ID.
func (e *Engine) normalizeContext(def *schema.WorkflowDefinition, execCtx *schema.ExecutionContext) *schema.ExecutionContext {
	if execCtx == nil {
		execCtx = &schema.ExecutionContext{}
	}
	cp := *execCtx
	if cp.WorkflowID == "" {
		cp.WorkflowID = def.ID
	}
	if cp.ExecutionID == "" {
		cp.ExecutionID = uuid.NewString()
	}
	if cp.Environment == "" {
		cp.Environment = def.Environment
	}
	if cp.StartedAt.IsZero() {
		cp.StartedAt = time.Now().UTC()
	}
	return &cp
}

// appendEvent writes an auxiliary (non-transition) event to the log.
func (e *Engine) appendEvent(ctx context.Context, execCtx *schema.ExecutionContext, stageID, eventType string, payload json.RawMessage) {
	err := e.store.AppendEvent(ctx, &store.Event{
		ExecutionID: execCtx.ExecutionID,
		WorkflowID:  execCtx.WorkflowID,
		StageID:     stageID,
		Type:        eventType,
		Payload:     payload,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		e.logger.WarnContext(ctx, "event append failed", "event_type", eventType, "error", err)
	}
}

func (r *run) isCancelled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cancelled
}

func (r *run) terminalFailure() *schema.ConductorError {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.failure
}

func (r *run) statusOf(stageID string) schema.StageStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stageStatus[stageID]
}

func (r *run) allSettled() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, status := range r.stageStatus {
		if !status.Settled() {
			return false
		}
	}
	return true
}

func (r *run) snapshot() *schema.WorkflowResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshotLocked(r.result)
}

// snapshotLocked copies a result; the caller holds the run mutex.
func snapshotLocked(result *schema.WorkflowResult) *schema.WorkflowResult {
	cp := *result
	cp.StageResults = make([]schema.StageResult, len(result.StageResults))
	copy(cp.StageResults, result.StageResults)
	if len(result.GateResults) > 0 {
		cp.GateResults = make([]schema.GateResult, len(result.GateResults))
		copy(cp.GateResults, result.GateResults)
	}
	return &cp
}

func retryableStrategy(s schema.RecoveryStrategy) bool {
	return s == schema.StrategyRetry || s == schema.StrategyRetryWithBackoff
}

func marshalPayload(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
