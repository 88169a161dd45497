package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/conductor-ci/conductor/internal/engine"
	"github.com/conductor-ci/conductor/internal/logging"
	"github.com/conductor-ci/conductor/internal/pipeline"
	"github.com/conductor-ci/conductor/internal/resources"
	"github.com/conductor-ci/conductor/internal/scheduler"
	"github.com/conductor-ci/conductor/internal/store"
	"github.com/conductor-ci/conductor/internal/validation"
	"github.com/conductor-ci/conductor/pkg/schema"
)

func main() {
	if len(os.Args) < 3 {
		usage()
		os.Exit(2)
	}

	cfg := loadConfig()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	var err error
	switch os.Args[1] {
	case "run":
		err = runWorkflow(cfg, logger, os.Args[2], os.Args[3:])
	case "schedule":
		err = scheduleWorkflows(cfg, logger, os.Args[2:])
	case "validate":
		err = validateWorkflow(os.Args[2])
	default:
		usage()
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  conductor run <workflow.json> [key=value ...]
  conductor schedule <workflow.json> [workflow.json ...]
  conductor validate <workflow.json>`)
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logging.NewCorrelationHandler(handler))
}

func newStore(cfg Config) (store.Store, error) {
	if cfg.DBPath == "" {
		return store.NewMemoryStore(), nil
	}
	return store.NewLibSQLStore(cfg.DBPath)
}

func loadDefinition(path string) (*schema.WorkflowDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return &def, nil
}

// stack is the wired execution stack shared by the run and schedule commands.
type stack struct {
	store      store.Store
	pipeline   *pipeline.Manager
	supervisor *scheduler.Supervisor
}

func (s *stack) close() {
	s.supervisor.Stop()
	_ = s.store.Close()
}

// buildStack wires store, resource manager, engine, pipeline and supervisor
// together and starts the supervisor loops.
func buildStack(ctx context.Context, cfg Config, logger *slog.Logger) (*stack, error) {
	st, err := newStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	mgr := resources.NewManager(nil, resources.WithLogger(logger))
	queue := resources.NewQueue()

	eng, err := engine.New(
		engine.WithStore(st),
		engine.WithResources(mgr),
		engine.WithLogger(logger),
		engine.WithPoolSize(cfg.PoolSize),
		engine.WithExecutor(engine.NewRegistry(nil)),
	)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	pm := pipeline.NewManager(eng, queue,
		pipeline.WithStore(st),
		pipeline.WithLogger(logger))

	sup := scheduler.NewSupervisor(mgr, queue,
		scheduler.WithStore(st),
		scheduler.WithLogger(logger),
		scheduler.WithSweepSchedule(cfg.SweepSchedule),
		scheduler.WithPromoteSchedule(cfg.PromoteSchedule),
		scheduler.WithLauncher(pm.LaunchQueued))
	if err := sup.Start(ctx); err != nil {
		_ = st.Close()
		return nil, err
	}

	return &stack{store: st, pipeline: pm, supervisor: sup}, nil
}

// runWorkflow wires the full stack and executes one definition file. Extra
// key=value arguments become execution params.
func runWorkflow(cfg Config, logger *slog.Logger, path string, extra []string) error {
	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stk, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stk.close()

	outcome, err := stk.pipeline.Trigger(ctx, def, pipeline.TriggerRequest{
		TriggeredBy: "cli",
		Environment: def.Environment,
		Params:      parseParams(extra),
	})
	if err != nil {
		return err
	}
	if outcome.Queued {
		return fmt.Errorf("execution %s queued: pool has no capacity", outcome.ExecutionID)
	}

	out, err := json.MarshalIndent(outcome.Result, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))

	if outcome.Result.Status != schema.WorkflowStatusCompleted {
		return fmt.Errorf("workflow finished %s", outcome.Result.Status)
	}
	return nil
}

// scheduleWorkflows registers every definition with a schedule trigger and
// runs them on their cron expressions until interrupted.
func scheduleWorkflows(cfg Config, logger *slog.Logger, paths []string) error {
	if len(paths) == 0 {
		return fmt.Errorf("schedule requires at least one workflow file")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	stk, err := buildStack(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer stk.close()

	cs := scheduler.NewCronScheduler(func(ctx context.Context, def *schema.WorkflowDefinition) {
		outcome, err := stk.pipeline.Trigger(ctx, def, pipeline.TriggerRequest{
			TriggeredBy: "schedule",
			Environment: def.Environment,
		})
		if err != nil {
			logger.Error("scheduled run failed", "workflow_id", def.ID, "error", err)
			return
		}
		if outcome.Queued {
			logger.Info("scheduled run queued", "workflow_id", def.ID,
				"execution_id", outcome.ExecutionID)
			return
		}
		logger.Info("scheduled run finished", "workflow_id", def.ID,
			"execution_id", outcome.ExecutionID, "status", outcome.Result.Status)
	}, scheduler.WithCronLogger(logger))

	for _, path := range paths {
		def, err := loadDefinition(path)
		if err != nil {
			return err
		}
		if err := cs.Register(def); err != nil {
			return fmt.Errorf("register %s: %w", path, err)
		}
	}

	if err := cs.Start(ctx); err != nil {
		return err
	}
	defer cs.Stop()

	<-ctx.Done()
	return nil
}

func validateWorkflow(path string) error {
	def, err := loadDefinition(path)
	if err != nil {
		return err
	}

	validator, err := validation.NewWorkflowValidator()
	if err != nil {
		return err
	}

	result := validator.Validate(def)
	for _, w := range result.Warnings {
		fmt.Printf("warning: %s: %s\n", w.Path, w.Message)
	}
	for _, e := range result.Errors {
		fmt.Printf("error: %s: %s\n", e.Path, e.Message)
	}
	if !result.Valid() {
		return fmt.Errorf("%s is invalid", path)
	}
	fmt.Printf("%s is valid (%d stages)\n", path, len(def.Stages))
	return nil
}

// parseParams turns key=value arguments into an execution params map.
func parseParams(args []string) map[string]any {
	if len(args) == 0 {
		return nil
	}
	params := make(map[string]any, len(args))
	for _, arg := range args {
		key, value, found := strings.Cut(arg, "=")
		if !found {
			params[arg] = true
			continue
		}
		params[key] = coerce(value)
	}
	return params
}

// coerce interprets a CLI value as a bool or number when it looks like one.
func coerce(v string) any {
	switch v {
	case "true":
		return true
	case "false":
		return false
	}
	var n float64
	if err := json.Unmarshal([]byte(v), &n); err == nil {
		return n
	}
	return v
}
