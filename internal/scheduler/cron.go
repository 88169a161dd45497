package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// TriggerFunc starts a workflow execution for a due schedule. The pipeline
// layer supplies one.
type TriggerFunc func(ctx context.Context, def *schema.WorkflowDefinition)

// scheduleEntry is one registered workflow with a schedule trigger.
type scheduleEntry struct {
	def           *schema.WorkflowDefinition
	spec          string
	schedule      cron.Schedule
	nextRunAt     time.Time
	lastRunAt     *time.Time
	lastRunStatus string
}

// CronScheduler fires workflows whose definitions carry a schedule trigger.
// Registered entries are checked on a fixed tick; a workflow whose next run
// time has passed is launched once and rescheduled. An entry never overlaps
// itself: a launch still in flight suppresses the next firing.
type CronScheduler struct {
	trigger  TriggerFunc
	parser   cron.Parser
	interval time.Duration
	logger   *slog.Logger
	now      func() time.Time

	mu      sync.Mutex
	entries map[string]*scheduleEntry
	cancel  context.CancelFunc
	done    chan struct{}

	inflightMu sync.Mutex
	inflight   map[string]struct{}
}

// CronOption customizes a CronScheduler.
type CronOption func(*CronScheduler)

// WithTickInterval overrides the due-check cadence. Tests use a short one.
func WithTickInterval(d time.Duration) CronOption {
	return func(c *CronScheduler) { c.interval = d }
}

// WithCronLogger sets the logger.
func WithCronLogger(l *slog.Logger) CronOption {
	return func(c *CronScheduler) { c.logger = l }
}

// WithCronClock overrides the time source.
func WithCronClock(now func() time.Time) CronOption {
	return func(c *CronScheduler) { c.now = now }
}

// NewCronScheduler creates a CronScheduler that launches due workflows
// through the trigger func. Cron expressions use the standard five-field
// format (minute through day-of-week).
func NewCronScheduler(trigger TriggerFunc, opts ...CronOption) *CronScheduler {
	c := &CronScheduler{
		trigger:  trigger,
		parser:   cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		interval: time.Minute,
		logger:   slog.Default(),
		now:      func() time.Time { return time.Now().UTC() },
		entries:  make(map[string]*scheduleEntry),
		inflight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Register adds a workflow with a schedule trigger. The first trigger of type
// "schedule" wins; a workflow without one is a validation error. Registering
// the same workflow ID again replaces the previous entry.
func (c *CronScheduler) Register(def *schema.WorkflowDefinition) error {
	spec := scheduleSpec(def)
	if spec == "" {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q has no schedule trigger", def.ID)
	}

	schedule, err := c.parser.Parse(spec)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid cron expression %q for workflow %q", spec, def.ID).WithCause(err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[def.ID] = &scheduleEntry{
		def:       def,
		spec:      spec,
		schedule:  schedule,
		nextRunAt: schedule.Next(c.now()),
	}
	c.logger.Info("schedule registered", "workflow_id", def.ID, "cron", spec)
	return nil
}

// Unregister drops a workflow's schedule. Returns true when it existed.
func (c *CronScheduler) Unregister(workflowID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[workflowID]
	delete(c.entries, workflowID)
	return ok
}

// NextRun reports the next firing time of a registered workflow.
func (c *CronScheduler) NextRun(workflowID string) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[workflowID]
	if !ok {
		return time.Time{}, false
	}
	return entry.nextRunAt, true
}

// Start launches the tick loop. An initial tick runs immediately so schedules
// missed during downtime fire without waiting a full interval.
func (c *CronScheduler) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.done != nil {
		c.mu.Unlock()
		return fmt.Errorf("cron scheduler already started")
	}
	loopCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.loop(loopCtx)
	c.logger.Info("cron scheduler started", "interval", c.interval)
	return nil
}

// Stop halts the loop and waits for it to exit.
func (c *CronScheduler) Stop() {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done = nil, nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	c.logger.Info("cron scheduler stopped")
}

func (c *CronScheduler) loop(ctx context.Context) {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	defer close(done)

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.Tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Tick(ctx)
		}
	}
}

// Tick launches every registered workflow whose next run time has passed.
// Exported so tests and operators can drive the scheduler directly.
func (c *CronScheduler) Tick(ctx context.Context) int {
	now := c.now()

	c.mu.Lock()
	var due []*scheduleEntry
	for _, entry := range c.entries {
		if !entry.nextRunAt.After(now) {
			due = append(due, entry)
		}
	}
	c.mu.Unlock()

	fired := 0
	for _, entry := range due {
		if !c.tryAcquire(entry.def.ID) {
			continue
		}
		c.logger.Info("schedule due", "workflow_id", entry.def.ID, "cron", entry.spec)
		c.trigger(ctx, entry.def)
		c.release(entry.def.ID)

		c.mu.Lock()
		entry.lastRunAt = &now
		entry.lastRunStatus = "fired"
		entry.nextRunAt = entry.schedule.Next(now)
		c.mu.Unlock()
		fired++
	}
	return fired
}

func (c *CronScheduler) tryAcquire(workflowID string) bool {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	if _, ok := c.inflight[workflowID]; ok {
		return false
	}
	c.inflight[workflowID] = struct{}{}
	return true
}

func (c *CronScheduler) release(workflowID string) {
	c.inflightMu.Lock()
	defer c.inflightMu.Unlock()
	delete(c.inflight, workflowID)
}

// scheduleSpec extracts the cron expression from a definition's first
// schedule trigger.
func scheduleSpec(def *schema.WorkflowDefinition) string {
	for _, trigger := range def.Triggers {
		if trigger.Type != "schedule" {
			continue
		}
		if spec, ok := trigger.Config["cron"].(string); ok {
			return spec
		}
	}
	return ""
}
