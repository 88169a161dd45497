package scheduler

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/conductor-ci/conductor/internal/resources"
	"github.com/conductor-ci/conductor/internal/store"
	"github.com/conductor-ci/conductor/pkg/schema"
)

// Default cadences for the maintenance loops.
const (
	DefaultSweepSchedule   = "@every 1m"
	DefaultPromoteSchedule = "@every 10s"
)

// Launcher starts a previously queued workflow once capacity frees up. The
// pipeline layer supplies one; the supervisor never executes workflows itself.
type Launcher func(ctx context.Context, queued *resources.QueuedWorkflow)

// Supervisor runs the background maintenance loops: reclaiming expired
// resource allocations and promoting queued workflows when capacity frees up.
// Both loops are also callable directly (RunSweep, RunPromotions) so tests
// and operators can drive them without waiting on the cron cadence.
type Supervisor struct {
	resources *resources.Manager
	queue     *resources.Queue
	store     store.Store
	launch    Launcher
	logger    *slog.Logger

	sweepSchedule   string
	promoteSchedule string

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// Option customizes a Supervisor.
type Option func(*Supervisor)

// WithSweepSchedule overrides the expired-allocation sweep cadence.
func WithSweepSchedule(spec string) Option {
	return func(s *Supervisor) { s.sweepSchedule = spec }
}

// WithPromoteSchedule overrides the queue-promotion cadence.
func WithPromoteSchedule(spec string) Option {
	return func(s *Supervisor) { s.promoteSchedule = spec }
}

// WithStore sets the event log target for expiry events.
func WithStore(st store.Store) Option {
	return func(s *Supervisor) { s.store = st }
}

// WithLauncher sets the callback that starts promoted workflows.
func WithLauncher(l Launcher) Option {
	return func(s *Supervisor) { s.launch = l }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = l }
}

// NewSupervisor creates a Supervisor over the given resource manager and
// admission queue.
func NewSupervisor(mgr *resources.Manager, queue *resources.Queue, opts ...Option) *Supervisor {
	s := &Supervisor{
		resources:       mgr,
		queue:           queue,
		logger:          slog.Default(),
		sweepSchedule:   DefaultSweepSchedule,
		promoteSchedule: DefaultPromoteSchedule,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the maintenance loops and starts the cron scheduler.
// Calling Start on a running supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	c := cron.New()
	if _, err := c.AddFunc(s.sweepSchedule, func() { s.RunSweep(ctx) }); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid sweep schedule %q", s.sweepSchedule).WithCause(err)
	}
	if _, err := c.AddFunc(s.promoteSchedule, func() { s.RunPromotions(ctx) }); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"invalid promotion schedule %q", s.promoteSchedule).WithCause(err)
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info("supervisor started",
		"sweep", s.sweepSchedule, "promote", s.promoteSchedule)
	return nil
}

// Stop halts the scheduler and waits for any in-flight loop run to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}

	<-c.Stop().Done()
	s.logger.Info("supervisor stopped")
}

// RunSweep reclaims expired allocations and logs an allocation_expired event
// for each. Returns the reclaimed execution IDs.
func (s *Supervisor) RunSweep(ctx context.Context) []string {
	expired := s.resources.CleanupExpired()
	for _, executionID := range expired {
		s.logger.Warn("allocation expired", "execution_id", executionID)
		if s.store == nil {
			continue
		}
		err := s.store.AppendEvent(ctx, &store.Event{
			ExecutionID: executionID,
			Type:        schema.EventAllocationExpired,
			Timestamp:   time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("expiry event append failed",
				"execution_id", executionID, "error", err)
		}
	}
	return expired
}

// RunPromotions launches queued workflows head-first while capacity admits
// them. Returns the number of workflows handed to the launcher.
func (s *Supervisor) RunPromotions(ctx context.Context) int {
	if s.launch == nil {
		return 0
	}

	promoted := 0
	for {
		queued := s.queue.NextExecutable(s.resources)
		if queued == nil {
			return promoted
		}
		s.logger.Info("promoting queued workflow",
			"workflow_id", queued.WorkflowID,
			"execution_id", queued.ExecutionID,
			"queued_for", time.Since(queued.QueuedAt).Round(time.Millisecond))
		s.launch(ctx, queued)
		promoted++
	}
}
