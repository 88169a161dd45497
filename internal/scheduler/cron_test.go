package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func scheduledDefinition(id, spec string) *schema.WorkflowDefinition {
	return &schema.WorkflowDefinition{
		ID:     id,
		Stages: []schema.WorkflowStage{{ID: "build"}},
		Triggers: []schema.Trigger{
			{Type: "schedule", Config: map[string]any{"cron": spec}},
		},
	}
}

type triggerRecorder struct {
	mu    sync.Mutex
	fired []string
}

func (r *triggerRecorder) trigger(ctx context.Context, def *schema.WorkflowDefinition) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, def.ID)
}

func (r *triggerRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func TestRegister_RequiresScheduleTrigger(t *testing.T) {
	c := NewCronScheduler(nil, WithCronLogger(quietLogger()))

	def := &schema.WorkflowDefinition{
		ID:       "manual-only",
		Stages:   []schema.WorkflowStage{{ID: "build"}},
		Triggers: []schema.Trigger{{Type: "manual"}},
	}
	err := c.Register(def)
	require.Error(t, err)
}

func TestRegister_RejectsBadCronExpression(t *testing.T) {
	c := NewCronScheduler(nil, WithCronLogger(quietLogger()))

	err := c.Register(scheduledDefinition("nightly", "every day at midnight"))
	require.Error(t, err)
	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeValidation, cErr.Code)
}

func TestTick_FiresDueSchedulesAndReschedules(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 30, 0, time.UTC)
	rec := &triggerRecorder{}
	c := NewCronScheduler(rec.trigger,
		WithCronLogger(quietLogger()),
		WithCronClock(func() time.Time { return now }))

	require.NoError(t, c.Register(scheduledDefinition("nightly", "0 0 * * *")))
	require.NoError(t, c.Register(scheduledDefinition("hourly", "0 * * * *")))

	// Nothing is due yet.
	assert.Zero(t, c.Tick(context.Background()))

	now = now.Add(time.Hour)
	assert.Equal(t, 1, c.Tick(context.Background()))
	assert.Equal(t, []string{"hourly"}, rec.fired)

	// The fired schedule moved forward; the same instant fires nothing new.
	assert.Zero(t, c.Tick(context.Background()))

	next, ok := c.NextRun("hourly")
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Hour).Truncate(time.Hour), next.Truncate(time.Hour))
}

func TestTick_MissedScheduleFiresOnce(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &triggerRecorder{}
	c := NewCronScheduler(rec.trigger,
		WithCronLogger(quietLogger()),
		WithCronClock(func() time.Time { return now }))

	require.NoError(t, c.Register(scheduledDefinition("hourly", "0 * * * *")))

	// Jump three hours ahead: the schedule fires once, not three times.
	now = now.Add(3 * time.Hour)
	assert.Equal(t, 1, c.Tick(context.Background()))
	assert.Equal(t, 1, rec.count())
}

func TestUnregister_StopsFiring(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	rec := &triggerRecorder{}
	c := NewCronScheduler(rec.trigger,
		WithCronLogger(quietLogger()),
		WithCronClock(func() time.Time { return now }))

	require.NoError(t, c.Register(scheduledDefinition("hourly", "0 * * * *")))
	assert.True(t, c.Unregister("hourly"))
	assert.False(t, c.Unregister("hourly"))

	now = now.Add(2 * time.Hour)
	assert.Zero(t, c.Tick(context.Background()))
	assert.Zero(t, rec.count())
}

func TestCronScheduler_StartStop(t *testing.T) {
	rec := &triggerRecorder{}
	c := NewCronScheduler(rec.trigger,
		WithCronLogger(quietLogger()),
		WithTickInterval(time.Hour))

	require.NoError(t, c.Start(context.Background()))
	require.Error(t, c.Start(context.Background()), "double start is rejected")
	c.Stop()
	// Idempotent stop.
	c.Stop()
}

func TestCronScheduler_LoopFiresOnInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 1, 0, 0, 0, time.UTC)
	var clockMu sync.Mutex
	clock := func() time.Time {
		clockMu.Lock()
		defer clockMu.Unlock()
		return now
	}

	fired := make(chan string, 1)
	c := NewCronScheduler(func(ctx context.Context, def *schema.WorkflowDefinition) {
		fired <- def.ID
	},
		WithCronLogger(quietLogger()),
		WithTickInterval(20*time.Millisecond),
		WithCronClock(clock))

	require.NoError(t, c.Register(scheduledDefinition("hourly", "0 * * * *")))

	clockMu.Lock()
	now = now.Add(time.Hour)
	clockMu.Unlock()

	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	select {
	case id := <-fired:
		assert.Equal(t, "hourly", id)
	case <-time.After(3 * time.Second):
		t.Fatal("schedule never fired")
	}
}
