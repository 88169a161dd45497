package store

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func TestEventLog_ReplayEmpty(t *testing.T) {
	el := NewEventLog(NewMemoryStore())

	states, err := el.ReplayEvents(context.Background(), "exec-1")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestEventLog_ReplayStageLifecycle(t *testing.T) {
	s := NewMemoryStore()
	el := NewEventLog(s)
	ctx := context.Background()

	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", StageID: "build",
		Type: schema.EventStageStarted, Timestamp: start,
	}))
	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", StageID: "build",
		Type:      schema.EventStageCompleted,
		Payload:   json.RawMessage(`{"artifact":"app.tar"}`),
		Timestamp: start.Add(90 * time.Second),
	}))
	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", StageID: "test",
		Type: schema.EventStageStarted, Timestamp: start.Add(2 * time.Minute),
	}))
	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", StageID: "test",
		Type:      schema.EventStageFailed,
		Payload:   json.RawMessage(`{"error":"connection timeout"}`),
		Timestamp: start.Add(3 * time.Minute),
	}))

	states, err := el.ReplayEvents(ctx, "exec-1")
	require.NoError(t, err)
	require.Len(t, states, 2)

	build := states["build"]
	assert.Equal(t, schema.StageStatusCompleted, build.Status)
	assert.JSONEq(t, `{"artifact":"app.tar"}`, string(build.Output))
	assert.Equal(t, int64(90000), build.DurationMs)

	test := states["test"]
	assert.Equal(t, schema.StageStatusFailed, test.Status)
	assert.JSONEq(t, `{"error":"connection timeout"}`, string(test.Error))
}

func TestEventLog_ReplayRetryIncrementsCount(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	ctx := context.Background()

	events := []string{
		schema.EventStageStarted,
		schema.EventStageFailed,
		schema.EventStageRetrying,
		schema.EventStageStarted,
		schema.EventStageCompleted,
	}
	for _, typ := range events {
		require.NoError(t, el.Append(ctx, &Event{
			ExecutionID: "exec-1", StageID: "test", Type: typ,
		}))
	}

	states, err := el.ReplayEvents(ctx, "exec-1")
	require.NoError(t, err)

	test := states["test"]
	assert.Equal(t, schema.StageStatusCompleted, test.Status)
	assert.Equal(t, 1, test.RetryCount)
}

func TestEventLog_ReplaySkipped(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", StageID: "deploy", Type: schema.EventStageSkipped,
	}))

	states, err := el.ReplayEvents(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, schema.StageStatusSkipped, states["deploy"].Status)
}

func TestEventLog_ReplayDetectsSequenceGap(t *testing.T) {
	s := NewMemoryStore()
	el := NewEventLog(s)
	ctx := context.Background()

	// Forge a gap by writing directly to the backing map.
	s.events["exec-1"] = []*Event{
		{ExecutionID: "exec-1", StageID: "build", Type: schema.EventStageStarted, Sequence: 1},
		{ExecutionID: "exec-1", StageID: "build", Type: schema.EventStageCompleted, Sequence: 3},
	}

	_, err := el.ReplayEvents(ctx, "exec-1")
	require.Error(t, err)
	cErr, ok := err.(*schema.ConductorError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeStore, cErr.Code)
}

func TestEventLog_WorkflowEventsDoNotCreateStageState(t *testing.T) {
	el := NewEventLog(NewMemoryStore())
	ctx := context.Background()

	require.NoError(t, el.Append(ctx, &Event{
		ExecutionID: "exec-1", Type: schema.EventWorkflowStarted,
	}))

	states, err := el.ReplayEvents(ctx, "exec-1")
	require.NoError(t, err)
	assert.Empty(t, states)
}
