package store

import (
	"context"
	"fmt"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// EventLog provides event-sourcing operations on top of a Store.
type EventLog struct {
	store Store
}

// NewEventLog wraps a Store to provide event-sourcing operations.
func NewEventLog(s Store) *EventLog {
	return &EventLog{store: s}
}

// Append appends an event to the log.
func (el *EventLog) Append(ctx context.Context, event *Event) error {
	return el.store.AppendEvent(ctx, event)
}

// Events returns events for an execution with sequence > since, ordered by sequence ASC.
func (el *EventLog) Events(ctx context.Context, executionID string, since int64) ([]*Event, error) {
	return el.store.GetEvents(ctx, executionID, since)
}

// ReplayEvents replays all events for an execution and returns the
// reconstructed stage states. Returns an error if sequence gaps are detected.
func (el *EventLog) ReplayEvents(ctx context.Context, executionID string) (map[string]*StageState, error) {
	events, err := el.store.GetEvents(ctx, executionID, 0)
	if err != nil {
		return nil, fmt.Errorf("get events for replay: %w", err)
	}

	if len(events) == 0 {
		return make(map[string]*StageState), nil
	}

	// Validate sequence contiguity.
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return nil, schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in execution %s: expected %d, got %d", executionID, expected, e.Sequence)
		}
	}

	states := make(map[string]*StageState)

	for _, e := range events {
		if e.StageID == "" {
			continue
		}

		ss, ok := states[e.StageID]
		if !ok {
			ss = &StageState{
				ExecutionID: executionID,
				StageID:     e.StageID,
				Status:      schema.StageStatusPending,
			}
			states[e.StageID] = ss
		}

		switch e.Type {
		case schema.EventStageStarted:
			ss.Status = schema.StageStatusRunning
			ts := e.Timestamp
			ss.StartedAt = &ts

		case schema.EventStageCompleted:
			ss.Status = schema.StageStatusCompleted
			ts := e.Timestamp
			ss.CompletedAt = &ts
			ss.Output = e.Payload
			if ss.StartedAt != nil {
				ss.DurationMs = ts.Sub(*ss.StartedAt).Milliseconds()
			}

		case schema.EventStageFailed:
			ss.Status = schema.StageStatusFailed
			ss.Error = e.Payload

		case schema.EventStageSkipped:
			ss.Status = schema.StageStatusSkipped

		case schema.EventStageCancelled:
			ss.Status = schema.StageStatusCancelled

		case schema.EventStageRetrying:
			// A retry puts the stage back in flight; the next stage_started
			// event marks the attempt start.
			ss.Status = schema.StageStatusPending
			ss.RetryCount++
		}
	}

	return states, nil
}
