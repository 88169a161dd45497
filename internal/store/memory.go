package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// MemoryStore implements the Store interface with in-process maps. It is the
// default backend when no database path is configured and the backend used by
// most tests.
type MemoryStore struct {
	mu          sync.RWMutex
	executions  map[string]*Execution
	events      map[string][]*Event // keyed by execution ID, ordered by sequence
	stageStates map[string]map[string]*StageState
	gateResults map[string][]*GateRecord
	nextEventID int64
	nextGateID  int64
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions:  make(map[string]*Execution),
		events:      make(map[string][]*Event),
		stageStates: make(map[string]map[string]*StageState),
		gateResults: make(map[string][]*GateRecord),
	}
}

// --- Executions ---

func (s *MemoryStore) CreateExecution(_ context.Context, exec *Execution) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.executions[exec.ExecutionID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict, "execution %q already exists", exec.ExecutionID)
	}

	cp := *exec
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	cp.UpdatedAt = cp.CreatedAt
	s.executions[exec.ExecutionID] = &cp
	return nil
}

func (s *MemoryStore) GetExecution(_ context.Context, executionID string) (*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return nil, storeNotFound("execution", executionID)
	}
	cp := *exec
	return &cp, nil
}

func (s *MemoryStore) UpdateExecution(_ context.Context, executionID string, update ExecutionUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exec, ok := s.executions[executionID]
	if !ok {
		return storeNotFound("execution", executionID)
	}

	if update.Status != nil {
		exec.Status = *update.Status
	}
	if update.Result != nil {
		exec.Result = update.Result
	}
	if update.StartedAt != nil {
		exec.StartedAt = update.StartedAt
	}
	if update.CompletedAt != nil {
		exec.CompletedAt = update.CompletedAt
	}
	exec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListExecutions(_ context.Context, filter ExecutionFilter) ([]*Execution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Execution
	for _, exec := range s.executions {
		if filter.WorkflowID != "" && exec.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != nil && exec.Status != *filter.Status {
			continue
		}
		if filter.Since != nil && exec.CreatedAt.Before(*filter.Since) {
			continue
		}
		cp := *exec
		out = append(out, &cp)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(out) {
			return nil, nil
		}
		out = out[filter.Offset:]
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Events ---

func (s *MemoryStore) AppendEvent(_ context.Context, event *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextEventID++
	event.ID = s.nextEventID
	event.Sequence = int64(len(s.events[event.ExecutionID])) + 1
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	cp := *event
	s.events[event.ExecutionID] = append(s.events[event.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) GetEvents(_ context.Context, executionID string, since int64) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for _, e := range s.events[executionID] {
		if e.Sequence > since {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) GetEventsByType(_ context.Context, eventType string, filter EventFilter) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Event
	for execID, events := range s.events {
		if filter.ExecutionID != "" && execID != filter.ExecutionID {
			continue
		}
		for _, e := range events {
			if e.Type != eventType {
				continue
			}
			if filter.StageID != "" && e.StageID != filter.StageID {
				continue
			}
			if filter.Since != nil && e.Timestamp.Before(*filter.Since) {
				continue
			}
			cp := *e
			out = append(out, &cp)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// --- Stage state ---

func (s *MemoryStore) UpsertStageState(_ context.Context, state *StageState) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	states, ok := s.stageStates[state.ExecutionID]
	if !ok {
		states = make(map[string]*StageState)
		s.stageStates[state.ExecutionID] = states
	}
	cp := *state
	states[state.StageID] = &cp
	return nil
}

func (s *MemoryStore) GetStageState(_ context.Context, executionID, stageID string) (*StageState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	state, ok := s.stageStates[executionID][stageID]
	if !ok {
		return nil, storeNotFound("stage_state", executionID+"/"+stageID)
	}
	cp := *state
	return &cp, nil
}

func (s *MemoryStore) ListStageStates(_ context.Context, executionID string) ([]*StageState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*StageState
	for _, state := range s.stageStates[executionID] {
		cp := *state
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].StageID < out[j].StageID
	})
	return out, nil
}

// --- Gate results ---

func (s *MemoryStore) SaveGateResult(_ context.Context, rec *GateRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextGateID++
	rec.ID = s.nextGateID
	if rec.EvaluatedAt.IsZero() {
		rec.EvaluatedAt = time.Now().UTC()
	}
	cp := *rec
	s.gateResults[rec.ExecutionID] = append(s.gateResults[rec.ExecutionID], &cp)
	return nil
}

func (s *MemoryStore) ListGateResults(_ context.Context, executionID string) ([]*GateRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*GateRecord
	for _, rec := range s.gateResults[executionID] {
		cp := *rec
		out = append(out, &cp)
	}
	return out, nil
}

// --- Maintenance ---

func (s *MemoryStore) Migrate(context.Context) error { return nil }

func (s *MemoryStore) Close() error { return nil }

var _ Store = (*MemoryStore)(nil)
