package resources

import (
	"log/slog"
	"sync"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// DefaultAllocationTTL bounds how long an allocation may live before the
// expiry sweep reclaims it. A safety net against leaked allocations from
// crashed callers, not the primary release path.
const DefaultAllocationTTL = 2 * time.Hour

// DefaultCapacity returns the capacity pool used when none is configured.
func DefaultCapacity() map[schema.ResourceType]float64 {
	return map[schema.ResourceType]float64{
		schema.ResourceCPU:         8,
		schema.ResourceMemoryGB:    16,
		schema.ResourceNetwork:     100,
		schema.ResourceStorageGB:   500,
		schema.ResourceConcurrency: 10,
	}
}

// Manager is the admission-control gate for concurrent executions against a
// fixed typed capacity pool. The pool and allocation table are the only
// cross-execution shared mutable state; all mutations go through the
// mutex-guarded API.
//
// Invariant: for every resource type, allocated never exceeds capacity.
type Manager struct {
	mu          sync.Mutex
	capacity    map[schema.ResourceType]float64
	allocated   map[schema.ResourceType]float64
	allocations map[string]*schema.ResourceAllocation // keyed by execution ID

	estimator CostEstimator
	ttl       time.Duration
	logger    *slog.Logger
	now       func() time.Time
}

// Option customizes a Manager.
type Option func(*Manager)

// WithEstimator replaces the DefaultEstimator.
func WithEstimator(e CostEstimator) Option {
	return func(m *Manager) { m.estimator = e }
}

// WithAllocationTTL overrides the allocation expiry.
func WithAllocationTTL(ttl time.Duration) Option {
	return func(m *Manager) { m.ttl = ttl }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithClock overrides the time source. Used by tests to drive expiry.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// NewManager creates a Manager over the given capacity pool. A nil capacity
// map falls back to DefaultCapacity.
func NewManager(capacity map[schema.ResourceType]float64, opts ...Option) *Manager {
	if capacity == nil {
		capacity = DefaultCapacity()
	}
	cp := make(map[schema.ResourceType]float64, len(capacity))
	for k, v := range capacity {
		cp[k] = v
	}

	m := &Manager{
		capacity:    cp,
		allocated:   make(map[schema.ResourceType]float64, len(cp)),
		allocations: make(map[string]*schema.ResourceAllocation),
		estimator:   DefaultEstimator{},
		ttl:         DefaultAllocationTTL,
		logger:      slog.Default(),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// CanExecute reports whether the pool currently has headroom for one
// execution of def. Advisory only: admission is re-checked atomically inside
// Allocate, so a true result here can still lose the race.
func (m *Manager) CanExecute(def *schema.WorkflowDefinition) bool {
	required := m.estimator.Estimate(def)

	m.mu.Lock()
	defer m.mu.Unlock()
	return m.fits(required)
}

// Allocate atomically re-checks admission and, if every resource type has
// headroom, records an allocation with the configured expiry. Returns the
// allocation and true on success, nil and false when any single resource type
// is insufficient or the execution already holds an allocation.
func (m *Manager) Allocate(def *schema.WorkflowDefinition, workflowID, executionID string) (*schema.ResourceAllocation, bool) {
	required := m.estimator.Estimate(def)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.allocations[executionID]; exists {
		return nil, false
	}
	if !m.fits(required) {
		m.logger.Debug("admission denied",
			"workflow_id", workflowID,
			"execution_id", executionID)
		return nil, false
	}

	now := m.now()
	alloc := &schema.ResourceAllocation{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Resources:   required,
		AllocatedAt: now,
		ExpiresAt:   now.Add(m.ttl),
	}
	for rt, amount := range required {
		m.allocated[rt] += amount
	}
	m.allocations[executionID] = alloc

	m.logger.Debug("resources allocated",
		"workflow_id", workflowID,
		"execution_id", executionID,
		"expires_at", alloc.ExpiresAt)
	return alloc, true
}

// Release returns an execution's capacity to the pool. Idempotent: releasing
// an unknown or already-released execution is a no-op.
func (m *Manager) Release(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.release(executionID)
}

// release must be called with the mutex held.
func (m *Manager) release(executionID string) {
	alloc, ok := m.allocations[executionID]
	if !ok {
		return
	}
	for rt, amount := range alloc.Resources {
		m.allocated[rt] -= amount
		if m.allocated[rt] < 0 {
			m.allocated[rt] = 0
		}
	}
	delete(m.allocations, executionID)

	m.logger.Debug("resources released", "execution_id", executionID)
}

// CleanupExpired sweeps allocations past their expiry and returns the IDs of
// the executions whose capacity was reclaimed.
func (m *Manager) CleanupExpired() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	var expired []string
	for id, alloc := range m.allocations {
		if alloc.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		m.logger.Warn("allocation expired, reclaiming", "execution_id", id)
		m.release(id)
	}
	return expired
}

// Allocation returns a copy of the live allocation for an execution, if any.
func (m *Manager) Allocation(executionID string) (*schema.ResourceAllocation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	alloc, ok := m.allocations[executionID]
	if !ok {
		return nil, false
	}
	cp := *alloc
	cp.Resources = make(map[schema.ResourceType]float64, len(alloc.Resources))
	for k, v := range alloc.Resources {
		cp.Resources[k] = v
	}
	return &cp, true
}

// Usage returns a snapshot of allocated amounts per resource type.
func (m *Manager) Usage() map[schema.ResourceType]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[schema.ResourceType]float64, len(m.allocated))
	for k, v := range m.allocated {
		out[k] = v
	}
	return out
}

// fits must be called with the mutex held.
func (m *Manager) fits(required map[schema.ResourceType]float64) bool {
	for rt, amount := range required {
		if m.allocated[rt]+amount > m.capacity[rt] {
			return false
		}
	}
	return true
}
