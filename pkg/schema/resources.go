package schema

import "time"

// ResourceType identifies one dimension of the shared capacity pool.
type ResourceType string

const (
	ResourceCPU         ResourceType = "cpu"
	ResourceMemoryGB    ResourceType = "memory_gb"
	ResourceNetwork     ResourceType = "network"
	ResourceStorageGB   ResourceType = "storage_gb"
	ResourceConcurrency ResourceType = "concurrent_executions"
)

// ResourceAllocation records capacity granted to one execution. Capacity is
// returned to the pool on release or expiry-driven cleanup.
type ResourceAllocation struct {
	ExecutionID string                   `json:"execution_id"`
	WorkflowID  string                   `json:"workflow_id"`
	Resources   map[ResourceType]float64 `json:"resources"`
	AllocatedAt time.Time                `json:"allocated_at"`
	ExpiresAt   time.Time                `json:"expires_at"`
}

// Expired reports whether the allocation is past its expiry at the given time.
func (a *ResourceAllocation) Expired(now time.Time) bool {
	return now.After(a.ExpiresAt)
}
