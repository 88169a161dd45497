package resources

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/conductor-ci/conductor/pkg/schema"
)

func TestQueue_FIFOOrder(t *testing.T) {
	q := NewQueue()
	m := NewManager(nil)

	q.Enqueue(smallDefinition(), "ci-main", "exec-1")
	q.Enqueue(smallDefinition(), "ci-main", "exec-2")
	require.Equal(t, 2, q.Len())

	first := q.NextExecutable(m)
	require.NotNil(t, first)
	assert.Equal(t, "exec-1", first.ExecutionID)

	second := q.NextExecutable(m)
	require.NotNil(t, second)
	assert.Equal(t, "exec-2", second.ExecutionID)

	assert.Nil(t, q.NextExecutable(m))
}

func TestQueue_NextExecutableRechecksAdmission(t *testing.T) {
	q := NewQueue()
	m := NewManager(
		map[schema.ResourceType]float64{schema.ResourceCPU: 3},
		WithEstimator(fixedEstimator{schema.ResourceCPU: 3}),
	)

	// Saturate the pool, then queue another workflow.
	_, ok := m.Allocate(smallDefinition(), "ci-main", "exec-running")
	require.True(t, ok)
	q.Enqueue(smallDefinition(), "ci-main", "exec-queued")

	// Head must stay queued while the pool is full.
	assert.Nil(t, q.NextExecutable(m))
	assert.Equal(t, 1, q.Len())

	// Capacity frees up; now the head is admitted.
	m.Release("exec-running")
	head := q.NextExecutable(m)
	require.NotNil(t, head)
	assert.Equal(t, "exec-queued", head.ExecutionID)
	assert.Equal(t, 0, q.Len())
}

func TestQueue_Remove(t *testing.T) {
	q := NewQueue()

	q.Enqueue(smallDefinition(), "ci-main", "exec-1")
	q.Enqueue(smallDefinition(), "ci-main", "exec-2")

	assert.True(t, q.Remove("exec-1"))
	assert.False(t, q.Remove("exec-1"))
	assert.Equal(t, 1, q.Len())
}
