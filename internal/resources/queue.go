package resources

import (
	"sync"
	"time"

	"github.com/conductor-ci/conductor/pkg/schema"
)

// QueuedWorkflow is one execution waiting for capacity.
type QueuedWorkflow struct {
	Definition  *schema.WorkflowDefinition
	WorkflowID  string
	ExecutionID string
	QueuedAt    time.Time
}

// Queue is a FIFO of executions denied admission. Dequeuing re-checks
// admission against the Manager so a queued workflow can never start without
// capacity actually being available.
type Queue struct {
	mu    sync.Mutex
	items []*QueuedWorkflow
}

// NewQueue creates an empty Queue.
func NewQueue() *Queue {
	return &Queue{}
}

// Enqueue appends a workflow to the tail.
func (q *Queue) Enqueue(def *schema.WorkflowDefinition, workflowID, executionID string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(q.items, &QueuedWorkflow{
		Definition:  def,
		WorkflowID:  workflowID,
		ExecutionID: executionID,
		QueuedAt:    time.Now().UTC(),
	})
}

// NextExecutable pops and returns the head of the queue only if the Manager
// admits it right now. When the head cannot be admitted it stays queued and
// nil is returned, preserving FIFO order.
func (q *Queue) NextExecutable(m *Manager) *QueuedWorkflow {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil
	}

	head := q.items[0]
	if !m.CanExecute(head.Definition) {
		return nil
	}

	q.items = q.items[1:]
	return head
}

// Len returns the number of queued workflows.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Remove drops a queued workflow by execution ID, e.g. after cancellation.
// Returns true when an entry was removed.
func (q *Queue) Remove(executionID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, item := range q.items {
		if item.ExecutionID == executionID {
			q.items = append(q.items[:i], q.items[i+1:]...)
			return true
		}
	}
	return false
}
