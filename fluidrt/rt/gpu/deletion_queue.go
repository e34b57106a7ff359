package gpu

import "github.com/gekko3d/fluid/fluidrt/rt/hal"

// DeletionQueue owns resources for one scope and releases them in reverse
// order of registration.
type DeletionQueue struct {
	resources []hal.Resource
	metrics   *Metrics
}

func (q *DeletionQueue) Push(res hal.Resource) {
	if res == nil {
		return
	}
	q.resources = append(q.resources, res)
}

// Flush releases every pending resource, last pushed first, and empties the
// queue. Flushing an empty queue does nothing.
func (q *DeletionQueue) Flush() {
	n := len(q.resources)
	for i := n - 1; i >= 0; i-- {
		q.resources[i].Release()
		q.resources[i] = nil
	}
	q.resources = q.resources[:0]
	q.metrics.deleted(n)
}

func (q *DeletionQueue) Len() int { return len(q.resources) }

// Release flushes the queue, so a queue can itself be pushed onto an outer one.
func (q *DeletionQueue) Release() { q.Flush() }
