package orchestrator

import (
	"sync"

	"github.com/yairfalse/cureiam/types"
)

// Queue is an unbounded FIFO of records between two workers. A nil entry is
// the sentinel meaning no further records will arrive.
type Queue struct {
	name  string
	mu    sync.Mutex
	cond  *sync.Cond
	items []*types.Record
}

// NewQueue creates an empty queue
func NewQueue(name string) *Queue {
	q := &Queue{name: name}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Name returns the queue name, the plugin key of its consumer
func (q *Queue) Name() string {
	return q.name
}

// Push appends a record. It never blocks.
func (q *Queue) Push(rec *types.Record) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	q.mu.Unlock()
	q.cond.Signal()
}

// PushSentinel appends the end-of-input sentinel
func (q *Queue) PushSentinel() {
	q.Push(nil)
}

// Pop blocks until an item is available. ok is false when the item is the sentinel.
func (q *Queue) Pop() (rec *types.Record, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 {
		q.cond.Wait()
	}

	rec = q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return rec, rec != nil
}

// Len returns the number of queued items, sentinel included
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
