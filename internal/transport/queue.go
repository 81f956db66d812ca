package transport

import (
	"sync"

	"github.com/tonimelisma/pacepair/internal/wire"
)

// Item is one best-effort frame waiting for the peer.
type Item struct {
	ID    string
	Kind  wire.Kind
	Frame []byte
}

// Queue is a bounded FIFO of best-effort frames. When full, the oldest
// non-critical frame is evicted; if every frame is critical, the oldest
// critical frame goes. Safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	items    []Item
	capacity int
}

// NewQueue creates a queue holding at most capacity frames.
func NewQueue(capacity int) *Queue {
	if capacity < 1 {
		capacity = 1
	}

	return &Queue{capacity: capacity}
}

// Push appends a frame. It returns the evicted frame, if any.
func (q *Queue) Push(m Item) (evicted *Item) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		victim := q.victimLocked()
		v := q.items[victim]
		evicted = &v
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}

	q.items = append(q.items, m)

	return evicted
}

// victimLocked picks the index to evict from a full queue.
func (q *Queue) victimLocked() int {
	for i := range q.items {
		if !wire.IsCritical(q.items[i].Kind) {
			return i
		}
	}

	return 0
}

// TakeAll removes and returns every frame in enqueue order.
func (q *Queue) TakeAll() []Item {
	q.mu.Lock()
	defer q.mu.Unlock()

	items := q.items
	q.items = nil

	return items
}

// Requeue puts unsent frames back at the head, ahead of anything queued
// since TakeAll. If that overflows the queue, frames are evicted by the
// usual rule; the number evicted is returned.
func (q *Queue) Requeue(items []Item) int {
	if len(items) == 0 {
		return 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	q.items = append(append(make([]Item, 0, len(items)+len(q.items)), items...), q.items...)

	evicted := 0
	for len(q.items) > q.capacity {
		victim := q.victimLocked()
		q.items = append(q.items[:victim], q.items[victim+1:]...)
		evicted++
	}

	return evicted
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return len(q.items)
}
