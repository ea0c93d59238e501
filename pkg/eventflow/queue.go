package eventflow

import (
	"sync"

	"github.com/randalmurphal/eventflow/pkg/eventflow/event"
)

// DefaultQueueSize bounds a Queue created with size zero.
const DefaultQueueSize = 1000

// Queue is a bounded FIFO of events. When full, pushing drops the oldest
// event. The dispatcher pushes every event that passes the filter.
type Queue struct {
	mu      sync.Mutex
	events  []event.Event
	maxSize int
	dropped int
}

// NewQueue creates a queue holding at most maxSize events.
// Zero or negative uses DefaultQueueSize.
func NewQueue(maxSize int) *Queue {
	if maxSize <= 0 {
		maxSize = DefaultQueueSize
	}
	return &Queue{maxSize: maxSize}
}

// Push appends evt, dropping the oldest event if the queue is full.
func (q *Queue) Push(evt event.Event) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = append(q.events, evt)
	q.trim()
}

func (q *Queue) trim() {
	if over := len(q.events) - q.maxSize; over > 0 {
		q.events = append(q.events[:0:0], q.events[over:]...)
		q.dropped += over
	}
}

// Pop removes and returns the oldest event.
func (q *Queue) Pop() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event.Event{}, false
	}
	evt := q.events[0]
	q.events = q.events[1:]
	return evt, true
}

// Peek returns the oldest event without removing it.
func (q *Queue) Peek() (event.Event, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.events) == 0 {
		return event.Event{}, false
	}
	return q.events[0], true
}

// Size returns the number of queued events.
func (q *Queue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}

// IsEmpty reports whether the queue holds no events.
func (q *Queue) IsEmpty() bool {
	return q.Size() == 0
}

// All returns a copy of the queued events, oldest first.
func (q *Queue) All() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]event.Event, len(q.events))
	copy(out, q.events)
	return out
}

// Drain removes and returns every queued event.
func (q *Queue) Drain() []event.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := q.events
	q.events = nil
	return out
}

// Clear removes every queued event.
func (q *Queue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = nil
}

// SetMaxSize changes the bound, dropping the oldest events if needed.
func (q *Queue) SetMaxSize(n int) {
	if n <= 0 {
		n = DefaultQueueSize
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.maxSize = n
	q.trim()
}

// Dropped returns how many events were evicted to respect the bound.
func (q *Queue) Dropped() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
