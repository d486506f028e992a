package encoding

import (
	"sync"
	"sync/atomic"

	"github.com/audiolibrelab/jamwatch/internal/device"
)

// Queue is a bounded frame queue that never blocks the producer: when it is
// full the oldest unencoded frame is discarded and counted.
type Queue struct {
	mu    sync.Mutex
	items []device.Packet
	head  int
	count int

	dropped atomic.Uint64
}

// NewQueue creates a queue holding at most size frames.
func NewQueue(size int) *Queue {
	if size < 1 {
		size = 1
	}
	return &Queue{items: make([]device.Packet, size)}
}

// Push appends p, evicting the oldest frame when full. It reports whether a
// frame was dropped.
func (q *Queue) Push(p device.Packet) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	dropped := false
	if q.count == len(q.items) {
		q.items[q.head] = device.Packet{}
		q.head = (q.head + 1) % len(q.items)
		q.count--
		q.dropped.Add(1)
		dropped = true
	}
	q.items[(q.head+q.count)%len(q.items)] = p
	q.count++
	return dropped
}

// Pop removes the oldest frame.
func (q *Queue) Pop() (device.Packet, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.count == 0 {
		return device.Packet{}, false
	}
	p := q.items[q.head]
	q.items[q.head] = device.Packet{}
	q.head = (q.head + 1) % len(q.items)
	q.count--
	return p, true
}

// Len returns the number of queued frames.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count
}

// Cap returns the queue bound.
func (q *Queue) Cap() int {
	return len(q.items)
}

// Dropped returns the number of frames discarded by backpressure.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Discard empties the queue and returns how many frames were removed.
func (q *Queue) Discard() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.count
	for i := range q.items {
		q.items[i] = device.Packet{}
	}
	q.head, q.count = 0, 0
	return n
}
