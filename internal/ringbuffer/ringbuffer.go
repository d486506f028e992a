// Package ringbuffer holds the most recent window of timestamped samples for a
// single capture device so a session can be seeded with pre-roll content.
//
// The buffer is sized twice: by a duration window and by an entry count
// derived from the device's event rate. Entries older than the window
// (relative to the newest entry) are evicted on every push, and when the
// count capacity is reached the oldest entry is overwritten.
package ringbuffer

import (
	"math"
	"sync"
	"time"
)

// Entry is a single timestamped sample.
type Entry[T any] struct {
	Time  time.Time
	Value T
}

// Buffer is a fixed-capacity circular store of timestamped values.
// Push never blocks on readers beyond the short critical section.
type Buffer[T any] struct {
	mu      sync.Mutex
	entries []Entry[T]
	head    int // index of the oldest entry
	size    int
	window  time.Duration
	rate    float64
	evicted uint64
}

// CapacityFor translates a pre-roll window into an entry count for a source
// producing rate entries per second. The result is always at least 1.
func CapacityFor(window time.Duration, rate float64) int {
	if window <= 0 || rate <= 0 {
		return 1
	}
	n := int(math.Ceil(window.Seconds() * rate))
	if n < 1 {
		return 1
	}
	return n
}

// New creates a buffer holding window worth of entries for a source that
// emits rate entries per second.
func New[T any](window time.Duration, rate float64) *Buffer[T] {
	return &Buffer[T]{
		entries: make([]Entry[T], CapacityFor(window, rate)),
		window:  window,
		rate:    rate,
	}
}

// Push appends a value. Timestamps are expected to be non-decreasing; an
// entry older than the current newest is still stored but never reorders
// existing entries.
func (b *Buffer[T]) Push(ts time.Time, v T) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := len(b.entries)
	if b.size == capacity {
		b.head = (b.head + 1) % capacity
		b.size--
		b.evicted++
	}
	tail := (b.head + b.size) % capacity
	b.entries[tail] = Entry[T]{Time: ts, Value: v}
	b.size++

	b.trimLocked(ts)
}

// trimLocked drops entries that fell out of the window relative to newest.
func (b *Buffer[T]) trimLocked(newest time.Time) {
	if b.window <= 0 {
		return
	}
	cutoff := newest.Add(-b.window)
	var zero Entry[T]
	for b.size > 0 {
		e := b.entries[b.head]
		if !e.Time.Before(cutoff) {
			return
		}
		b.entries[b.head] = zero
		b.head = (b.head + 1) % len(b.entries)
		b.size--
		b.evicted++
	}
}

// DrainFrom returns every entry with a timestamp at or after ts, oldest
// first. The buffer is left untouched.
func (b *Buffer[T]) DrainFrom(ts time.Time) []Entry[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]Entry[T], 0, b.size)
	for i := 0; i < b.size; i++ {
		e := b.entries[(b.head+i)%len(b.entries)]
		if e.Time.Before(ts) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Snapshot returns all buffered entries, oldest first.
func (b *Buffer[T]) Snapshot() []Entry[T] {
	return b.DrainFrom(time.Time{})
}

// Resize changes the window and reallocates storage. Existing entries are
// kept newest-first up to the new capacity and then trimmed to the new
// window.
func (b *Buffer[T]) Resize(window time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	capacity := CapacityFor(window, b.rate)
	keep := b.size
	if keep > capacity {
		keep = capacity
	}
	entries := make([]Entry[T], capacity)
	skip := b.size - keep
	for i := 0; i < keep; i++ {
		entries[i] = b.entries[(b.head+skip+i)%len(b.entries)]
	}
	b.evicted += uint64(skip)
	b.entries = entries
	b.head = 0
	b.size = keep
	b.window = window

	if keep > 0 {
		b.trimLocked(entries[keep-1].Time)
	}
}

// Oldest returns the timestamp of the oldest entry, or false when empty.
func (b *Buffer[T]) Oldest() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return time.Time{}, false
	}
	return b.entries[b.head].Time, true
}

// Newest returns the timestamp of the newest entry, or false when empty.
func (b *Buffer[T]) Newest() (time.Time, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.size == 0 {
		return time.Time{}, false
	}
	return b.entries[(b.head+b.size-1)%len(b.entries)].Time, true
}

// Len reports the number of buffered entries.
func (b *Buffer[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Capacity reports the entry capacity.
func (b *Buffer[T]) Capacity() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Window reports the configured duration window.
func (b *Buffer[T]) Window() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.window
}

// Evicted reports how many entries were dropped because of the window or
// capacity since the buffer was created.
func (b *Buffer[T]) Evicted() uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.evicted
}

// Reset empties the buffer without changing its capacity.
func (b *Buffer[T]) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	clear(b.entries)
	b.head = 0
	b.size = 0
}
