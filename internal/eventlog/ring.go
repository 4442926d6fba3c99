package eventlog

import "sync"

// RingBuffer is a fixed-capacity circular buffer. Once full, each push
// overwrites the oldest entry. Safe for concurrent use.
type RingBuffer[T any] struct {
	mu       sync.RWMutex
	entries  []T
	capacity int
	head     int   // index where the next write goes
	total    int64 // entries ever pushed
}

// NewRingBuffer creates a ring buffer holding at most capacity entries.
// A capacity below 1 is treated as 1.
func NewRingBuffer[T any](capacity int) *RingBuffer[T] {
	if capacity < 1 {
		capacity = 1
	}
	return &RingBuffer[T]{
		entries:  make([]T, 0, capacity),
		capacity: capacity,
	}
}

// Push appends an entry, evicting the oldest one when the buffer is full.
func (rb *RingBuffer[T]) Push(entry T) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(rb.entries) < rb.capacity {
		rb.entries = append(rb.entries, entry)
	} else {
		rb.entries[rb.head] = entry
	}
	rb.head = (rb.head + 1) % rb.capacity
	rb.total++
}

// Snapshot returns a copy of the buffered entries, oldest first.
func (rb *RingBuffer[T]) Snapshot() []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.snapshotLocked()
}

// Filter returns the buffered entries for which keep returns true, oldest first.
func (rb *RingBuffer[T]) Filter(keep func(T) bool) []T {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]T, 0, len(rb.entries))
	for _, entry := range rb.snapshotLocked() {
		if keep(entry) {
			result = append(result, entry)
		}
	}
	return result
}

// snapshotLocked must be called with mu held.
func (rb *RingBuffer[T]) snapshotLocked() []T {
	result := make([]T, len(rb.entries))
	if len(rb.entries) < rb.capacity {
		copy(result, rb.entries)
		return result
	}
	// Full: head points at the oldest entry.
	n := copy(result, rb.entries[rb.head:])
	copy(result[n:], rb.entries[:rb.head])
	return result
}

// Len returns the number of buffered entries.
func (rb *RingBuffer[T]) Len() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return len(rb.entries)
}

// Cap returns the configured capacity.
func (rb *RingBuffer[T]) Cap() int {
	return rb.capacity
}

// Total returns how many entries were ever pushed, including evicted ones.
func (rb *RingBuffer[T]) Total() int64 {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.total
}

// Since returns the still-buffered entries pushed after the first seen
// pushes, oldest first, together with the current total.
func (rb *RingBuffer[T]) Since(seen int64) ([]T, int64) {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	fresh := rb.total - seen
	if fresh <= 0 {
		return nil, rb.total
	}
	entries := rb.snapshotLocked()
	if fresh < int64(len(entries)) {
		entries = entries[int64(len(entries))-fresh:]
	}
	return entries, rb.total
}

// Clear drops all buffered entries. Total is preserved.
func (rb *RingBuffer[T]) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.entries = rb.entries[:0]
	rb.head = 0
}
