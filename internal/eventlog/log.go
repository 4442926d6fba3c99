// Package eventlog keeps a bounded history of console events received from
// the application runtime.
package eventlog

import "time"

// DefaultCapacity is used when a Log is created with a non-positive capacity.
const DefaultCapacity = 1000

// Record is one console event. Timestamp comes from the remote runtime's
// clock, not from the time the frame was received.
type Record struct {
	Level     string    `json:"level"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Log is a ring buffer of Records.
type Log struct {
	ring *RingBuffer[Record]
}

// New creates a Log holding at most capacity records.
func New(capacity int) *Log {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Log{ring: NewRingBuffer[Record](capacity)}
}

// Append stores a record, evicting the oldest one when the log is full.
func (l *Log) Append(rec Record) {
	l.ring.Push(rec)
}

// Recent returns a copy of the log in arrival order. When since is non-zero
// only records with a timestamp at or after since are returned.
func (l *Log) Recent(since time.Time) []Record {
	if since.IsZero() {
		return l.ring.Snapshot()
	}
	return l.ring.Filter(func(rec Record) bool {
		return !rec.Timestamp.Before(since)
	})
}

// Clear empties the log.
func (l *Log) Clear() {
	l.ring.Clear()
}

// Len returns the number of stored records.
func (l *Log) Len() int {
	return l.ring.Len()
}

// Cap returns the maximum number of stored records.
func (l *Log) Cap() int {
	return l.ring.Cap()
}

// Dropped returns how many records were evicted or cleared since creation.
func (l *Log) Dropped() int64 {
	return l.ring.Total() - int64(l.ring.Len())
}

// Total returns how many records were ever appended.
func (l *Log) Total() int64 {
	return l.ring.Total()
}

// Since returns the records appended after the first seen appends that are
// still stored, and the new total to pass to the next call.
func (l *Log) Since(seen int64) ([]Record, int64) {
	return l.ring.Since(seen)
}
