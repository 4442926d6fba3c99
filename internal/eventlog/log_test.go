package eventlog

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rec(i int, base time.Time) Record {
	return Record{
		Level:     "log",
		Text:      fmt.Sprintf("line %d", i),
		Timestamp: base.Add(time.Duration(i) * time.Second),
	}
}

func TestRingBufferOverwritesOldest(t *testing.T) {
	rb := NewRingBuffer[int](3)
	for i := 1; i <= 4; i++ {
		rb.Push(i)
	}

	assert.Equal(t, []int{2, 3, 4}, rb.Snapshot())
	assert.Equal(t, 3, rb.Len())
	assert.Equal(t, int64(4), rb.Total())
}

func TestRingBufferSince(t *testing.T) {
	rb := NewRingBuffer[int](3)

	got, total := rb.Since(0)
	assert.Empty(t, got)
	assert.Equal(t, int64(0), total)

	rb.Push(1)
	rb.Push(2)
	got, total = rb.Since(0)
	assert.Equal(t, []int{1, 2}, got)
	assert.Equal(t, int64(2), total)

	for i := 3; i <= 6; i++ {
		rb.Push(i)
	}
	got, total = rb.Since(total)
	assert.Equal(t, []int{4, 5, 6}, got, "evicted entries are gone")
	assert.Equal(t, int64(6), total)

	rb.Push(7)
	got, _ = rb.Since(total)
	assert.Equal(t, []int{7}, got)

	rb.Clear()
	got, total = rb.Since(total)
	assert.Empty(t, got)
	assert.Equal(t, int64(7), total)
}

func TestRingBufferWrapsManyTimes(t *testing.T) {
	rb := NewRingBuffer[int](4)
	for i := 0; i < 103; i++ {
		rb.Push(i)
	}
	assert.Equal(t, []int{99, 100, 101, 102}, rb.Snapshot())
}

func TestRingBufferZeroCapacity(t *testing.T) {
	rb := NewRingBuffer[string](0)
	rb.Push("a")
	rb.Push("b")
	assert.Equal(t, []string{"b"}, rb.Snapshot())
	assert.Equal(t, 1, rb.Cap())
}

func TestRingBufferSnapshotIsCopy(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	snap := rb.Snapshot()
	snap[0] = 99
	assert.Equal(t, []int{1}, rb.Snapshot())
}

func TestRingBufferClear(t *testing.T) {
	rb := NewRingBuffer[int](2)
	rb.Push(1)
	rb.Push(2)
	rb.Push(3)
	rb.Clear()
	assert.Empty(t, rb.Snapshot())

	rb.Push(4)
	assert.Equal(t, []int{4}, rb.Snapshot())
}

func TestLogCapacityPlusOne(t *testing.T) {
	base := time.Unix(1700000000, 0)
	log := New(5)
	for i := 0; i < 6; i++ {
		log.Append(rec(i, base))
	}

	records := log.Recent(time.Time{})
	require.Len(t, records, 5)
	assert.Equal(t, "line 1", records[0].Text, "oldest record should be evicted")
	assert.Equal(t, "line 5", records[4].Text, "newest record should be present")
	for i := 1; i < len(records); i++ {
		assert.True(t, records[i-1].Timestamp.Before(records[i].Timestamp), "records out of arrival order")
	}
	assert.Equal(t, int64(1), log.Dropped())
}

func TestLogRecentSince(t *testing.T) {
	base := time.Unix(1700000000, 0)
	log := New(10)
	for i := 0; i < 5; i++ {
		log.Append(rec(i, base))
	}

	tests := []struct {
		name  string
		since time.Time
		want  []string
	}{
		{"zero returns all", time.Time{}, []string{"line 0", "line 1", "line 2", "line 3", "line 4"}},
		{"before earliest", base.Add(-time.Hour), []string{"line 0", "line 1", "line 2", "line 3", "line 4"}},
		{"exact match is inclusive", base.Add(2 * time.Second), []string{"line 2", "line 3", "line 4"}},
		{"between records", base.Add(2500 * time.Millisecond), []string{"line 3", "line 4"}},
		{"at latest", base.Add(4 * time.Second), []string{"line 4"}},
		{"after latest", base.Add(time.Hour), []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := log.Recent(tt.since)
			texts := make([]string, 0, len(got))
			for _, r := range got {
				texts = append(texts, r.Text)
			}
			assert.Equal(t, tt.want, texts)
		})
	}
}

func TestLogDefaultCapacity(t *testing.T) {
	assert.Equal(t, DefaultCapacity, New(0).Cap())
}

func TestLogConcurrentAppend(t *testing.T) {
	log := New(50)
	base := time.Now()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				log.Append(rec(w*100+i, base))
				_ = log.Recent(base)
			}
		}(w)
	}
	wg.Wait()

	assert.Equal(t, 50, log.Len())
	assert.Equal(t, int64(750), log.Dropped())
}
