package satb

import (
	"sort"
	"testing"

	"github.com/rzbill/satb/internal/ptrqueue"
)

type testThreads struct {
	queues    []*Queue
	safepoint bool
}

func (tt *testThreads) ForEachQueue(fn func(q *Queue)) {
	for _, q := range tt.queues {
		fn(q)
	}
}

func (tt *testThreads) AtSafepoint() bool { return tt.safepoint }

type testThread struct{ q *Queue }

func (t testThread) SATBQueue() *Queue { return t.q }

// newTestSet builds a set with capacity-sized buffers and n attached
// queues. Threads always report a safepoint.
func newTestSet(t *testing.T, capacity, n int, filter Filter, pct int) (*QueueSet, *testThreads) {
	t.Helper()
	threads := &testThreads{safepoint: true}
	qs := NewQueueSet(Options{
		Filter:                    filter,
		Allocator:                 ptrqueue.NewAllocator(capacity),
		ProcessCompletedThreshold: -1,
		EnqueueThresholdPercent:   pct,
		Threads:                   threads,
	})
	for i := 0; i < n; i++ {
		threads.queues = append(threads.queues, qs.NewQueue("t"+string(rune('0'+i))))
	}
	return qs, threads
}

func activate(t *testing.T, qs *QueueSet) {
	t.Helper()
	qs.SetActiveAllThreads(true, false)
}

func discardSet(entries ...Entry) Filter {
	drop := make(map[Entry]bool, len(entries))
	for _, e := range entries {
		drop[e] = true
	}
	return FilterFunc(func(q *Queue) {
		q.ApplyFilter(func(e Entry) bool { return drop[e] })
	})
}

func sorted(entries []Entry) []Entry {
	out := append([]Entry(nil), entries...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func equalEntries(a, b []Entry) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

type collector struct {
	buffers [][]Entry
}

func (c *collector) DoBuffer(entries []Entry) {
	c.buffers = append(c.buffers, append([]Entry(nil), entries...))
}

func (c *collector) all() []Entry {
	var out []Entry
	for _, b := range c.buffers {
		out = append(out, b...)
	}
	return sorted(out)
}
