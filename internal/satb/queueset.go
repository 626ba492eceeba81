package satb

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/rzbill/satb/internal/ptrqueue"
	logpkg "github.com/rzbill/satb/pkg/log"
)

// DefaultEnqueueThresholdPercent is the share of a filtered full buffer
// that must still be in use for the buffer to be published.
const DefaultEnqueueThresholdPercent = 60

// ErrActiveStateMismatch reports a queue or set whose active flag differs
// from the value a bulk transition expected.
var ErrActiveStateMismatch = errors.New("satb: active state mismatch")

// Options binds a QueueSet to its collaborators.
type Options struct {
	// Filter prunes buffers in place. Nil keeps every entry.
	Filter Filter
	// Allocator provides buffers and owns the free list lock. Required.
	Allocator *ptrqueue.Allocator
	// ProcessCompletedThreshold is the completed-buffer count at which
	// Notify fires. Negative disables notification.
	ProcessCompletedThreshold int
	// EnqueueThresholdPercent controls when a filtered full buffer is
	// published; see Queue.Enqueue. Clamped to [0, 99]. Zero publishes any
	// non-empty buffer.
	EnqueueThresholdPercent int
	// Threads enumerates live mutator queues. Nil means only the shared
	// queue exists.
	Threads Threads
	// Notify is invoked when the completed count exceeds the threshold.
	Notify func()
	// Logger is optional.
	Logger logpkg.Logger
}

// QueueSet coordinates activation, filtering and hand-off for every queue.
type QueueSet struct {
	shared   Queue
	sharedMu sync.Mutex

	filter    Filter
	alloc     *ptrqueue.Allocator
	completed *ptrqueue.CompletedSet
	threads   Threads
	allActive atomic.Bool
	logger    logpkg.Logger

	enqueueThresholdPercent int
}

// NewQueueSet creates a set with an inactive shared queue.
func NewQueueSet(opts Options) *QueueSet {
	if opts.Allocator == nil {
		panic("satb: Options.Allocator is required")
	}
	pct := opts.EnqueueThresholdPercent
	if pct < 0 {
		pct = 0
	}
	if pct > 99 {
		pct = 99
	}
	logger := opts.Logger
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput()))
	}
	s := &QueueSet{
		filter:                  opts.Filter,
		alloc:                   opts.Allocator,
		threads:                 opts.Threads,
		logger:                  logger.WithComponent("satb"),
		enqueueThresholdPercent: pct,
	}
	notify := opts.Notify
	s.completed = ptrqueue.NewCompletedSet(opts.ProcessCompletedThreshold, func() {
		s.logger.Debug("completed buffer threshold reached",
			logpkg.Int("threshold", opts.ProcessCompletedThreshold))
		if notify != nil {
			notify()
		}
	})
	s.shared.init(s, "shared", true)
	return s
}

// NewQueue creates a queue for a newly attached mutator. The queue starts
// with the set's current active state.
func (s *QueueSet) NewQueue(name string) *Queue {
	return newQueue(s, name, false)
}

// SharedQueue returns the process-lifetime queue used by non-mutator code.
func (s *QueueSet) SharedQueue() *Queue { return &s.shared }

// EnqueueShared logs e on the shared queue under its lock.
func (s *QueueSet) EnqueueShared(e Entry) {
	s.sharedMu.Lock()
	s.shared.Enqueue(e)
	s.sharedMu.Unlock()
}

// Allocator returns the buffer allocator.
func (s *QueueSet) Allocator() *ptrqueue.Allocator { return s.alloc }

// IsActive returns the mirrored active state all queues are expected to share.
func (s *QueueSet) IsActive() bool { return s.allActive.Load() }

// CompletedCount returns the number of buffers awaiting processing.
func (s *QueueSet) CompletedCount() int { return s.completed.Count() }

// Filter applies the injected filter policy to q.
func (s *QueueSet) Filter(q *Queue) {
	if s.filter != nil {
		s.filter.Filter(q)
	}
}

// HandleZeroIndexForThread is the slow path for barrier code that found
// the thread's buffer absent or exhausted. On return the queue has room for
// at least one entry.
func (s *QueueSet) HandleZeroIndexForThread(t Thread) {
	t.SATBQueue().handleZeroIndex()
}

// SetActiveAllThreads sets every queue, and the set, to active. Must be
// called at a safepoint. Debug builds verify that every queue was in
// expectedActive first. Deactivated queues are flushed.
func (s *QueueSet) SetActiveAllThreads(active, expectedActive bool) {
	s.assertAtSafepoint("SetActiveAllThreads")
	if debugChecks {
		if err := s.CheckActiveStates(expectedActive); err != nil {
			var b strings.Builder
			s.dumpActiveStates(&b, expectedActive)
			panic(fmt.Sprintf("%v\n%s", err, b.String()))
		}
	}
	s.allActive.Store(active)
	s.forEachQueue(func(q *Queue) { q.setActive(active) })
}

// CheckActiveStates reports the first queue, or the set itself, whose
// active flag differs from expected.
func (s *QueueSet) CheckActiveStates(expected bool) error {
	if got := s.allActive.Load(); got != expected {
		return fmt.Errorf("%w: set is %t, expected %t", ErrActiveStateMismatch, got, expected)
	}
	var err error
	s.forEachQueue(func(q *Queue) {
		if err == nil && q.active != expected {
			err = fmt.Errorf("%w: queue %q is %t, expected %t", ErrActiveStateMismatch, q.name, q.active, expected)
		}
	})
	return err
}

func (s *QueueSet) dumpActiveStates(b *strings.Builder, expected bool) {
	fmt.Fprintf(b, "expected active: %t\n", expected)
	fmt.Fprintf(b, "  set: %t\n", s.allActive.Load())
	s.forEachQueue(func(q *Queue) {
		fmt.Fprintf(b, "  %s: %t\n", q.name, q.active)
	})
}

// FilterThreadBuffers filters every queue's current buffer in place without
// publishing it. Must be called at a safepoint.
func (s *QueueSet) FilterThreadBuffers() {
	s.assertAtSafepoint("FilterThreadBuffers")
	s.forEachQueue(func(q *Queue) { q.Filter() })
}

// ApplyClosureToCompletedBuffer pops one completed buffer, applies cl to
// its live range and recycles it. It returns false when no buffer was
// available.
func (s *QueueSet) ApplyClosureToCompletedBuffer(cl BufferClosure) bool {
	n := s.completed.Pop()
	if n == nil {
		return false
	}
	assertf(n.Index() <= uintptr(n.Capacity()), "completed buffer index %d beyond capacity %d", n.Index(), n.Capacity())
	cl.DoBuffer(n.Live())
	s.alloc.Release(n)
	return true
}

// WaitForCompleted blocks until a completed buffer exists or ctx is done.
// It returns false when ctx ended first.
func (s *QueueSet) WaitForCompleted(ctx context.Context) bool {
	return s.completed.Wait(ctx)
}

// AbandonPartialMarking drops every completed buffer and every queued
// entry. Afterwards no queue owns a buffer. Must be called at a safepoint.
func (s *QueueSet) AbandonPartialMarking() {
	s.assertAtSafepoint("AbandonPartialMarking")
	dropped := 0
	for _, n := range s.completed.PopAll() {
		s.alloc.Release(n)
		dropped++
	}
	s.forEachQueue(func(q *Queue) { q.release() })
	s.logger.Debug("abandoned partial marking", logpkg.Int("completed_dropped", dropped))
}

// ForEachQueue visits every thread queue and then the shared queue. Must be
// called at a safepoint.
func (s *QueueSet) ForEachQueue(fn func(q *Queue)) {
	s.assertAtSafepoint("ForEachQueue")
	s.forEachQueue(fn)
}

// forEachQueue visits every live thread queue and then the shared queue.
func (s *QueueSet) forEachQueue(fn func(q *Queue)) {
	if s.threads != nil {
		s.threads.ForEachQueue(fn)
	}
	s.sharedMu.Lock()
	fn(&s.shared)
	s.sharedMu.Unlock()
}

func (s *QueueSet) assertAtSafepoint(op string) {
	if debugChecks && s.threads != nil && !s.threads.AtSafepoint() {
		panic("satb: " + op + " must be called at a safepoint")
	}
}
