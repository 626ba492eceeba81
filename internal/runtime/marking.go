package runtime

import (
	"context"
	"fmt"
	"time"

	"github.com/rzbill/satb/internal/filter"
	"github.com/rzbill/satb/internal/satb"
	"github.com/rzbill/satb/internal/tracelog"
	"github.com/rzbill/satb/pkg/id"
	logpkg "github.com/rzbill/satb/pkg/log"
)

// CycleReport summarises one finished marking cycle.
type CycleReport struct {
	Cycle          id.ID         `json:"cycle"`
	Duration       time.Duration `json:"duration"`
	BuffersDrained uint64        `json:"buffersDrained"`
	EntriesVisited uint64        `json:"entriesVisited"`
	Marked         int           `json:"marked"`
}

// StartMarking begins a cycle: marks are cleared and every queue is
// activated at a safepoint.
func (r *Runtime) StartMarking(ctx context.Context) (id.ID, error) {
	if r.closed.Load() {
		return id.Zero, ErrClosed
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.marking {
		return id.Zero, ErrMarkingActive
	}
	cycle := r.ids.Next()
	if r.archive != nil {
		if err := r.archive.Begin(ctx, cycle); err != nil {
			return id.Zero, err
		}
		r.recorder.Store(tracelog.NewRecorder(r.archive, cycle, tracelog.KindCompleted, r.logger))
	}
	r.heap.ClearMarks()
	r.drainedBuffers.Store(0)
	r.marker.Visited.Store(0)
	r.registry.Safepoint(func() { r.qset.SetActiveAllThreads(true, false) })
	r.marking = true
	r.cycle = cycle
	r.stats.Started++
	r.logger.Info("marking started", logpkg.Str("cycle", cycle.String()), logpkg.Int("threads", r.registry.Len()))
	return cycle, nil
}

// Marking reports whether a cycle is in progress and which.
func (r *Runtime) Marking() (id.ID, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cycle, r.marking
}

// ScanRoots concurrently marks the current value of every root slot. Values
// overwritten before the scan reaches them were logged by the barrier.
func (r *Runtime) ScanRoots(ctx context.Context) (int, error) {
	if _, ok := r.Marking(); !ok {
		return 0, ErrNotMarking
	}
	n := 0
	for i := 0; i < r.heap.Slots(); i++ {
		if i%1024 == 0 {
			if err := ctx.Err(); err != nil {
				return n, err
			}
		}
		if r.heap.Mark(r.heap.LoadSlot(i)) {
			n++
		}
	}
	return n, nil
}

// markClosure marks each buffer and archives it through rec when set.
func (r *Runtime) markClosure(rec *tracelog.Recorder) satb.BufferClosure {
	return satb.BufferClosureFunc(func(entries []satb.Entry) {
		r.marker.DoBuffer(entries)
		if rec != nil {
			rec.DoBuffer(entries)
		}
	})
}

// Drain processes completed buffers until none remain or ctx is done. It
// may run concurrently with mutators and with other drainers. FinishMarking
// and AbandonMarking wait for a buffer Drain has already popped.
func (r *Runtime) Drain(ctx context.Context) (int, error) {
	n := 0
	for {
		if err := ctx.Err(); err != nil {
			r.drainedBuffers.Add(uint64(n))
			return n, err
		}
		if !r.drainOne() {
			break
		}
		n++
	}
	r.drainedBuffers.Add(uint64(n))
	return n, nil
}

func (r *Runtime) drainOne() bool {
	r.drains.RLock()
	defer r.drains.RUnlock()
	cl := r.markClosure(r.recorder.Load())
	if hook := r.testHookDrainPopped; hook != nil {
		inner := cl
		cl = satb.BufferClosureFunc(func(entries []satb.Entry) {
			hook()
			inner.DoBuffer(entries)
		})
	}
	return r.qset.ApplyClosureToCompletedBuffer(cl)
}

// Process drains whenever the completed-buffer threshold is crossed, until
// ctx is done. It returns nil on cancellation.
func (r *Runtime) Process(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-r.wake:
			r.wakeups.Add(1)
			n, err := r.Drain(ctx)
			if err != nil {
				return nil
			}
			r.logger.Debug("processed completed buffers", logpkg.Int("buffers", n))
		}
	}
}

// Housekeep filters every thread buffer in place at a safepoint.
func (r *Runtime) Housekeep() {
	r.registry.Safepoint(func() { r.qset.FilterThreadBuffers() })
}

// FinishMarking is the remark step: at one safepoint every queue's
// remaining entries are processed, the completed set is drained, and every
// queue is deactivated. Buffers drained at the safepoint are archived after
// mutators resume.
func (r *Runtime) FinishMarking(ctx context.Context) (CycleReport, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.marking {
		return CycleReport{}, ErrNotMarking
	}
	r.drains.Lock()
	defer r.drains.Unlock()
	cycle := r.cycle
	rec := r.recorder.Swap(nil)
	var completed, remaining [][]satb.Entry
	collect := func(dst *[][]satb.Entry) satb.BufferClosure {
		return satb.BufferClosureFunc(func(entries []satb.Entry) {
			r.marker.DoBuffer(entries)
			if rec != nil && len(entries) > 0 {
				*dst = append(*dst, append([]satb.Entry(nil), entries...))
			}
		})
	}
	drained := 0
	r.registry.Safepoint(func() {
		cl := collect(&completed)
		for r.qset.ApplyClosureToCompletedBuffer(cl) {
			drained++
		}
		r.qset.ForEachQueue(func(q *satb.Queue) { q.ApplyClosureAndEmpty(collect(&remaining)) })
		r.qset.SetActiveAllThreads(false, true)
	})
	if hook := r.testHookRemarkArchive; hook != nil {
		hook()
	}
	if rec != nil {
		for _, b := range completed {
			rec.DoBuffer(b)
		}
		final := tracelog.NewRecorder(r.archive, cycle, tracelog.KindFinal, r.logger)
		for _, b := range remaining {
			final.DoBuffer(b)
		}
	}
	r.drainedBuffers.Add(uint64(drained))
	r.marking = false
	r.stats.Finished++

	report := CycleReport{
		Cycle:          cycle,
		Duration:       time.Since(cycle.Time()),
		BuffersDrained: r.drainedBuffers.Load(),
		EntriesVisited: r.marker.Visited.Load(),
		Marked:         r.heap.MarkedCount(),
	}
	if r.archive != nil {
		if err := r.archive.Finish(ctx, cycle, false); err != nil {
			return report, err
		}
		if keep := r.cfg.Trace.RetainCycles; keep > 0 {
			if _, err := r.archive.Retain(ctx, keep); err != nil {
				return report, err
			}
		}
	}
	r.logger.Info("marking finished",
		logpkg.Str("cycle", cycle.String()),
		logpkg.Uint64("buffers", report.BuffersDrained),
		logpkg.Uint64("entries", report.EntriesVisited),
		logpkg.Int("marked", report.Marked),
		logpkg.Duration("elapsed", report.Duration))
	return report, nil
}

// AbandonMarking discards every logged entry, deactivates all queues and
// drops the cycle's trace.
func (r *Runtime) AbandonMarking(ctx context.Context) error {
	return r.abandon(ctx)
}

func (r *Runtime) abandon(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.marking {
		return ErrNotMarking
	}
	r.drains.Lock()
	defer r.drains.Unlock()
	r.recorder.Store(nil)
	r.registry.Safepoint(func() {
		r.qset.AbandonPartialMarking()
		r.qset.SetActiveAllThreads(false, true)
	})
	cycle := r.cycle
	r.marking = false
	r.stats.Abandoned++
	r.logger.Warn("marking abandoned", logpkg.Str("cycle", cycle.String()))
	if r.archive != nil {
		return r.archive.Drop(ctx, cycle)
	}
	return nil
}

// State is a point-in-time view of the runtime.
type State struct {
	Marking bool          `json:"marking"`
	Cycle   id.ID         `json:"cycle"`
	Stats   CycleStats    `json:"stats"`
	Threads int           `json:"threads"`
	Queues  satb.Snapshot `json:"queues"`
	Heap    HeapState     `json:"heap"`
	Filter  FilterState   `json:"filter"`
	Trace   TraceState    `json:"trace"`
}

type HeapState struct {
	Base    string `json:"base"`
	Objects int    `json:"objects"`
	Marked  int    `json:"marked"`
	Roots   int    `json:"roots"`
}

type FilterState struct {
	Expr      string `json:"expr,omitempty"`
	Kept      uint64 `json:"kept"`
	Discarded uint64 `json:"discarded"`
}

type TraceState struct {
	Enabled     bool   `json:"enabled"`
	Commits     uint64 `json:"commits"`
	CommitBytes uint64 `json:"commitBytes"`
}

// Snapshot captures State at a safepoint.
func (r *Runtime) Snapshot() State {
	r.mu.Lock()
	st := State{Marking: r.marking, Cycle: r.cycle, Stats: r.stats}
	r.mu.Unlock()
	r.registry.Safepoint(func() {
		st.Queues = r.qset.Snapshot()
		st.Threads = r.registry.Len()
	})
	st.Heap = HeapState{
		Base:    fmt.Sprintf("%#x", r.heap.Base()),
		Objects: r.heap.Objects(),
		Marked:  r.heap.MarkedCount(),
		Roots:   r.heap.Slots(),
	}
	st.Filter = filterState(r.policy)
	if r.db != nil {
		ds := r.db.Stats()
		st.Trace = TraceState{Enabled: true, Commits: ds.Commits, CommitBytes: ds.CommitBytes}
	}
	return st
}

func filterState(p *filter.Policy) FilterState {
	return FilterState{Expr: p.Expr(), Kept: p.Kept.Load(), Discarded: p.Discarded.Load()}
}
