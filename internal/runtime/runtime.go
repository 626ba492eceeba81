package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	cfgpkg "github.com/rzbill/satb/internal/config"
	"github.com/rzbill/satb/internal/filter"
	"github.com/rzbill/satb/internal/heap"
	"github.com/rzbill/satb/internal/mutator"
	"github.com/rzbill/satb/internal/ptrqueue"
	"github.com/rzbill/satb/internal/satb"
	pebblestore "github.com/rzbill/satb/internal/storage/pebble"
	"github.com/rzbill/satb/internal/tracelog"
	"github.com/rzbill/satb/pkg/id"
	logpkg "github.com/rzbill/satb/pkg/log"
)

var (
	ErrClosed          = errors.New("runtime: closed")
	ErrMarkingActive   = errors.New("runtime: marking already in progress")
	ErrNotMarking      = errors.New("runtime: no marking cycle in progress")
	ErrTraceDisabled   = errors.New("runtime: trace archive disabled")
	ErrInvariantBroken = errors.New("runtime: snapshot object left unmarked")
)

// Options for building the Runtime.
type Options struct {
	Config cfgpkg.Config
	// Logger defaults to one built from Config.Log.
	Logger logpkg.Logger
	// IDs generates cycle IDs. Optional.
	IDs *id.Generator
}

// Runtime owns one queue set and the marking state machine.
type Runtime struct {
	cfg    cfgpkg.Config
	logger logpkg.Logger

	db       *pebblestore.DB
	archive  *tracelog.Archive
	heap     *heap.Heap
	policy   *filter.Policy
	alloc    *ptrqueue.Allocator
	qset     *satb.QueueSet
	registry *mutator.Registry
	marker   *heap.Marker
	ids      *id.Generator
	wake     chan struct{}
	closed   atomic.Bool

	// simulating serializes Simulate, which repopulates the heap.
	simulating sync.Mutex

	// drains is read-held while a Drain pop is marked and archived, and
	// write-held by FinishMarking and abandon, so no popped buffer outlives
	// its cycle.
	drains   sync.RWMutex
	recorder atomic.Pointer[tracelog.Recorder]
	// testHookDrainPopped runs after Drain pops a buffer, before marking.
	testHookDrainPopped func()
	// testHookRemarkArchive runs before FinishMarking archives the buffers
	// it drained at the safepoint.
	testHookRemarkArchive func()

	mu      sync.Mutex
	marking bool
	cycle   id.ID
	stats   CycleStats

	drainedBuffers atomic.Uint64
	wakeups        atomic.Uint64
}

// CycleStats counts finished cycles over the runtime's life.
type CycleStats struct {
	Started   uint64 `json:"started"`
	Finished  uint64 `json:"finished"`
	Abandoned uint64 `json:"abandoned"`
}

// Open validates cfg and builds a runtime. The trace archive is opened
// only when Config.Trace.Enabled is set.
func Open(opts Options) (*Runtime, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger := opts.Logger
	if logger == nil {
		l, err := logpkg.ApplyConfig(&cfg.Log)
		if err != nil {
			return nil, err
		}
		logger = l
	}
	logger = logger.WithComponent("runtime")

	h, err := heap.New(uintptr(cfg.Heap.Base), uintptr(cfg.Heap.SizeBytes), cfg.Heap.Roots)
	if err != nil {
		return nil, err
	}
	policy, err := filter.New(h, cfg.FilterExpr)
	if err != nil {
		return nil, err
	}
	ids := opts.IDs
	if ids == nil {
		ids = id.NewGenerator()
	}
	r := &Runtime{
		cfg:      cfg,
		logger:   logger,
		heap:     h,
		policy:   policy,
		alloc:    ptrqueue.NewAllocator(cfg.BufferCapacity),
		registry: mutator.NewRegistry(logger),
		marker:   heap.NewMarker(h),
		ids:      ids,
		wake:     make(chan struct{}, 1),
	}
	r.qset = satb.NewQueueSet(satb.Options{
		Filter:                    policy,
		Allocator:                 r.alloc,
		ProcessCompletedThreshold: cfg.ProcessCompletedThreshold,
		EnqueueThresholdPercent:   cfg.EnqueueThresholdPercent,
		Threads:                   r.registry,
		Notify:                    r.notify,
		Logger:                    logger,
	})
	if err := r.registry.Bind(r.qset); err != nil {
		return nil, err
	}
	if cfg.Trace.Enabled {
		if err := r.openArchive(); err != nil {
			return nil, err
		}
	}
	logger.Info("runtime opened",
		logpkg.Int("buffer_capacity", cfg.BufferCapacity),
		logpkg.Int("heap_objects", h.Objects()),
		logpkg.Bool("trace", cfg.Trace.Enabled))
	return r, nil
}

func (r *Runtime) openArchive() error {
	mode, err := pebblestore.ParseFsyncMode(r.cfg.Trace.Fsync)
	if err != nil {
		return err
	}
	dir := r.cfg.Trace.DataDir
	if dir == "" && !r.cfg.Trace.InMemory {
		dir = cfgpkg.DefaultDataDir()
	}
	db, err := pebblestore.Open(pebblestore.Options{
		DataDir:  dir,
		InMemory: r.cfg.Trace.InMemory,
		Fsync:    mode,
	})
	if err != nil {
		return fmt.Errorf("runtime: open trace archive: %w", err)
	}
	r.db = db
	r.archive = tracelog.Open(db)
	return nil
}

// notify runs on the mutator that published the threshold-crossing buffer,
// so it never blocks.
func (r *Runtime) notify() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// Close abandons any cycle in progress and closes storage.
func (r *Runtime) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	r.mu.Lock()
	marking := r.marking
	r.mu.Unlock()
	if marking {
		if err := r.abandon(context.Background()); err != nil {
			r.logger.Warn("abandon on close failed", logpkg.Err(err))
		}
	}
	if r.db == nil {
		return nil
	}
	return r.db.Close()
}

// CheckHealth reports whether the runtime and its storage are usable.
func (r *Runtime) CheckHealth(ctx context.Context) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.db != nil {
		if _, err := r.db.Get([]byte("health")); err != nil && !errors.Is(err, pebblestore.ErrNotFound) {
			return fmt.Errorf("runtime: trace archive: %w", err)
		}
	}
	return nil
}

// Attach registers a mutator thread.
func (r *Runtime) Attach(name string) (*mutator.Thread, error) {
	if r.closed.Load() {
		return nil, ErrClosed
	}
	return r.registry.Attach(name)
}

// Detach flushes and removes a mutator thread.
func (r *Runtime) Detach(t *mutator.Thread) error {
	return r.registry.Detach(t)
}

// Heap returns the simulated heap.
func (r *Runtime) Heap() *heap.Heap { return r.heap }

// QueueSet returns the queue set.
func (r *Runtime) QueueSet() *satb.QueueSet { return r.qset }

// Registry returns the mutator registry.
func (r *Runtime) Registry() *mutator.Registry { return r.registry }

// Config returns the runtime configuration.
func (r *Runtime) Config() cfgpkg.Config { return r.cfg }

// Layout returns the queue layout barrier code is generated against.
func (r *Runtime) Layout() satb.Layout { return satb.CurrentLayout() }

// SetFilterExpr replaces the CEL discard expression.
func (r *Runtime) SetFilterExpr(expr string) error {
	if err := r.policy.SetExpr(expr); err != nil {
		return err
	}
	r.logger.Info("filter expression updated", logpkg.Str("expr", expr))
	return nil
}

// Dump writes every completed buffer and thread queue to w.
func (r *Runtime) Dump(w io.Writer, msg string) {
	r.registry.Safepoint(func() { r.qset.PrintAll(w, msg) })
}

// Cycles lists archived marking cycles.
func (r *Runtime) Cycles() ([]tracelog.Cycle, error) {
	if r.archive == nil {
		return nil, ErrTraceDisabled
	}
	return r.archive.Cycles()
}

// ReadCycle calls fn for each archived buffer of cycle.
func (r *Runtime) ReadCycle(cycle id.ID, fn func(tracelog.Batch) bool) error {
	if r.archive == nil {
		return ErrTraceDisabled
	}
	return r.archive.Read(cycle, 0, fn)
}
