// Package mutator tracks the threads that run write barriers and provides
// the safepoints bulk queue operations need.
//
// Mutators hold the registry's world lock for reading while they touch
// their queue (Store, Log, Detach). Safepoint takes it for writing, so
// while a safepoint function runs no mutator is inside a barrier and the
// thread list cannot change.
package mutator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rzbill/satb/internal/barrier"
	"github.com/rzbill/satb/internal/satb"
	logpkg "github.com/rzbill/satb/pkg/log"
)

var (
	ErrNotBound = errors.New("mutator: registry not bound to a queue set")
	ErrDetached = errors.New("mutator: thread is detached")
)

// Registry is the set of attached mutator threads. It satisfies
// satb.Threads.
type Registry struct {
	world     sync.RWMutex
	safepoint atomic.Bool

	mu      sync.Mutex
	threads []*Thread

	qset   *satb.QueueSet
	stub   *barrier.Stub
	logger logpkg.Logger
}

// NewRegistry returns an empty registry. Bind must be called before threads
// attach.
func NewRegistry(logger logpkg.Logger) *Registry {
	if logger == nil {
		logger = logpkg.NewLogger(logpkg.WithOutput(logpkg.NewNullOutput()))
	}
	return &Registry{logger: logger.WithComponent("mutator")}
}

// Bind connects the registry to qs and compiles the barrier against the
// current queue layout.
func (r *Registry) Bind(qs *satb.QueueSet) error {
	stub, err := barrier.Compile(satb.CurrentLayout(), qs.HandleZeroIndexForThread)
	if err != nil {
		return err
	}
	r.world.Lock()
	r.qset, r.stub = qs, stub
	r.world.Unlock()
	return nil
}

// Attach registers a new thread. An empty name is replaced by the thread's
// ID.
func (r *Registry) Attach(name string) (*Thread, error) {
	r.world.RLock()
	defer r.world.RUnlock()
	if r.qset == nil {
		return nil, ErrNotBound
	}
	tid := uuid.New()
	if name == "" {
		name = tid.String()
	}
	t := &Thread{id: tid, name: name, reg: r, queue: r.qset.NewQueue(name)}
	r.mu.Lock()
	r.threads = append(r.threads, t)
	r.mu.Unlock()
	r.logger.Debug("thread attached", logpkg.Str("thread", name), logpkg.Bool("active", t.queue.IsActive()))
	return t, nil
}

// Detach flushes t's queue and removes it from the registry. Entries logged
// during marking are handed to the completed set, never lost.
func (r *Registry) Detach(t *Thread) error {
	r.world.RLock()
	defer r.world.RUnlock()
	if !t.detached.CompareAndSwap(false, true) {
		return fmt.Errorf("%w: %s", ErrDetached, t.name)
	}
	t.queue.Flush()
	r.mu.Lock()
	for i, other := range r.threads {
		if other == t {
			r.threads = append(r.threads[:i], r.threads[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
	r.logger.Debug("thread detached", logpkg.Str("thread", t.name))
	return nil
}

// Safepoint stops every mutator at a barrier boundary and runs fn. It must
// not be called from inside a barrier, Attach or Detach.
func (r *Registry) Safepoint(fn func()) {
	r.world.Lock()
	r.safepoint.Store(true)
	defer func() {
		r.safepoint.Store(false)
		r.world.Unlock()
	}()
	fn()
}

// AtSafepoint reports whether a Safepoint function is running.
func (r *Registry) AtSafepoint() bool { return r.safepoint.Load() }

// ForEachQueue visits the queue of every attached thread in attach order.
func (r *Registry) ForEachQueue(fn func(*satb.Queue)) {
	r.mu.Lock()
	threads := append([]*Thread(nil), r.threads...)
	r.mu.Unlock()
	for _, t := range threads {
		fn(t.queue)
	}
}

// Threads returns the attached threads in attach order.
func (r *Registry) Threads() []*Thread {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Thread(nil), r.threads...)
}

// Len returns the number of attached threads.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.threads)
}
