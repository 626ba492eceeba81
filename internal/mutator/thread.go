package mutator

import (
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rzbill/satb/internal/satb"
)

// Thread is one mutator. Its methods must be called from a single
// goroutine at a time.
type Thread struct {
	id       uuid.UUID
	name     string
	reg      *Registry
	queue    *satb.Queue
	detached atomic.Bool

	stores atomic.Uint64
}

// ID returns the thread's unique ID.
func (t *Thread) ID() uuid.UUID { return t.id }

// Name returns the thread's diagnostic name.
func (t *Thread) Name() string { return t.name }

// SATBQueue returns the thread's queue. It satisfies satb.Thread.
func (t *Thread) SATBQueue() *satb.Queue { return t.queue }

// Stores returns the number of barriered stores performed.
func (t *Thread) Stores() uint64 { return t.stores.Load() }

// Store writes val to *slot, first logging the value it overwrites.
// Other goroutines may read the slot concurrently with sync/atomic.
func (t *Thread) Store(slot *uintptr, val uintptr) {
	t.reg.world.RLock()
	defer t.reg.world.RUnlock()
	if t.detached.Load() {
		panic("mutator: store on detached thread " + t.name)
	}
	t.reg.stub.Log(t, atomic.LoadUintptr(slot))
	atomic.StoreUintptr(slot, val)
	t.stores.Add(1)
}

// Log records prev without performing a store, as a barrier on a
// reference being cleared by other means would.
func (t *Thread) Log(prev uintptr) {
	t.reg.world.RLock()
	defer t.reg.world.RUnlock()
	t.reg.stub.Log(t, prev)
}
