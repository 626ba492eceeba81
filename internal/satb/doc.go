// Package satb implements the snapshot-at-the-beginning write-barrier log.
//
// # Overview
//
// While a concurrent marking cycle is active, every mutator logs the prior
// value of each reference slot it overwrites into its own Queue. A queue
// owns at most one ptrqueue.Node and fills it from the top down: live
// entries occupy [Index(), Capacity()). When the node is exhausted the
// queue filters it in place and either keeps it (enough room was
// reclaimed) or publishes it to the QueueSet's completed set and takes a
// fresh node. The marking side drains completed nodes with
// ApplyClosureToCompletedBuffer.
//
//	qs := satb.NewQueueSet(satb.Options{
//	    Filter:                    myFilter,
//	    Allocator:                 ptrqueue.NewAllocator(1024),
//	    ProcessCompletedThreshold: 20,
//	    Threads:                   registry,
//	})
//	q := qs.NewQueue("worker-1")
//	registry.Safepoint(func() { qs.SetActiveAllThreads(true, false) })
//	q.Enqueue(prev)
//	for qs.ApplyClosureToCompletedBuffer(marker) {
//	}
//
// # Ownership
//
// A thread queue is mutated only by its owner, except at a safepoint, when
// the owner is stopped and the QueueSet may touch every queue. The shared
// queue is the exception: non-mutator code enqueues through EnqueueShared,
// which serializes on the shared queue lock.
//
// # Layout
//
// The first three fields of Queue form a binary contract with generated
// barrier code; see CurrentLayout. Changing their order or width requires
// bumping LayoutVersion.
//
// # Debug checks
//
// Contract checks (safepoint preconditions, uniform active state, cursor
// bounds) run only when built with -tags satbdebug.
package satb
