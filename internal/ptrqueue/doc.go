// Package ptrqueue provides the fixed-capacity pointer buffers used by
// write-barrier logs, together with the two shared collections they move
// between.
//
// # Overview
//
// A Node is a buffer of address-sized entries filled from the top down:
// live entries occupy [Index(), Capacity()). Nodes are handed out by an
// Allocator, which keeps released nodes on a free list guarded by its own
// lock. Filled nodes are published to a CompletedSet, a FIFO guarded by a
// separate monitor so that reclamation and hand-off never contend.
//
//	alloc := ptrqueue.NewAllocator(1024)
//	set := ptrqueue.NewCompletedSet(20, func() { wake <- struct{}{} })
//	n := alloc.Allocate()      // Index() == Capacity()
//	...fill...
//	set.Push(n)                 // ownership moves to the set
//	if n := set.Pop(); n != nil {
//	    process(n.Entries()[n.Index():])
//	    alloc.Release(n)
//	}
//
// # Threshold
//
// CompletedSet fires its notify hook once when the count of completed nodes
// exceeds the configured threshold. The latch re-arms when the set becomes
// empty again. A negative threshold disables notification.
package ptrqueue
