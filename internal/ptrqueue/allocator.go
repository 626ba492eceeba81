package ptrqueue

import (
	"fmt"
	"sync"
)

// Allocator hands out nodes of a single capacity and recycles released
// ones through a free list.
type Allocator struct {
	capacity int

	mu        sync.Mutex // free list lock
	free      *Node
	freeCount int
	allocated int
}

// NewAllocator returns an allocator for nodes holding capacity entries.
func NewAllocator(capacity int) *Allocator {
	if capacity <= 0 {
		panic(fmt.Sprintf("ptrqueue: invalid buffer capacity %d", capacity))
	}
	return &Allocator{capacity: capacity}
}

// Capacity returns the number of entries each node holds.
func (a *Allocator) Capacity() int { return a.capacity }

// Allocate returns an empty node, reusing one from the free list when
// available.
func (a *Allocator) Allocate() *Node {
	a.mu.Lock()
	n := a.free
	if n != nil {
		a.free = n.next
		a.freeCount--
	} else {
		a.allocated++
	}
	a.mu.Unlock()

	if n == nil {
		return newNode(a.capacity)
	}
	n.next = nil
	n.index = uintptr(a.capacity)
	return n
}

// Release returns n to the free list. The caller must not use n afterwards.
func (a *Allocator) Release(n *Node) {
	if n == nil {
		return
	}
	if len(n.buf) != a.capacity {
		panic(fmt.Sprintf("ptrqueue: releasing node of capacity %d to allocator of %d", len(n.buf), a.capacity))
	}
	n.index = uintptr(a.capacity)
	a.mu.Lock()
	n.next = a.free
	a.free = n
	a.freeCount++
	a.mu.Unlock()
}

// FreeCount returns the number of nodes on the free list.
func (a *Allocator) FreeCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeCount
}

// Allocated returns the number of nodes ever created by a.
func (a *Allocator) Allocated() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.allocated
}
