package ptrqueue

import (
	"fmt"
	"unsafe"
)

// Node is a fixed-capacity entry buffer plus the cursor it carries while it
// is not owned by a queue.
type Node struct {
	index uintptr
	next  *Node
	buf   []uintptr
}

func newNode(capacity int) *Node {
	return &Node{index: uintptr(capacity), buf: make([]uintptr, capacity)}
}

// Index returns the lowest live slot. Entries occupy [Index(), Capacity()).
func (n *Node) Index() uintptr { return n.index }

// SetIndex records the cursor for a node being handed off.
func (n *Node) SetIndex(i uintptr) {
	if i > uintptr(len(n.buf)) {
		panic(fmt.Sprintf("ptrqueue: index %d exceeds capacity %d", i, len(n.buf)))
	}
	n.index = i
}

// Capacity returns the fixed number of slots.
func (n *Node) Capacity() int { return len(n.buf) }

// Size returns the number of live entries.
func (n *Node) Size() int { return len(n.buf) - int(n.index) }

// Entries returns the whole backing storage, including unused low slots.
func (n *Node) Entries() []uintptr { return n.buf }

// Live returns the live range [Index(), Capacity()).
func (n *Node) Live() []uintptr { return n.buf[n.index:] }

// Buf returns the address of slot 0. Generated barrier code stores
// entries relative to this address.
func (n *Node) Buf() unsafe.Pointer {
	if len(n.buf) == 0 {
		return nil
	}
	return unsafe.Pointer(&n.buf[0])
}
