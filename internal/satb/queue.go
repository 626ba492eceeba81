package satb

import (
	"unsafe"

	"github.com/rzbill/satb/internal/ptrqueue"
)

// Queue is a single-writer log of overwritten reference values.
//
// The first three fields are read and written directly by generated
// barrier code. Their offsets and widths are exported through
// CurrentLayout and must not be reordered or resized without bumping
// LayoutVersion.
type Queue struct {
	index  uintptr        // lowest live slot; live range is [index, capacity)
	buf    unsafe.Pointer // slot 0 of node, nil when no buffer is owned
	active bool

	node      *ptrqueue.Node
	capacity  uintptr
	qset      *QueueSet
	name      string
	permanent bool
}

func newQueue(qs *QueueSet, name string, permanent bool) *Queue {
	q := &Queue{}
	q.init(qs, name, permanent)
	return q
}

func (q *Queue) init(qs *QueueSet, name string, permanent bool) {
	q.qset = qs
	q.name = name
	q.permanent = permanent
	q.capacity = uintptr(qs.alloc.Capacity())
	q.index = q.capacity
	q.active = qs.IsActive()
}

// Name returns the diagnostic name of the queue.
func (q *Queue) Name() string { return q.name }

// Permanent reports whether q is the process-lifetime shared queue.
func (q *Queue) Permanent() bool { return q.permanent }

// QueueSet returns the set q belongs to.
func (q *Queue) QueueSet() *QueueSet { return q.qset }

// IsActive reports whether logging is enabled for q.
func (q *Queue) IsActive() bool { return q.active }

// HasBuffer reports whether q currently owns a buffer.
func (q *Queue) HasBuffer() bool { return q.node != nil }

// Index returns the cursor. It equals Capacity when q is empty or owns no
// buffer, and 0 when the buffer is full.
func (q *Queue) Index() uintptr { return q.index }

// Capacity returns the fixed buffer capacity.
func (q *Queue) Capacity() int { return int(q.capacity) }

// Size returns the number of live entries.
func (q *Queue) Size() int { return int(q.capacity - q.index) }

// IsEmpty reports whether q holds no live entries.
func (q *Queue) IsEmpty() bool { return q.index == q.capacity }

// Entries returns the live range. It aliases the buffer.
func (q *Queue) Entries() []Entry {
	if q.node == nil {
		return nil
	}
	return q.node.Entries()[q.index:q.capacity]
}

// Enqueue logs e. It must only be called by the owning thread. Inactive
// queues drop the entry.
func (q *Queue) Enqueue(e Entry) {
	if !q.active {
		return
	}
	if q.buf == nil || q.index == 0 {
		q.handleZeroIndex()
	}
	q.index--
	q.node.Entries()[q.index] = e
}

// handleZeroIndex is the slow path taken when q has no buffer or its buffer
// is exhausted. On return q owns a buffer with at least one free slot.
func (q *Queue) handleZeroIndex() {
	if q.node != nil {
		assertf(q.index == 0, "%s: slow path with index %d", q.name, q.index)
		if !q.shouldEnqueueBuffer() {
			assertf(q.index > 0, "%s: kept a full buffer", q.name)
			return
		}
		q.qset.completed.Push(q.takeNode())
	}
	q.installNode(q.qset.alloc.Allocate())
}

// shouldEnqueueBuffer filters a full buffer and reports whether it is still
// worth publishing. Buffers that filter down below the set's enqueue
// threshold stay with the queue and continue to be filled.
func (q *Queue) shouldEnqueueBuffer() bool {
	assertf(q.node != nil && q.index == 0, "%s: shouldEnqueueBuffer on a buffer that is not full", q.name)
	q.Filter()
	percentUsed := (q.capacity - q.index) * 100 / q.capacity
	return percentUsed > uintptr(q.qset.enqueueThresholdPercent)
}

// Filter applies the set's filter policy to q.
func (q *Queue) Filter() {
	q.qset.Filter(q)
}

// ApplyFilter removes every live entry for which discard returns true,
// compacting survivors toward the top of the buffer. Survivor order is not
// preserved.
func (q *Queue) ApplyFilter(discard func(Entry) bool) {
	if q.node == nil {
		return
	}
	buf := q.node.Entries()
	src := q.index
	dst := q.capacity
	assertf(src <= dst, "%s: index %d beyond capacity %d", q.name, src, dst)
	for ; src < dst; src++ {
		// Search low to high for a keeper.
		entry := buf[src]
		if discard(entry) {
			continue
		}
		// Search high to low for a discard to overwrite. If none is found
		// the fingers meet and the outer loop ends too.
		for {
			dst--
			if src >= dst {
				break
			}
			if discard(buf[dst]) {
				buf[dst] = entry
				break
			}
		}
	}
	// dst is the lowest retained entry, or capacity if nothing survived.
	q.setIndex(dst)
}

// Flush filters q and hands its buffer off: to the completed set when
// entries survive, back to the free list otherwise. q is left without a
// buffer.
func (q *Queue) Flush() {
	q.Filter()
	if q.node == nil {
		return
	}
	n := q.takeNode()
	if n.Size() == 0 {
		q.qset.alloc.Release(n)
		return
	}
	q.qset.completed.Push(n)
}

// ApplyClosureAndEmpty applies cl to the live range of q and empties the
// buffer without releasing it. Must be called at a safepoint.
func (q *Queue) ApplyClosureAndEmpty(cl BufferClosure) {
	q.qset.assertAtSafepoint("ApplyClosureAndEmpty")
	if q.node == nil {
		return
	}
	cl.DoBuffer(q.node.Entries()[q.index:q.capacity])
	q.setIndex(q.capacity)
}

// Reset discards the live entries but keeps the buffer.
func (q *Queue) Reset() {
	if q.node != nil {
		q.index = q.capacity
	}
}

func (q *Queue) setActive(active bool) {
	if !active && q.active {
		q.Flush()
	}
	if active {
		assertf(q.IsEmpty(), "%s: activated with %d pending entries", q.name, q.Size())
	}
	q.active = active
}

// release returns q's buffer to the free list, dropping its entries.
func (q *Queue) release() {
	if q.node == nil {
		q.index = q.capacity
		return
	}
	q.qset.alloc.Release(q.takeNode())
}

// takeNode detaches the owned node, stamping it with the current cursor.
func (q *Queue) takeNode() *ptrqueue.Node {
	n := q.node
	n.SetIndex(q.index)
	q.node = nil
	q.buf = nil
	q.index = q.capacity
	return n
}

func (q *Queue) installNode(n *ptrqueue.Node) {
	assertf(q.node == nil, "%s: installing over an owned buffer", q.name)
	assertf(uintptr(n.Capacity()) == q.capacity, "%s: capacity mismatch", q.name)
	q.node = n
	q.buf = n.Buf()
	q.index = n.Index()
}

func (q *Queue) setIndex(i uintptr) {
	assertf(i <= q.capacity, "%s: index %d beyond capacity %d", q.name, i, q.capacity)
	q.index = i
}
