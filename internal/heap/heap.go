// Package heap simulates the managed heap a concurrent marker runs against:
// a contiguous address range of fixed-size objects, a mark bitmap, and a
// set of root slots mutators overwrite.
package heap

import (
	"fmt"
	"math/bits"
	"math/rand/v2"
	"sync/atomic"
)

// ObjectSize is the size and alignment of every simulated object.
const ObjectSize = 16

// Heap is safe for concurrent marking and slot updates.
type Heap struct {
	base    uintptr
	objects int
	marks   []atomic.Uint64
	slots   []uintptr
}

// New creates a heap of size bytes at base with nslots root slots. base
// must be non-zero and ObjectSize aligned.
func New(base, size uintptr, nslots int) (*Heap, error) {
	if base == 0 || base%ObjectSize != 0 {
		return nil, fmt.Errorf("heap: base %#x must be non-zero and %d-byte aligned", base, ObjectSize)
	}
	if size < ObjectSize {
		return nil, fmt.Errorf("heap: size %d below object size", size)
	}
	if base+size < base {
		return nil, fmt.Errorf("heap: range %#x+%d overflows", base, size)
	}
	if nslots < 0 {
		return nil, fmt.Errorf("heap: negative slot count")
	}
	n := int(size / ObjectSize)
	return &Heap{
		base:    base,
		objects: n,
		marks:   make([]atomic.Uint64, (n+63)/64),
		slots:   make([]uintptr, nslots),
	}, nil
}

// Base returns the lowest heap address.
func (h *Heap) Base() uintptr { return h.base }

// End returns one past the highest heap address.
func (h *Heap) End() uintptr { return h.base + uintptr(h.objects)*ObjectSize }

// Objects returns the number of objects.
func (h *Heap) Objects() int { return h.objects }

// Object returns the address of object i.
func (h *Heap) Object(i int) uintptr { return h.base + uintptr(i)*ObjectSize }

// Contains reports whether addr is the start of an object in the heap.
func (h *Heap) Contains(addr uintptr) bool {
	return addr >= h.base && addr < h.End() && (addr-h.base)%ObjectSize == 0
}

// Offset returns addr's distance from Base.
func (h *Heap) Offset(addr uintptr) uintptr { return addr - h.base }

func (h *Heap) bit(addr uintptr) (word int, mask uint64) {
	i := int((addr - h.base) / ObjectSize)
	return i / 64, 1 << (i % 64)
}

// Mark sets addr's mark bit and reports whether this call set it. Addresses
// outside the heap are ignored.
func (h *Heap) Mark(addr uintptr) bool {
	if !h.Contains(addr) {
		return false
	}
	w, m := h.bit(addr)
	for {
		old := h.marks[w].Load()
		if old&m != 0 {
			return false
		}
		if h.marks[w].CompareAndSwap(old, old|m) {
			return true
		}
	}
}

// IsMarked reports whether addr is marked.
func (h *Heap) IsMarked(addr uintptr) bool {
	if !h.Contains(addr) {
		return false
	}
	w, m := h.bit(addr)
	return h.marks[w].Load()&m != 0
}

// MarkedCount returns the number of marked objects.
func (h *Heap) MarkedCount() int {
	n := 0
	for i := range h.marks {
		n += bits.OnesCount64(h.marks[i].Load())
	}
	return n
}

// ClearMarks unmarks everything. Call only while no marker runs.
func (h *Heap) ClearMarks() {
	for i := range h.marks {
		h.marks[i].Store(0)
	}
}

// Slots returns the number of root slots.
func (h *Heap) Slots() int { return len(h.slots) }

// Slot returns a pointer to root slot i. Access it with sync/atomic.
func (h *Heap) Slot(i int) *uintptr { return &h.slots[i] }

// LoadSlot atomically reads slot i.
func (h *Heap) LoadSlot(i int) uintptr { return atomic.LoadUintptr(&h.slots[i]) }

// Populate fills every slot with a random object, leaving roughly one in
// nullEvery slots null when nullEvery > 0.
func (h *Heap) Populate(r *rand.Rand, nullEvery int) {
	for i := range h.slots {
		var v uintptr
		if nullEvery <= 0 || r.IntN(nullEvery) != 0 {
			v = h.Object(r.IntN(h.objects))
		}
		atomic.StoreUintptr(&h.slots[i], v)
	}
}

// RandomObject returns a random object address.
func (h *Heap) RandomObject(r *rand.Rand) uintptr { return h.Object(r.IntN(h.objects)) }

// ScanRoots marks every non-null slot value and returns how many were
// newly marked.
func (h *Heap) ScanRoots() int {
	n := 0
	for i := range h.slots {
		if h.Mark(h.LoadSlot(i)) {
			n++
		}
	}
	return n
}

// SnapshotRoots copies the current slot values.
func (h *Heap) SnapshotRoots() []uintptr {
	out := make([]uintptr, len(h.slots))
	for i := range h.slots {
		out[i] = h.LoadSlot(i)
	}
	return out
}
