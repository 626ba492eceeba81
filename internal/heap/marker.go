package heap

import "sync/atomic"

// Marker marks every in-heap entry of the buffers it is applied to. It
// satisfies satb.BufferClosure and may be shared by concurrent drainers.
type Marker struct {
	heap *Heap

	Visited atomic.Uint64
	Marked  atomic.Uint64
	Foreign atomic.Uint64
}

// NewMarker returns a marker for h.
func NewMarker(h *Heap) *Marker { return &Marker{heap: h} }

func (m *Marker) DoBuffer(entries []uintptr) {
	var marked, foreign uint64
	for _, e := range entries {
		switch {
		case !m.heap.Contains(e):
			foreign++
		case m.heap.Mark(e):
			marked++
		}
	}
	m.Visited.Add(uint64(len(entries)))
	m.Marked.Add(marked)
	m.Foreign.Add(foreign)
}
