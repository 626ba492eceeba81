package heap

import (
	"math/rand/v2"
	"sync"
	"testing"
)

func newHeap(t *testing.T, objects, slots int) *Heap {
	t.Helper()
	h, err := New(0x10000, uintptr(objects)*ObjectSize, slots)
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	return h
}

func TestNewValidates(t *testing.T) {
	for _, tc := range []struct {
		base, size uintptr
	}{
		{0, 1024},
		{0x10008, 1024},
		{0x10000, 8},
	} {
		if _, err := New(tc.base, tc.size, 1); err == nil {
			t.Errorf("New(%#x, %d) accepted", tc.base, tc.size)
		}
	}
}

func TestContains(t *testing.T) {
	h := newHeap(t, 4, 0)
	for addr, want := range map[uintptr]bool{
		0x10000: true,
		0x10030: true,
		0x10040: false,
		0x10008: false,
		0xfff0:  false,
	} {
		if got := h.Contains(addr); got != want {
			t.Errorf("Contains(%#x) = %t", addr, got)
		}
	}
}

func TestMarkOnce(t *testing.T) {
	h := newHeap(t, 200, 0)
	a := h.Object(130)
	if !h.Mark(a) || h.Mark(a) {
		t.Fatalf("mark should succeed once")
	}
	if !h.IsMarked(a) || h.IsMarked(h.Object(131)) {
		t.Fatalf("mark bit wrong")
	}
	if h.Mark(0x20) {
		t.Fatalf("outside address marked")
	}
	h.ClearMarks()
	if h.MarkedCount() != 0 {
		t.Fatalf("marks survived clear")
	}
}

func TestConcurrentMarkCountsEachObjectOnce(t *testing.T) {
	h := newHeap(t, 1000, 0)
	m := NewMarker(h)
	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			buf := make([]uintptr, 0, h.Objects()+1)
			for i := 0; i < h.Objects(); i++ {
				buf = append(buf, h.Object(i))
			}
			buf = append(buf, 0x8)
			m.DoBuffer(buf)
		}()
	}
	wg.Wait()
	if m.Marked.Load() != 1000 || h.MarkedCount() != 1000 {
		t.Fatalf("marked %d / %d", m.Marked.Load(), h.MarkedCount())
	}
	if m.Foreign.Load() != 8 || m.Visited.Load() != 8*1001 {
		t.Fatalf("foreign=%d visited=%d", m.Foreign.Load(), m.Visited.Load())
	}
}

func TestPopulateAndScanRoots(t *testing.T) {
	h := newHeap(t, 64, 32)
	h.Populate(rand.New(rand.NewPCG(1, 2)), 0)
	roots := h.SnapshotRoots()
	for i, v := range roots {
		if !h.Contains(v) {
			t.Fatalf("slot %d holds %#x", i, v)
		}
	}
	h.ScanRoots()
	for _, v := range roots {
		if !h.IsMarked(v) {
			t.Fatalf("root %#x not marked", v)
		}
	}
}
