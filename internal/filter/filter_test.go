package filter

import (
	"sort"
	"testing"

	"github.com/rzbill/satb/internal/heap"
	"github.com/rzbill/satb/internal/ptrqueue"
	"github.com/rzbill/satb/internal/satb"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(0x10000, 64*heap.ObjectSize, 0)
	if err != nil {
		t.Fatal(err)
	}
	return h
}

// fill returns an active queue holding entries, filtered by p.
func fill(t *testing.T, p *Policy, entries ...satb.Entry) *satb.Queue {
	t.Helper()
	qs := satb.NewQueueSet(satb.Options{
		Filter:                    p,
		Allocator:                 ptrqueue.NewAllocator(16),
		ProcessCompletedThreshold: -1,
	})
	qs.SetActiveAllThreads(true, false)
	q := qs.NewQueue("t")
	for _, e := range entries {
		q.Enqueue(e)
	}
	return q
}

func sorted(in []satb.Entry) []satb.Entry {
	out := append([]satb.Entry(nil), in...)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

func TestPolicyDiscardsForeignAndMarked(t *testing.T) {
	h := newHeap(t)
	p, err := New(h, "")
	if err != nil {
		t.Fatal(err)
	}
	a, b, c := h.Object(1), h.Object(2), h.Object(3)
	h.Mark(b)
	q := fill(t, p, a, 0x20, b, c, h.Object(2)+8)
	p.Filter(q)
	got := sorted(q.Entries())
	if len(got) != 2 || got[0] != a || got[1] != c {
		t.Fatalf("survivors %x", got)
	}
	if p.Kept.Load() != 2 || p.Discarded.Load() != 3 {
		t.Fatalf("kept=%d discarded=%d", p.Kept.Load(), p.Discarded.Load())
	}
}

func TestPolicyExpression(t *testing.T) {
	h := newHeap(t)
	p, err := New(h, "object >= 32")
	if err != nil {
		t.Fatal(err)
	}
	low, high := h.Object(4), h.Object(40)
	if p.Discard(low) || !p.Discard(high) {
		t.Fatalf("expression not applied")
	}
	if err := p.SetExpr("offset == 64"); err != nil {
		t.Fatal(err)
	}
	if !p.Discard(low) || p.Discard(high) || p.Expr() != "offset == 64" {
		t.Fatalf("SetExpr not applied")
	}
	if err := p.SetExpr(""); err != nil || p.Discard(low) {
		t.Fatalf("clearing the expression failed")
	}
}

func TestCompileExprErrors(t *testing.T) {
	for _, src := range []string{"addr +", "addr + 1", "unknown_var > 1"} {
		if _, err := CompileExpr(src); err == nil {
			t.Errorf("CompileExpr(%q) accepted", src)
		}
	}
	e, err := CompileExpr("  ")
	if err != nil || e.Enabled() || e.Discard(Vars{Addr: 1}) {
		t.Fatalf("blank expression should be disabled")
	}
}

func TestExprRuntimeErrorKeeps(t *testing.T) {
	e, err := CompileExpr("addr / object > 0")
	if err != nil {
		t.Fatal(err)
	}
	if e.Discard(Vars{Addr: 16, Object: 0}) {
		t.Fatalf("division by zero must keep the entry")
	}
	if !e.Discard(Vars{Addr: 16, Object: 1}) {
		t.Fatalf("expected discard")
	}
}
