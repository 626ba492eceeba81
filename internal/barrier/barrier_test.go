package barrier

import (
	"errors"
	"sort"
	"testing"

	"github.com/rzbill/satb/internal/ptrqueue"
	"github.com/rzbill/satb/internal/satb"
)

type thread struct{ q *satb.Queue }

func (t thread) SATBQueue() *satb.Queue { return t.q }

func newQueues(t *testing.T, capacity int) (*satb.QueueSet, thread, thread) {
	t.Helper()
	qs := satb.NewQueueSet(satb.Options{
		Allocator:                 ptrqueue.NewAllocator(capacity),
		ProcessCompletedThreshold: -1,
	})
	// Without a thread registry only the shared queue is flipped, so the
	// two test queues are created after activation.
	qs.SetActiveAllThreads(true, false)
	return qs, thread{q: qs.NewQueue("stub")}, thread{q: qs.NewQueue("go")}
}

func TestStubMatchesEnqueue(t *testing.T) {
	qs, viaStub, viaGo := newQueues(t, 4)
	stub, err := Compile(satb.CurrentLayout(), qs.HandleZeroIndexForThread)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	for i := 1; i <= 10; i++ {
		stub.Log(viaStub, satb.Entry(i*8))
		viaGo.q.Enqueue(satb.Entry(i * 8))
		if viaStub.q.Index() != viaGo.q.Index() {
			t.Fatalf("append %d: stub index %d, enqueue index %d", i, viaStub.q.Index(), viaGo.q.Index())
		}
	}
	a, b := viaStub.q.Entries(), viaGo.q.Entries()
	if len(a) != len(b) {
		t.Fatalf("sizes differ: %d vs %d", len(a), len(b))
	}
	for i := range a {
		if a[i] != b[i] {
			t.Fatalf("slot %d: %x vs %x", i, a[i], b[i])
		}
	}
	// Both queues published two full buffers.
	if qs.CompletedCount() != 4 {
		t.Fatalf("completed: %d", qs.CompletedCount())
	}
}

func TestStubTakesSlowPathOnExhaustedBuffer(t *testing.T) {
	_, th, _ := newQueues(t, 2)
	calls := 0
	var stub *Stub
	var err error
	stub, err = Compile(satb.CurrentLayout(), func(tt satb.Thread) {
		calls++
		tt.SATBQueue().QueueSet().HandleZeroIndexForThread(tt)
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	stub.Log(th, 0x10) // no buffer yet
	stub.Log(th, 0x20)
	if calls != 1 {
		t.Fatalf("slow path calls after first buffer: %d", calls)
	}
	if th.q.Index() != 0 {
		t.Fatalf("expected exhausted buffer, index %d", th.q.Index())
	}
	stub.Log(th, 0x30)
	if calls != 2 {
		t.Fatalf("slow path calls: %d", calls)
	}
	got := append([]satb.Entry(nil), th.q.Entries()...)
	sort.Slice(got, func(i, j int) bool { return got[i] < got[j] })
	if len(got) != 1 || got[0] != 0x30 {
		t.Fatalf("entries: %x", got)
	}
}

func TestStubSkipsNullAndInactive(t *testing.T) {
	qs := satb.NewQueueSet(satb.Options{Allocator: ptrqueue.NewAllocator(4)})
	th := thread{q: qs.NewQueue("idle")}
	stub, err := Compile(satb.CurrentLayout(), qs.HandleZeroIndexForThread)
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	stub.Log(th, 0x10)
	if th.q.HasBuffer() {
		t.Fatalf("inactive queue logged")
	}

	_, active, _ := newQueues(t, 4)
	stub.Log(active, 0)
	if active.q.HasBuffer() {
		t.Fatalf("null value logged")
	}
}

func TestCompileRejectsIncompatibleLayouts(t *testing.T) {
	slow := func(satb.Thread) {}
	tests := []struct {
		name   string
		mutate func(l *satb.Layout)
		want   error
	}{
		{"version", func(l *satb.Layout) { l.Version = SupportedLayoutVersion + 1 }, ErrLayoutVersion},
		{"entry size", func(l *satb.Layout) { l.EntrySize = 3 }, ErrLayoutField},
		{"missing field", func(l *satb.Layout) { l.Fields = l.Fields[:2] }, ErrLayoutField},
		{"width", func(l *satb.Layout) { l.Fields[2].Width = 4 }, ErrLayoutField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := satb.CurrentLayout()
			tt.mutate(&l)
			if _, err := Compile(l, slow); !errors.Is(err, tt.want) {
				t.Fatalf("got %v, want %v", err, tt.want)
			}
		})
	}
}
