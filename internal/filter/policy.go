package filter

import (
	"sync"
	"sync/atomic"

	"github.com/rzbill/satb/internal/heap"
	"github.com/rzbill/satb/internal/satb"
)

// Policy is the satb.Filter used by the runtime. Filter may run on many
// queues concurrently; SetExpr may be called at any time.
type Policy struct {
	heap *heap.Heap

	mu   sync.RWMutex
	expr Expr

	Kept      atomic.Uint64
	Discarded atomic.Uint64
}

// New returns a policy over h with an optional CEL discard expression.
func New(h *heap.Heap, expr string) (*Policy, error) {
	e, err := CompileExpr(expr)
	if err != nil {
		return nil, err
	}
	return &Policy{heap: h, expr: e}, nil
}

// SetExpr replaces the discard expression. An empty src removes it.
func (p *Policy) SetExpr(src string) error {
	e, err := CompileExpr(src)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.expr = e
	p.mu.Unlock()
	return nil
}

// Expr returns the current expression source.
func (p *Policy) Expr() string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.expr.String()
}

// Filter compacts q's live range down to entries that still need marking.
func (p *Policy) Filter(q *satb.Queue) {
	p.mu.RLock()
	expr := p.expr
	p.mu.RUnlock()
	before := q.Size()
	q.ApplyFilter(func(e satb.Entry) bool { return p.discard(expr, e) })
	after := q.Size()
	p.Kept.Add(uint64(after))
	p.Discarded.Add(uint64(before - after))
}

// Discard reports whether e needs no marking under the current policy.
func (p *Policy) Discard(e satb.Entry) bool {
	p.mu.RLock()
	expr := p.expr
	p.mu.RUnlock()
	return p.discard(expr, e)
}

func (p *Policy) discard(expr Expr, e satb.Entry) bool {
	if e == 0 {
		return true
	}
	inHeap := p.heap.Contains(e)
	if !inHeap {
		return true
	}
	marked := p.heap.IsMarked(e)
	if marked {
		return true
	}
	if !expr.Enabled() {
		return false
	}
	return expr.Discard(Vars{
		Addr:   e,
		Offset: int64(e) - int64(p.heap.Base()),
		Object: int64(p.heap.Offset(e) / heap.ObjectSize),
		InHeap: inHeap,
		Marked: marked,
	})
}
