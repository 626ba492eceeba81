package ptrqueue

import (
	"context"
	"sync"
)

// CompletedSet is the FIFO of filled nodes awaiting processing.
type CompletedSet struct {
	mu       sync.Mutex // completed list monitor
	head     *Node
	tail     *Node
	count    int
	notifyCh chan struct{}

	threshold        int
	processCompleted bool
	notify           func()
}

// NewCompletedSet creates an empty set. notify, when non-nil, is invoked
// outside the monitor once the count exceeds threshold; a negative threshold
// never notifies.
func NewCompletedSet(threshold int, notify func()) *CompletedSet {
	return &CompletedSet{threshold: threshold, notify: notify, notifyCh: make(chan struct{})}
}

// Push appends n. Ownership of n transfers to the set.
func (s *CompletedSet) Push(n *Node) {
	n.next = nil
	s.mu.Lock()
	if s.tail == nil {
		s.head = n
	} else {
		s.tail.next = n
	}
	s.tail = n
	s.count++
	fire := false
	if !s.processCompleted && s.threshold >= 0 && s.count > s.threshold {
		s.processCompleted = true
		fire = s.notify != nil
	}
	close(s.notifyCh)
	s.notifyCh = make(chan struct{})
	s.mu.Unlock()

	if fire {
		s.notify()
	}
}

// Pop removes the oldest node, or returns nil when the set is empty.
func (s *CompletedSet) Pop() *Node {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := s.head
	if n == nil {
		return nil
	}
	s.head = n.next
	if s.head == nil {
		s.tail = nil
	}
	n.next = nil
	s.count--
	if s.count == 0 {
		s.processCompleted = false
	}
	return n
}

// PopAll detaches every node and returns them as a slice in FIFO order.
func (s *CompletedSet) PopAll() []*Node {
	s.mu.Lock()
	head := s.head
	out := make([]*Node, 0, s.count)
	s.head, s.tail = nil, nil
	s.count = 0
	s.processCompleted = false
	s.mu.Unlock()

	for n := head; n != nil; {
		next := n.next
		n.next = nil
		out = append(out, n)
		n = next
	}
	return out
}

// Each calls fn with the live range of every completed node, oldest first,
// while holding the monitor. fn must not retain the slice or call back
// into s.
func (s *CompletedSet) Each(fn func(live []uintptr)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for n := s.head; n != nil; n = n.next {
		fn(n.Live())
	}
}

// Count returns the number of completed nodes.
func (s *CompletedSet) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.count
}

// Wait blocks until the set is non-empty or ctx is done. It returns false
// when ctx ended first.
func (s *CompletedSet) Wait(ctx context.Context) bool {
	for {
		s.mu.Lock()
		if s.head != nil {
			s.mu.Unlock()
			return true
		}
		ch := s.notifyCh
		s.mu.Unlock()
		select {
		case <-ctx.Done():
			return false
		case <-ch:
		}
	}
}
