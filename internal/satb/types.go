package satb

// Entry is the prior content of an overwritten reference slot. It is
// opaque to this package and never dereferenced.
type Entry = uintptr

// BufferClosure processes the live entries of a drained buffer. The slice
// aliases the buffer and must not be retained after DoBuffer returns.
type BufferClosure interface {
	DoBuffer(entries []Entry)
}

// BufferClosureFunc adapts a function to BufferClosure.
type BufferClosureFunc func(entries []Entry)

func (f BufferClosureFunc) DoBuffer(entries []Entry) { f(entries) }

// Filter prunes entries that marking no longer needs from a queue's
// buffer, in place. Implementations normally call q.ApplyFilter.
type Filter interface {
	Filter(q *Queue)
}

// FilterFunc adapts a function to Filter.
type FilterFunc func(q *Queue)

func (f FilterFunc) Filter(q *Queue) { f(q) }

// Thread is a mutator that owns a queue.
type Thread interface {
	SATBQueue() *Queue
}

// Threads enumerates the queues of live mutators.
type Threads interface {
	// ForEachQueue calls fn for every live mutator's queue. The shared
	// queue is not included.
	ForEachQueue(fn func(q *Queue))
	// AtSafepoint reports whether every mutator is stopped.
	AtSafepoint() bool
}
