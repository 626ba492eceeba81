package satb

import (
	"fmt"
	"io"

	"github.com/davecgh/go-spew/spew"
)

// QueueState is a point-in-time view of one queue.
type QueueState struct {
	Name      string  `json:"name"`
	Active    bool    `json:"active"`
	HasBuffer bool    `json:"hasBuffer"`
	Index     uintptr `json:"index"`
	Capacity  int     `json:"capacity"`
	Size      int     `json:"size"`
	Permanent bool    `json:"permanent,omitempty"`
}

// Snapshot is a point-in-time view of the whole set.
type Snapshot struct {
	Active      bool         `json:"active"`
	Completed   int          `json:"completed"`
	FreeBuffers int          `json:"freeBuffers"`
	Allocated   int          `json:"allocated"`
	Queues      []QueueState `json:"queues"`
}

func (q *Queue) state() QueueState {
	return QueueState{
		Name:      q.name,
		Active:    q.active,
		HasBuffer: q.node != nil,
		Index:     q.index,
		Capacity:  int(q.capacity),
		Size:      q.Size(),
		Permanent: q.permanent,
	}
}

// String implements fmt.Stringer.
func (q *Queue) String() string {
	return fmt.Sprintf("%s: buf=%p index=%d size=%d active=%t", q.name, q.buf, q.index, q.Size(), q.active)
}

// Snapshot captures every queue's state. Must be called at a safepoint.
func (s *QueueSet) Snapshot() Snapshot {
	s.assertAtSafepoint("Snapshot")
	snap := Snapshot{
		Active:      s.IsActive(),
		Completed:   s.completed.Count(),
		FreeBuffers: s.alloc.FreeCount(),
		Allocated:   s.alloc.Allocated(),
	}
	s.forEachQueue(func(q *Queue) { snap.Queues = append(snap.Queues, q.state()) })
	return snap
}

var dumpConfig = spew.ConfigState{
	Indent:                  "  ",
	DisablePointerAddresses: true,
	DisableCapacities:       true,
	SortKeys:                true,
}

// PrintAll writes a human-readable dump of every completed buffer and every
// queue. Must be called at a safepoint.
func (s *QueueSet) PrintAll(w io.Writer, msg string) {
	s.assertAtSafepoint("PrintAll")
	fmt.Fprintf(w, "SATB buffers: %s\n", msg)
	i := 0
	s.completed.Each(func(live []uintptr) {
		fmt.Fprintf(w, "completed buffer %d: %d entries\n", i, len(live))
		dumpConfig.Fdump(w, live)
		i++
	})
	s.forEachQueue(func(q *Queue) {
		fmt.Fprintln(w, q.String())
		if entries := q.Entries(); len(entries) > 0 {
			dumpConfig.Fdump(w, entries)
		}
	})
}
