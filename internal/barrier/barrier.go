// Package barrier emits the SATB pre-write barrier fast path.
//
// A Stub is "compiled" from a satb.Layout and afterwards touches queues
// only through the exported field offsets, the same way generated machine
// code would: load active, load buf and index, store the entry below index,
// store the decremented index. When the buffer is absent or exhausted the
// stub calls the slow path and retries.
package barrier

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/rzbill/satb/internal/satb"
)

// SupportedLayoutVersion is the queue layout this package emits code for.
const SupportedLayoutVersion = 1

var (
	ErrLayoutVersion = errors.New("barrier: unsupported layout version")
	ErrLayoutField   = errors.New("barrier: incompatible layout field")
)

const ptrSize = unsafe.Sizeof(uintptr(0))

// SlowPath provisions room in t's queue. It is normally
// (*satb.QueueSet).HandleZeroIndexForThread.
type SlowPath func(t satb.Thread)

// Stub is a compiled barrier for one layout version.
type Stub struct {
	indexOff  uintptr
	bufOff    uintptr
	activeOff uintptr
	entrySize uintptr
	slow      SlowPath
}

// Compile validates l and returns a stub bound to slow.
func Compile(l satb.Layout, slow SlowPath) (*Stub, error) {
	if l.Version != SupportedLayoutVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", ErrLayoutVersion, l.Version, SupportedLayoutVersion)
	}
	if l.EntrySize != ptrSize {
		return nil, fmt.Errorf("%w: entry size %d", ErrLayoutField, l.EntrySize)
	}
	if slow == nil {
		return nil, errors.New("barrier: nil slow path")
	}
	s := &Stub{entrySize: l.EntrySize, slow: slow}
	for _, want := range []struct {
		name  string
		width uintptr
		dst   *uintptr
	}{
		{satb.FieldIndex, ptrSize, &s.indexOff},
		{satb.FieldBuf, ptrSize, &s.bufOff},
		{satb.FieldActive, 1, &s.activeOff},
	} {
		f, ok := l.Field(want.name)
		if !ok {
			return nil, fmt.Errorf("%w: %s missing", ErrLayoutField, want.name)
		}
		if f.Width != want.width {
			return nil, fmt.Errorf("%w: %s width %d, want %d", ErrLayoutField, want.name, f.Width, want.width)
		}
		*want.dst = f.Offset
	}
	return s, nil
}

// Log records prev, the value about to be overwritten, in t's queue.
// Null values are not logged. Must be called by the thread owning the
// queue.
func (s *Stub) Log(t satb.Thread, prev satb.Entry) {
	if prev == 0 {
		return
	}
	q := unsafe.Pointer(t.SATBQueue())
	if !*(*bool)(unsafe.Add(q, s.activeOff)) {
		return
	}
	for {
		buf := *(*unsafe.Pointer)(unsafe.Add(q, s.bufOff))
		index := (*uintptr)(unsafe.Add(q, s.indexOff))
		if buf != nil && *index != 0 {
			i := *index - 1
			*(*uintptr)(unsafe.Add(buf, i*s.entrySize)) = prev
			*index = i
			return
		}
		s.slow(t)
	}
}
