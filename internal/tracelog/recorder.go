package tracelog

import (
	"context"
	"sync/atomic"

	"github.com/rzbill/satb/pkg/id"
	logpkg "github.com/rzbill/satb/pkg/log"
)

// Recorder archives every buffer it is applied to. It satisfies
// satb.BufferClosure. Archive failures are logged and counted; marking
// never stops because of them.
type Recorder struct {
	archive *Archive
	cycle   id.ID
	kind    Kind
	logger  logpkg.Logger

	Failures atomic.Uint64
}

// NewRecorder archives into cycle with the given kind.
func NewRecorder(a *Archive, cycle id.ID, kind Kind, logger logpkg.Logger) *Recorder {
	return &Recorder{archive: a, cycle: cycle, kind: kind, logger: logger}
}

func (r *Recorder) DoBuffer(entries []uintptr) {
	if len(entries) == 0 {
		return
	}
	if _, err := r.archive.Append(context.Background(), r.cycle, r.kind, entries); err != nil {
		r.Failures.Add(1)
		r.logger.Warn("archive buffer failed",
			logpkg.Str("cycle", r.cycle.String()),
			logpkg.Int("entries", len(entries)),
			logpkg.Err(err))
	}
}
