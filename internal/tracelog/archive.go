package tracelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	pebblestore "github.com/rzbill/satb/internal/storage/pebble"
	"github.com/rzbill/satb/pkg/id"
)

// Cycle summarises one archived marking cycle.
type Cycle struct {
	ID       id.ID     `json:"id"`
	Started  time.Time `json:"started"`
	Buffers  uint64    `json:"buffers"`
	Entries  uint64    `json:"entries"`
	Finished bool      `json:"finished"`
	Aborted  bool      `json:"aborted"`
}

// Batch is one archived buffer.
type Batch struct {
	Seq     uint64
	Kind    Kind
	Entries []uintptr
}

const (
	metaLen      = 17
	flagFinished = 1 << 0
	flagAborted  = 1 << 1
)

type cycleMeta struct {
	lastSeq uint64
	entries uint64
	flags   byte
}

func (m cycleMeta) encode() []byte {
	b := make([]byte, 0, metaLen)
	b = binary.BigEndian.AppendUint64(b, m.lastSeq)
	b = binary.BigEndian.AppendUint64(b, m.entries)
	return append(b, m.flags)
}

func decodeMeta(b []byte) (cycleMeta, error) {
	if len(b) != metaLen {
		return cycleMeta{}, fmt.Errorf("%w: cycle metadata of %d bytes", ErrCorrupt, len(b))
	}
	return cycleMeta{
		lastSeq: binary.BigEndian.Uint64(b[0:8]),
		entries: binary.BigEndian.Uint64(b[8:16]),
		flags:   b[16],
	}, nil
}

// Archive stores drained buffers grouped by cycle. It is safe for
// concurrent use.
type Archive struct {
	db *pebblestore.DB

	mu    sync.Mutex
	metas map[id.ID]cycleMeta
}

// Open returns an archive over db. Cycle metadata is loaded lazily.
func Open(db *pebblestore.DB) *Archive {
	return &Archive{db: db, metas: make(map[id.ID]cycleMeta)}
}

// metaLocked returns the cached or stored metadata for cycle.
func (a *Archive) metaLocked(cycle id.ID) (cycleMeta, error) {
	if m, ok := a.metas[cycle]; ok {
		return m, nil
	}
	raw, err := a.db.Get(keyCycleMeta(cycle))
	if errors.Is(err, pebblestore.ErrNotFound) {
		return cycleMeta{}, nil
	}
	if err != nil {
		return cycleMeta{}, err
	}
	m, err := decodeMeta(raw)
	if err != nil {
		return cycleMeta{}, err
	}
	a.metas[cycle] = m
	return m, nil
}

// Begin records that cycle exists, even if no buffer is ever appended.
func (a *Archive) Begin(ctx context.Context, cycle id.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.metaLocked(cycle)
	if err != nil {
		return err
	}
	return a.putMetaLocked(ctx, cycle, m)
}

// Append stores entries as the next buffer of cycle and returns its
// sequence, starting at 1.
func (a *Archive) Append(ctx context.Context, cycle id.ID, kind Kind, entries []uintptr) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.metaLocked(cycle)
	if err != nil {
		return 0, err
	}
	m.lastSeq++
	m.entries += uint64(len(entries))

	b := a.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyBuffer(cycle, m.lastSeq), encodeRecord(kind, entries), nil); err != nil {
		return 0, err
	}
	if err := b.Set(keyCycleMeta(cycle), m.encode(), nil); err != nil {
		return 0, err
	}
	if err := a.db.CommitBatch(ctx, b); err != nil {
		return 0, err
	}
	a.metas[cycle] = m
	return m.lastSeq, nil
}

// Finish marks cycle as completed or aborted.
func (a *Archive) Finish(ctx context.Context, cycle id.ID, aborted bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	m, err := a.metaLocked(cycle)
	if err != nil {
		return err
	}
	m.flags |= flagFinished
	if aborted {
		m.flags |= flagAborted
	}
	return a.putMetaLocked(ctx, cycle, m)
}

func (a *Archive) putMetaLocked(ctx context.Context, cycle id.ID, m cycleMeta) error {
	b := a.db.NewBatch()
	defer b.Close()
	if err := b.Set(keyCycleMeta(cycle), m.encode(), nil); err != nil {
		return err
	}
	if err := a.db.CommitBatch(ctx, b); err != nil {
		return err
	}
	a.metas[cycle] = m
	return nil
}

// Read calls fn for each buffer of cycle with a sequence >= from, in append
// order, until fn returns false.
func (a *Archive) Read(cycle id.ID, from uint64, fn func(Batch) bool) error {
	var decodeErr error
	err := a.db.ScanPrefix(keyCyclePrefix(cycle), func(k, v []byte) bool {
		seq := seqFromKey(k)
		if seq < from {
			return true
		}
		kind, entries, err := decodeRecord(v)
		if err != nil {
			decodeErr = fmt.Errorf("cycle %s seq %d: %w", cycle, seq, err)
			return false
		}
		return fn(Batch{Seq: seq, Kind: kind, Entries: entries})
	})
	if err != nil {
		return err
	}
	return decodeErr
}

// Cycles lists archived cycles, oldest first.
func (a *Archive) Cycles() ([]Cycle, error) {
	var out []Cycle
	var decodeErr error
	err := a.db.ScanPrefix(cyclePrefix, func(k, v []byte) bool {
		cid, err := id.FromBytes(k[len(cyclePrefix):])
		if err != nil {
			decodeErr = fmt.Errorf("%w: cycle key %x", ErrCorrupt, k)
			return false
		}
		m, err := decodeMeta(v)
		if err != nil {
			decodeErr = err
			return false
		}
		out = append(out, Cycle{
			ID:       cid,
			Started:  cid.Time(),
			Buffers:  m.lastSeq,
			Entries:  m.entries,
			Finished: m.flags&flagFinished != 0,
			Aborted:  m.flags&flagAborted != 0,
		})
		return true
	})
	if err != nil {
		return nil, err
	}
	return out, decodeErr
}

// Drop removes cycle and all its buffers.
func (a *Archive) Drop(ctx context.Context, cycle id.ID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	prefix := keyCyclePrefix(cycle)
	if err := a.db.DeleteRange(ctx, prefix, pebblestore.PrefixEnd(prefix)); err != nil {
		return err
	}
	mk := keyCycleMeta(cycle)
	if err := a.db.DeleteRange(ctx, mk, append(mk, 0)); err != nil {
		return err
	}
	delete(a.metas, cycle)
	return nil
}

// Retain drops all but the newest keep cycles and returns how many were
// dropped.
func (a *Archive) Retain(ctx context.Context, keep int) (int, error) {
	if keep < 0 {
		keep = 0
	}
	cycles, err := a.Cycles()
	if err != nil {
		return 0, err
	}
	dropped := 0
	for i := 0; i < len(cycles)-keep; i++ {
		if err := a.Drop(ctx, cycles[i].ID); err != nil {
			return dropped, err
		}
		dropped++
	}
	if dropped == 0 {
		return 0, nil
	}
	// Cycle IDs sort by time, so everything dropped lies below the oldest
	// survivor.
	end := pebblestore.PrefixEnd(tracePrefix)
	if dropped < len(cycles) {
		end = keyCyclePrefix(cycles[dropped].ID)
	}
	return dropped, a.db.CompactRange(tracePrefix, end)
}
