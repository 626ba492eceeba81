package pebblestore

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = pebble.ErrNotFound

// defaultSyncInterval bounds WAL group commit when no interval is given.
const defaultSyncInterval = 5 * time.Millisecond

// FsyncMode selects how commits reach stable storage.
type FsyncMode int

const (
	// FsyncModeUnspecified behaves like FsyncModeInterval with the default
	// interval.
	FsyncModeUnspecified FsyncMode = iota
	// FsyncModeAlways syncs the WAL on each committed batch.
	FsyncModeAlways
	// FsyncModeInterval lets Pebble coalesce WAL syncs within FsyncInterval.
	FsyncModeInterval
	// FsyncModeNever leaves syncing to the OS.
	FsyncModeNever
)

var fsyncNames = map[string]FsyncMode{
	"":         FsyncModeUnspecified,
	"always":   FsyncModeAlways,
	"interval": FsyncModeInterval,
	"never":    FsyncModeNever,
}

// ParseFsyncMode maps "always", "interval", "never" or "" to a mode.
func ParseFsyncMode(s string) (FsyncMode, error) {
	m, ok := fsyncNames[s]
	if !ok {
		return FsyncModeUnspecified, fmt.Errorf("pebble: unknown fsync mode %q", s)
	}
	return m, nil
}

// Options configures Open.
type Options struct {
	// DataDir is the database directory. Ignored when InMemory is set.
	DataDir string
	// InMemory keeps everything on a vfs.NewMem filesystem.
	InMemory bool
	Fsync    FsyncMode
	// FsyncInterval is the group-commit window for FsyncModeInterval.
	FsyncInterval time.Duration
	// PebbleOptions is passed through to pebble.Open. Nil uses defaults.
	PebbleOptions *pebble.Options
}

// Stats are running totals since Open.
type Stats struct {
	Reads       uint64
	ReadBytes   uint64
	Commits     uint64
	CommitOps   uint64
	CommitBytes uint64
}

type counters struct {
	reads, readBytes             atomic.Uint64
	commits, commitOps, commitBy atomic.Uint64
}

// DB is a Pebble database with a fixed fsync policy and usage counters.
type DB struct {
	inner *pebble.DB
	wo    *pebble.WriteOptions
	c     counters
}

// Open creates or opens a database.
func Open(opts Options) (*DB, error) {
	if opts.DataDir == "" && !opts.InMemory {
		return nil, errors.New("pebble: Options.DataDir is required")
	}
	po := opts.PebbleOptions
	if po == nil {
		po = &pebble.Options{}
	}
	dir := opts.DataDir
	if opts.InMemory {
		po.FS, dir = vfs.NewMem(), ""
	}
	if interval, ok := syncInterval(opts); ok {
		po.WALMinSyncInterval = func() time.Duration { return interval }
	}
	inner, err := pebble.Open(dir, po)
	if err != nil {
		return nil, fmt.Errorf("pebble: open %q: %w", dir, err)
	}
	wo := pebble.NoSync
	if opts.Fsync == FsyncModeAlways {
		wo = pebble.Sync
	}
	return &DB{inner: inner, wo: wo}, nil
}

func syncInterval(opts Options) (time.Duration, bool) {
	switch opts.Fsync {
	case FsyncModeAlways, FsyncModeNever:
		return 0, false
	case FsyncModeInterval:
		if opts.FsyncInterval > 0 {
			return opts.FsyncInterval, true
		}
	}
	return defaultSyncInterval, true
}

// Close closes the database. A nil DB is a no-op.
func (db *DB) Close() error {
	if db == nil || db.inner == nil {
		return nil
	}
	return db.inner.Close()
}

// Stats returns a copy of the counters.
func (db *DB) Stats() Stats {
	return Stats{
		Reads:       db.c.reads.Load(),
		ReadBytes:   db.c.readBytes.Load(),
		Commits:     db.c.commits.Load(),
		CommitOps:   db.c.commitOps.Load(),
		CommitBytes: db.c.commitBy.Load(),
	}
}

// NewBatch creates a batch for atomic multi-key updates.
func (db *DB) NewBatch() *pebble.Batch { return db.inner.NewBatch() }

// CommitBatch commits b under the fsync policy. The caller still owns and
// closes b.
func (db *DB) CommitBatch(ctx context.Context, b *pebble.Batch) error {
	if b == nil {
		return errors.New("pebble: nil batch")
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	ops, size := b.Count(), b.Len()
	if err := b.Commit(db.wo); err != nil {
		return err
	}
	db.c.commits.Add(1)
	db.c.commitOps.Add(uint64(ops))
	db.c.commitBy.Add(uint64(size))
	return nil
}

// apply runs fn against a fresh batch and commits it.
func (db *DB) apply(ctx context.Context, fn func(b *pebble.Batch) error) error {
	b := db.inner.NewBatch()
	defer b.Close()
	if err := fn(b); err != nil {
		return err
	}
	return db.CommitBatch(ctx, b)
}

// Set writes one key.
func (db *DB) Set(ctx context.Context, key, value []byte) error {
	return db.apply(ctx, func(b *pebble.Batch) error { return b.Set(key, value, nil) })
}

// DeleteRange removes every key in [start, end).
func (db *DB) DeleteRange(ctx context.Context, start, end []byte) error {
	return db.apply(ctx, func(b *pebble.Batch) error { return b.DeleteRange(start, end, nil) })
}

// Get copies the value for key. Missing keys return ErrNotFound.
func (db *DB) Get(key []byte) ([]byte, error) {
	val, closer, err := db.inner.Get(key)
	if err != nil {
		return nil, err
	}
	out := append([]byte(nil), val...)
	_ = closer.Close()
	db.c.reads.Add(1)
	db.c.readBytes.Add(uint64(len(out)))
	return out, nil
}

// ScanPrefix calls fn for every key with the given prefix in key order
// until fn returns false. Key and value are only valid during the call.
func (db *DB) ScanPrefix(prefix []byte, fn func(key, value []byte) bool) (err error) {
	it, err := db.inner.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: PrefixEnd(prefix),
	})
	if err != nil {
		return err
	}
	defer func() {
		if cerr := it.Close(); err == nil {
			err = cerr
		}
	}()
	var n uint64
	for ok := it.First(); ok; ok = it.Next() {
		v := it.Value()
		n += uint64(len(v))
		if !fn(it.Key(), v) {
			break
		}
	}
	db.c.reads.Add(1)
	db.c.readBytes.Add(n)
	return it.Error()
}

// CompactRange compacts [start, end) so deleted ranges release disk space.
func (db *DB) CompactRange(start, end []byte) error {
	return db.inner.Compact(start, end, true)
}

// PrefixEnd returns the smallest key greater than every key with prefix,
// or nil when no such key exists.
func PrefixEnd(prefix []byte) []byte {
	end := append([]byte(nil), prefix...)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
