package id

import (
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// Size is the encoded length of an ID.
const Size = 16

// ID identifies one marking cycle.
type ID [Size]byte

// Zero is the ID of no cycle.
var Zero ID

// Bytes returns a copy of the raw representation.
func (i ID) Bytes() []byte { return append([]byte(nil), i[:]...) }

func (i ID) String() string { return hex.EncodeToString(i[:]) }

// IsZero reports whether i is the zero ID.
func (i ID) IsZero() bool { return i == Zero }

// Time returns the millisecond the ID was generated in.
func (i ID) Time() time.Time {
	return time.UnixMilli(int64(binary.BigEndian.Uint64(i[0:8])))
}

// Seq returns the per-millisecond sequence.
func (i ID) Seq() uint64 { return binary.BigEndian.Uint64(i[8:16]) }

// Compare returns -1, 0 or 1.
func (i ID) Compare(other ID) int { return bytes.Compare(i[:], other[:]) }

func (i ID) MarshalText() ([]byte, error) { return []byte(i.String()), nil }

func (i *ID) UnmarshalText(b []byte) error {
	p, err := Parse(string(b))
	if err != nil {
		return err
	}
	*i = p
	return nil
}

// Parse decodes the String form.
func Parse(s string) (ID, error) {
	var i ID
	if len(s) != 2*Size {
		return i, fmt.Errorf("id: %q: want %d hex digits", s, 2*Size)
	}
	if _, err := hex.Decode(i[:], []byte(s)); err != nil {
		return i, fmt.Errorf("id: %q: %w", s, err)
	}
	return i, nil
}

// FromBytes copies a raw 16-byte ID.
func FromBytes(b []byte) (ID, error) {
	var i ID
	if len(b) != Size {
		return i, fmt.Errorf("id: want %d bytes, got %d", Size, len(b))
	}
	copy(i[:], b)
	return i, nil
}

// Generator hands out strictly increasing IDs.
type Generator struct {
	mu     sync.Mutex
	now    func() time.Time
	lastMs int64
	seq    uint64
}

// NewGenerator uses the wall clock.
func NewGenerator() *Generator { return &Generator{now: time.Now} }

// NewGeneratorWithClock is NewGenerator with an injected clock.
func NewGeneratorWithClock(now func() time.Time) *Generator { return &Generator{now: now} }

// Next returns an ID greater than every ID g returned before.
func (g *Generator) Next() ID {
	g.mu.Lock()
	defer g.mu.Unlock()
	ms := g.now().UnixMilli()
	switch {
	case ms > g.lastMs:
		g.lastMs, g.seq = ms, 0
	case g.seq == ^uint64(0):
		// Sequence exhausted; borrow the next millisecond.
		g.lastMs, g.seq = g.lastMs+1, 0
	default:
		g.seq++
	}
	var i ID
	binary.BigEndian.PutUint64(i[0:8], uint64(g.lastMs))
	binary.BigEndian.PutUint64(i[8:16], g.seq)
	return i
}
