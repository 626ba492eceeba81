package tracelog

import (
	"encoding/binary"
	"errors"
	"hash/crc32"
)

// Kind says where an archived buffer came from.
type Kind byte

const (
	// KindCompleted is a buffer drained from the completed set.
	KindCompleted Kind = 'c'
	// KindFinal is a thread buffer processed in place at remark.
	KindFinal Kind = 'f'
)

func (k Kind) String() string {
	switch k {
	case KindCompleted:
		return "completed"
	case KindFinal:
		return "final"
	default:
		return "unknown"
	}
}

// ErrCorrupt is returned for a value that fails to decode or checksum.
var ErrCorrupt = errors.New("tracelog: corrupt record")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func encodeRecord(kind Kind, entries []uintptr) []byte {
	out := make([]byte, 0, 1+binary.MaxVarintLen64+8*len(entries)+4)
	out = append(out, byte(kind))
	out = binary.AppendUvarint(out, uint64(len(entries)))
	for _, e := range entries {
		out = binary.BigEndian.AppendUint64(out, uint64(e))
	}
	return binary.BigEndian.AppendUint32(out, crc32.Checksum(out, castagnoli))
}

func decodeRecord(b []byte) (Kind, []uintptr, error) {
	if len(b) < 1+1+4 {
		return 0, nil, ErrCorrupt
	}
	body, sum := b[:len(b)-4], binary.BigEndian.Uint32(b[len(b)-4:])
	if crc32.Checksum(body, castagnoli) != sum {
		return 0, nil, ErrCorrupt
	}
	kind := Kind(body[0])
	count, n := binary.Uvarint(body[1:])
	if n <= 0 {
		return 0, nil, ErrCorrupt
	}
	rest := body[1+n:]
	if uint64(len(rest)) != count*8 {
		return 0, nil, ErrCorrupt
	}
	entries := make([]uintptr, count)
	for i := range entries {
		entries[i] = uintptr(binary.BigEndian.Uint64(rest[i*8:]))
	}
	return kind, entries, nil
}
