package tracelog

import (
	"encoding/binary"

	"github.com/rzbill/satb/pkg/id"
)

var (
	cyclePrefix = []byte("cyc/")
	tracePrefix = []byte("trace/")
	bufferSeg   = []byte("/b/")
)

func keyCycleMeta(cycle id.ID) []byte {
	k := make([]byte, 0, len(cyclePrefix)+id.Size)
	k = append(k, cyclePrefix...)
	return append(k, cycle[:]...)
}

// keyCyclePrefix covers every buffer of cycle.
func keyCyclePrefix(cycle id.ID) []byte {
	k := make([]byte, 0, len(tracePrefix)+id.Size+len(bufferSeg))
	k = append(k, tracePrefix...)
	k = append(k, cycle[:]...)
	return append(k, bufferSeg...)
}

func keyBuffer(cycle id.ID, seq uint64) []byte {
	k := keyCyclePrefix(cycle)
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], seq)
	return append(k, b[:]...)
}

// seqFromKey returns the trailing sequence of a buffer key.
func seqFromKey(k []byte) uint64 {
	return binary.BigEndian.Uint64(k[len(k)-8:])
}
