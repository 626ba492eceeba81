// Package tracelog archives drained SATB buffers in Pebble so a marking
// cycle can be inspected after the fact.
//
// Keys sort by cycle and then by append order:
//   - cyc/{cycle}                 (cycle metadata: last seq, entry count, state)
//   - trace/{cycle}/b/{seq_be8}   (one drained buffer)
//
// Cycle IDs are 16 raw bytes from package id, so both prefixes scan oldest
// cycle first. Each value is kind(1B) | uvarint count | entries(8B BE each) |
// crc32c of everything before it.
//
//	a, _ := tracelog.Open(db)
//	seq, _ := a.Append(ctx, cycle, tracelog.KindCompleted, entries)
//	_ = a.Read(cycle, 0, func(b tracelog.Batch) bool { return true })
//	_ = a.Drop(ctx, cycle)
package tracelog
