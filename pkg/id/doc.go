// Package id names marking cycles.
//
// An ID is 16 bytes big-endian: [8 bytes start time in ms][8 bytes sequence].
// Byte order equals chronological order, so IDs double as storage key
// prefixes that scan oldest first. A Generator never goes backwards: when
// the clock regresses it pins to the last millisecond seen and keeps
// counting.
package id
