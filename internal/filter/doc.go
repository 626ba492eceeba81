// Package filter decides which logged values still need marking.
//
// A Policy discards entries that are null, outside the heap or already
// marked. An optional CEL expression discards more; it sees:
//
//	addr    int   the logged value
//	offset  int   addr minus the heap base (negative when below it)
//	object  int   object index, -1 outside the heap
//	in_heap bool
//	marked  bool
//
// and must evaluate to bool, true meaning discard. Evaluation errors keep
// the entry.
package filter
