// Package pebblestore wraps Pebble for the buffer trace archive: an fsync
// policy, optional in-memory operation, batched writes, prefix scans and
// range deletes and compaction, with running read and commit totals.
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
//	if err != nil { /* handle */ }
//	defer db.Close()
//	b := db.NewBatch()
//	_ = b.Set(key, value, nil)
//	_ = db.CommitBatch(ctx, b)
package pebblestore
