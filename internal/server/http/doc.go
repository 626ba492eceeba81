// Package httpserver exposes the SATB runtime over a small JSON/HTTP
// diagnostics surface: health, queue state, a human readable buffer dump,
// the barrier layout descriptor, filter updates and archived cycles.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := httpserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7070")
package httpserver
