// Package runtime drives SATB marking cycles over a simulated heap.
//
// A Runtime wires the buffer allocator, queue set, mutator registry,
// filter policy, heap and, when enabled, the Pebble trace archive. It owns
// the marking state machine:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	defer rt.Close()
//	th, _ := rt.Attach("worker-0")
//	cycle, _ := rt.StartMarking(ctx)
//	th.Store(slot, newValue)          // logs the old value
//	_, _ = rt.Drain(ctx)              // or run rt.Process(ctx) in the background
//	report, _ := rt.FinishMarking(ctx)
//
// Every bulk queue operation runs inside a registry safepoint.
package runtime
