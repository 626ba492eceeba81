// Package serverrun exposes a shared Run entrypoint used by the CLI to start
// the SATB runtime with its gRPC and HTTP servers and the background buffer
// processor, handling lifecycle and shutdown.
//
// Example:
//
//	opts := serverrun.Options{Config: config.Default()}
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = serverrun.Run(ctx, opts)
package serverrun
