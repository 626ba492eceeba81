// Package grpcserver hosts the standard gRPC health service for the SATB
// runtime. Serving status tracks Runtime.CheckHealth and is refreshed on an
// interval while the server runs.
//
// Example:
//
//	rt, _ := runtime.Open(runtime.Options{Config: config.Default()})
//	s := grpcserver.New(rt, logger)
//	ctx, cancel := context.WithCancel(context.Background())
//	defer cancel()
//	_ = s.ListenAndServe(ctx, ":7071")
package grpcserver
