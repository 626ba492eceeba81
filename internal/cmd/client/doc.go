// Package client provides the `satb` command-line client.
//
// The commands talk to a running `satb server start` over its HTTP
// diagnostics API, and to the gRPC health service for `satb health`.
//
// # Address configuration
//
// The HTTP base URL is discovered by the application that embeds the
// commands via a BaseURLFunc. When using the standalone binary, it
// defaults to http://127.0.0.1:7070 and can be changed with SATB_HTTP.
// The gRPC address is read from SATB_GRPC (default 127.0.0.1:7071).
//
// Usage
//
//	satb state                      # queue set, heap, filter and trace counters
//	satb dump --msg before-remark   # every completed buffer and thread queue
//	satb filter --expr 'object % 2 == 0'
//	satb filter                     # filter thread buffers with the current policy
//	satb cycles                     # archived marking cycles
//	satb cycles --id 0192...        # archived buffers of one cycle
//	satb health
package client
