// Package transport provides the two wire carriers LMTP runs over: a
// websocket for a networked worker, and an OS pipe for a worker spawned as
// a local subprocess (spec §7).
package transport

import "context"

// Frame is one line of the wire protocol: "<TYPE> <json-array>" decoded
// into its type tag and raw JSON payload.
type Frame struct {
	Type    string
	Payload []byte
}

// Transport is the minimal send/receive contract both carriers implement.
// Send and Recv are safe to call concurrently with each other but not with
// themselves (one sender goroutine, one receiver goroutine, matching the
// reference implementation's single dumper/listener task pair).
type Transport interface {
	Send(ctx context.Context, f Frame) error
	Recv(ctx context.Context) (Frame, error)
	Close() error
}
