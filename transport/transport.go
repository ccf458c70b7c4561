// Package transport defines the duplex channel contract shared by the three
// transport variants in this module: the stdio pipe, the legacy SSE push
// stream, and the session-multiplexed streaming HTTP channel. An RPC server
// binds to exactly one Transport per logical connection and never sees the
// underlying medium.
package transport

import (
	"context"
	"errors"

	"github.com/rpckit/sessiongate/jsonrpc"
)

var (
	// ErrTransportClosed is returned by Send after Close has completed. Close
	// itself is idempotent and never returns this.
	ErrTransportClosed = errors.New("transport closed")
)

// MessageHandler consumes one inbound frame. Handlers are invoked in frame
// submission order for a given transport; an error from the handler is
// surfaced to the peer as a failed exchange, not a transport failure.
type MessageHandler func(ctx context.Context, msg *jsonrpc.AnyMessage) error

// Transport is one duplex channel carrying JSON-RPC frames between a client
// and the RPC server.
//
// All implementations guarantee:
//   - Send delivers frames in submission order.
//   - Close is idempotent; the first call wins and later calls are no-ops.
//   - After Close, Send fails with ErrTransportClosed.
//   - OnClose callbacks fire exactly once, whether closure was explicit,
//     peer-initiated, or part of process shutdown.
type Transport interface {
	// SessionID is the opaque identifier of the logical connection. Pipe
	// transports have an implicit single session for the process lifetime and
	// still report a generated ID.
	SessionID() string

	// Send emits one outbound frame toward the client.
	Send(ctx context.Context, msg *jsonrpc.AnyMessage) error

	// SetHandler installs the consumer for inbound frames. The RPC server
	// calls this once while binding to the transport, before any frame is
	// forwarded.
	SetHandler(h MessageHandler)

	// Close tears the channel down and releases everything it owns,
	// cancelling any in-flight streams.
	Close() error

	// OnClose registers a callback invoked exactly once when the transport
	// transitions to closed. Registering after closure invokes fn
	// immediately.
	OnClose(fn func())
}
