// Package rpcserver defines the contract between the transport layer and the
// RPC server it exposes. The transports in this module treat the server as
// opaque: it binds to a transport, consumes inbound frames, and emits
// outbound frames. Method semantics live entirely behind this boundary.
package rpcserver

import (
	"context"

	"github.com/rpckit/sessiongate/transport"
)

// Server is the RPC endpoint a transport binds to. Connect is called exactly
// once per logical connection, before any frame is forwarded; it must install
// the transport's inbound handler before returning. A Connect error aborts
// session creation.
type Server interface {
	Connect(ctx context.Context, t transport.Transport) error
}

// ServerFunc adapts a function to the Server interface.
type ServerFunc func(ctx context.Context, t transport.Transport) error

func (f ServerFunc) Connect(ctx context.Context, t transport.Transport) error {
	return f(ctx, t)
}
