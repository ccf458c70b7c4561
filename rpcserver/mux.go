package rpcserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/transport"
)

// HandlerFunc serves one RPC method. The returned value is marshaled as the
// result; returning a *jsonrpc.Error propagates that error object verbatim,
// any other error becomes an internal error response.
type HandlerFunc func(ctx context.Context, params json.RawMessage) (any, error)

// Mux is a minimal method-dispatch RPC server. It exists so the transport
// layer can be exercised end to end without prescribing a method schema:
// requests are answered by registered handlers, unknown methods get a
// method-not-found error, notifications are dispatched without a reply, and
// inbound client responses are ignored.
type Mux struct {
	mu      sync.RWMutex
	methods map[string]HandlerFunc
}

var _ Server = (*Mux)(nil)

func NewMux() *Mux {
	return &Mux{methods: make(map[string]HandlerFunc)}
}

// Handle registers fn for method, replacing any previous registration.
func (m *Mux) Handle(method string, fn HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.methods[method] = fn
}

// Connect binds the mux to t. One Mux may serve many transports; per-session
// state belongs in handler closures, not the mux.
func (m *Mux) Connect(ctx context.Context, t transport.Transport) error {
	t.SetHandler(func(ctx context.Context, msg *jsonrpc.AnyMessage) error {
		req := msg.AsRequest()
		if req == nil {
			// Client responses have no server-side waiter in this mux.
			return nil
		}

		m.mu.RLock()
		fn, ok := m.methods[req.Method]
		m.mu.RUnlock()

		if req.ID.IsNil() {
			if ok {
				_, _ = fn(ctx, req.Params)
			}
			return nil
		}

		var res *jsonrpc.Response
		switch {
		case !ok:
			res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeMethodNotFound, fmt.Sprintf("method not found: %s", req.Method))
		default:
			result, err := fn(ctx, req.Params)
			if err != nil {
				var rpcErr *jsonrpc.Error
				if errors.As(err, &rpcErr) {
					res = &jsonrpc.Response{JSONRPCVersion: jsonrpc.ProtocolVersion, Error: rpcErr, ID: req.ID}
				} else {
					res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, err.Error())
				}
			} else {
				res, err = jsonrpc.NewResultResponse(req.ID, result)
				if err != nil {
					res = jsonrpc.NewErrorResponse(req.ID, jsonrpc.ErrorCodeInternalError, "failed to encode result")
				}
			}
		}

		return t.Send(ctx, &jsonrpc.AnyMessage{
			JSONRPCVersion: res.JSONRPCVersion,
			Result:         res.Result,
			Error:          res.Error,
			ID:             res.ID,
		})
	})
	return nil
}
