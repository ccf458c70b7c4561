// Package stdio implements the pipe transport: a single-connection duplex
// channel over a byte-oriented pipe, by default the process's stdin and
// stdout. It is intended for subprocess embedding and local development,
// where spawning a child and piping newline-delimited JSON is simpler than
// running an HTTP server.
//
// Characteristics
//
//	Connection model : 1 process <-> 1 client
//	Sessions         : exactly one, implicit, for the process lifetime
//	Framing          : newline-delimited JSON-RPC
//
// The session registry is not involved; the transport still reports a
// generated session ID so the RPC server sees a uniform contract.
//
// Example:
//
//	srv := rpcserver.NewMux()
//	srv.Handle("ping", func(ctx context.Context, _ json.RawMessage) (any, error) {
//	    return struct{}{}, nil
//	})
//	h := stdio.NewHandler(srv)
//	if err := h.Serve(context.Background()); err != nil { log.Fatal(err) }
//
// For multi-session deployments prefer the streaminghttp transport, which
// multiplexes resumable sessions over a single HTTP endpoint.
package stdio
