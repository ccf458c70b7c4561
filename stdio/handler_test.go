package stdio_test

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/rpcserver"
	"github.com/rpckit/sessiongate/stdio"
	"github.com/rpckit/sessiongate/transport"
)

func newPingServer() *rpcserver.Mux {
	mux := rpcserver.NewMux()
	mux.Handle("ping", func(ctx context.Context, params json.RawMessage) (any, error) {
		return map[string]string{"pong": "true"}, nil
	})
	return mux
}

func TestServeAnswersRequests(t *testing.T) {
	in := strings.NewReader(
		`{"jsonrpc":"2.0","method":"ping","id":1}` + "\n" +
			`{"jsonrpc":"2.0","method":"nope","id":2}` + "\n")
	var out bytes.Buffer

	h := stdio.NewHandler(newPingServer(), stdio.WithIO(in, &out))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	sc := bufio.NewScanner(&out)

	if !sc.Scan() {
		t.Fatalf("expected first response line")
	}
	var res jsonrpc.Response
	if err := json.Unmarshal(sc.Bytes(), &res); err != nil {
		t.Fatalf("decode first response: %v", err)
	}
	if res.Error != nil {
		t.Fatalf("ping error: %+v", res.Error)
	}
	if res.ID.String() != "1" {
		t.Fatalf("response id: want 1 got %s", res.ID.String())
	}

	if !sc.Scan() {
		t.Fatalf("expected second response line")
	}
	if err := json.Unmarshal(sc.Bytes(), &res); err != nil {
		t.Fatalf("decode second response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeMethodNotFound {
		t.Fatalf("want method-not-found, got %+v", res.Error)
	}
}

func TestServeRejectsMalformedFrame(t *testing.T) {
	in := strings.NewReader("this is not json\n")
	var out bytes.Buffer

	h := stdio.NewHandler(newPingServer(), stdio.WithIO(in, &out))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	var res jsonrpc.Response
	if err := json.Unmarshal(bytes.TrimSpace(out.Bytes()), &res); err != nil {
		t.Fatalf("decode parse-error response: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeParseError {
		t.Fatalf("want parse error, got %+v", res.Error)
	}
}

func TestServeNotificationsGetNoReply(t *testing.T) {
	var calls atomic.Int32
	mux := rpcserver.NewMux()
	mux.Handle("progress", func(ctx context.Context, params json.RawMessage) (any, error) {
		calls.Add(1)
		return nil, nil
	})

	in := strings.NewReader(`{"jsonrpc":"2.0","method":"progress"}` + "\n")
	var out bytes.Buffer

	h := stdio.NewHandler(mux, stdio.WithIO(in, &out))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("serve: %v", err)
	}

	if calls.Load() != 1 {
		t.Fatalf("notification must be dispatched exactly once, got %d", calls.Load())
	}
	if out.Len() != 0 {
		t.Fatalf("notification must not produce a reply, got %q", out.String())
	}
}

func TestTransportCloseNotifiesOnce(t *testing.T) {
	trCh := make(chan transport.Transport, 1)
	srv := rpcserver.ServerFunc(func(ctx context.Context, tr transport.Transport) error {
		tr.SetHandler(func(ctx context.Context, msg *jsonrpc.AnyMessage) error { return nil })
		trCh <- tr
		return nil
	})

	pr, pw := io.Pipe()
	h := stdio.NewHandler(srv, stdio.WithIO(pr, io.Discard))

	done := make(chan error, 1)
	go func() { done <- h.Serve(context.Background()) }()

	var captured transport.Transport
	select {
	case captured = <-trCh:
	case <-time.After(2 * time.Second):
		t.Fatalf("rpc server never connected")
	}

	var notifications atomic.Int32
	captured.OnClose(func() { notifications.Add(1) })

	_ = pw.Close()
	if err := <-done; err != nil {
		t.Fatalf("serve: %v", err)
	}

	if err := captured.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := captured.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if got := notifications.Load(); got != 1 {
		t.Fatalf("close notification must fire exactly once, got %d", got)
	}

	if err := captured.Send(context.Background(), &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "x"}); err != transport.ErrTransportClosed {
		t.Fatalf("send after close: want ErrTransportClosed got %v", err)
	}
}

func TestServeOnlyOnce(t *testing.T) {
	h := stdio.NewHandler(newPingServer(), stdio.WithIO(strings.NewReader(""), io.Discard))
	if err := h.Serve(context.Background()); err != nil {
		t.Fatalf("first serve: %v", err)
	}
	if err := h.Serve(context.Background()); err == nil {
		t.Fatalf("second serve must fail")
	}
}
