package streaminghttp_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/streaminghttp"
	"github.com/rpckit/sessiongate/transport"
)

func TestTransportCloseIdempotent(t *testing.T) {
	tr := streaminghttp.NewSessionTransport()

	calls := 0
	tr.OnClose(func() { calls++ })

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := tr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if calls != 1 {
		t.Fatalf("close notification fired %d times", calls)
	}

	// Registering after close fires immediately.
	late := 0
	tr.OnClose(func() { late++ })
	if late != 1 {
		t.Fatalf("late callback fired %d times", late)
	}
}

func TestTransportSendAfterClose(t *testing.T) {
	tr := streaminghttp.NewSessionTransport()
	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	note := &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "notify"}
	if err := tr.Send(context.Background(), note); err != transport.ErrTransportClosed {
		t.Fatalf("send after close: want ErrTransportClosed got %v", err)
	}
}

func TestTransportCorrelatesResponseToPost(t *testing.T) {
	tr := streaminghttp.NewSessionTransport(streaminghttp.WithJSONResponse(true))

	// A handler that answers every request in-band, like a connected server.
	tr.SetHandler(func(ctx context.Context, msg *jsonrpc.AnyMessage) error {
		res, err := jsonrpc.NewResultResponse(msg.ID, map[string]string{"ok": "yes"})
		if err != nil {
			return err
		}
		return tr.Send(ctx, &jsonrpc.AnyMessage{
			JSONRPCVersion: res.JSONRPCVersion,
			Result:         res.Result,
			ID:             res.ID,
		})
	})

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","id":7}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	tr.HandlePost(rec, req, &msg)

	if rec.Code != http.StatusOK {
		t.Fatalf("status: want 200 got %d", rec.Code)
	}
	var res jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.ID.String() != "7" || !strings.Contains(string(res.Result), `"ok"`) {
		t.Fatalf("unexpected response: %s", rec.Body.String())
	}
}

func TestTransportHandlerErrorYieldsErrorResponse(t *testing.T) {
	tr := streaminghttp.NewSessionTransport(streaminghttp.WithJSONResponse(true))
	tr.SetHandler(func(ctx context.Context, msg *jsonrpc.AnyMessage) error {
		return context.DeadlineExceeded
	})

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal([]byte(`{"jsonrpc":"2.0","method":"ping","id":1}`), &msg); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/mcp", nil)
	tr.HandlePost(rec, req, &msg)

	var res jsonrpc.Response
	if err := json.Unmarshal(rec.Body.Bytes(), &res); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if res.Error == nil || res.Error.Code != jsonrpc.ErrorCodeInternalError {
		t.Fatalf("want internal error response, got %s", rec.Body.String())
	}
	if res.ID.String() != "1" {
		t.Fatalf("error response must carry the request id, got %s", rec.Body.String())
	}
}

// streamRecorder is a flushable ResponseWriter that hands each write to the
// test over a channel, so stream output can be read without racing the
// handler goroutine.
type streamRecorder struct {
	header http.Header
	status int
	writes chan []byte
}

func newStreamRecorder() *streamRecorder {
	return &streamRecorder{header: make(http.Header), writes: make(chan []byte, 256)}
}

func (r *streamRecorder) Header() http.Header { return r.header }
func (r *streamRecorder) WriteHeader(s int)   { r.status = s }
func (r *streamRecorder) Flush()              {}

func (r *streamRecorder) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	r.writes <- b
	return len(p), nil
}

func (r *streamRecorder) readUntil(t *testing.T, substr string) string {
	t.Helper()
	var sb strings.Builder
	deadline := time.After(2 * time.Second)
	for {
		select {
		case b := <-r.writes:
			sb.Write(b)
			if strings.Contains(sb.String(), substr) {
				return sb.String()
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %q, got %q", substr, sb.String())
		}
	}
}

func TestTransportReplaysHistory(t *testing.T) {
	tr := streaminghttp.NewSessionTransport()

	for _, method := range []string{"a", "b", "c"} {
		note := &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: method}
		if err := tr.Send(context.Background(), note); err != nil {
			t.Fatalf("send %s: %v", method, err)
		}
	}

	rec := newStreamRecorder()
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.HandleStream(rec, req, "1")
	}()

	body := rec.readUntil(t, `"method":"c"`)
	if strings.Contains(body, `"method":"a"`) {
		t.Fatalf("event before the marker must not replay: %q", body)
	}
	if !strings.Contains(body, `"method":"b"`) {
		t.Fatalf("missing replayed event in %q", body)
	}

	// A frame sent while the stream is live is delivered on it.
	note := &jsonrpc.AnyMessage{JSONRPCVersion: jsonrpc.ProtocolVersion, Method: "live"}
	if err := tr.Send(context.Background(), note); err != nil {
		t.Fatalf("send live: %v", err)
	}
	rec.readUntil(t, `"method":"live"`)

	if err := tr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	<-done
	if rec.status != http.StatusOK {
		t.Fatalf("stream status: want 200 got %d", rec.status)
	}
}
