package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/rpckit/sessiongate/eventlog"
	"github.com/rpckit/sessiongate/eventlog/memorylog"
	"github.com/rpckit/sessiongate/internal/sseio"
	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/transport"
)

// streamBacklog bounds undelivered events between the transport and an
// attached push stream. Overflow is dropped; the client recovers on
// reconnect via Last-Event-ID replay.
const streamBacklog = 64

type streamEvent struct {
	id   string
	data []byte
}

// SessionTransport is one session-stream channel: the bidirectional,
// resumable transport multiplexed over POST/GET/DELETE exchanges on the
// shared endpoint. It implements transport.Transport toward the RPC server;
// the Handler feeds HTTP exchanges into it.
type SessionTransport struct {
	sessionID string
	log       *slog.Logger
	history   eventlog.Log
	jsonMode  bool

	mu      sync.Mutex
	h       transport.MessageHandler
	pending map[string]chan *jsonrpc.AnyMessage
	stream  chan streamEvent
	closed  bool
	onClose []func()
	done    chan struct{}
}

var _ transport.Transport = (*SessionTransport)(nil)

// TransportOption customizes a SessionTransport.
type TransportOption func(*SessionTransport)

// WithSessionID supplies the session identifier instead of generating one.
func WithSessionID(id string) TransportOption {
	return func(t *SessionTransport) {
		if id != "" {
			t.sessionID = id
		}
	}
}

// WithTransportLogger overrides the transport's logger.
func WithTransportLogger(l *slog.Logger) TransportOption {
	return func(t *SessionTransport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithEventLog sets the outbound history backing Last-Event-ID resumption.
// Defaults to a bounded in-memory ring.
func WithEventLog(l eventlog.Log) TransportOption {
	return func(t *SessionTransport) {
		if l != nil {
			t.history = l
		}
	}
}

// WithJSONResponse selects the synchronous response mode: a request POST
// yields a single application/json body instead of an SSE stream.
func WithJSONResponse(enabled bool) TransportOption {
	return func(t *SessionTransport) { t.jsonMode = enabled }
}

// NewSessionTransport constructs a session transport, generating a session
// ID when none is supplied.
func NewSessionTransport(opts ...TransportOption) *SessionTransport {
	t := &SessionTransport{
		sessionID: uuid.NewString(),
		log:       slog.New(slog.DiscardHandler),
		pending:   make(map[string]chan *jsonrpc.AnyMessage),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.history == nil {
		t.history = memorylog.New(0)
	}
	return t
}

func (t *SessionTransport) SessionID() string { return t.sessionID }

func (t *SessionTransport) SetHandler(h transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

func (t *SessionTransport) handler() (transport.MessageHandler, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h, t.closed
}

// Send emits one outbound frame. Responses correlated to an in-flight POST
// are delivered on that exchange and bypass the event history: once flushed
// they either reach the client or are lost with the exchange, which the
// client observes as a failed call. Everything else is appended to the
// history and pushed to the standalone stream when one is attached.
func (t *SessionTransport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	if res := msg.AsResponse(); res != nil && !res.ID.IsNil() {
		t.mu.Lock()
		if t.closed {
			t.mu.Unlock()
			return transport.ErrTransportClosed
		}
		if ch, ok := t.pending[res.ID.String()]; ok {
			delete(t.pending, res.ID.String())
			t.mu.Unlock()
			select {
			case ch <- msg:
			default:
			}
			return nil
		}
		t.mu.Unlock()
		// Uncorrelated response: fall through to the push stream.
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return transport.ErrTransportClosed
	}
	evID, err := t.history.Append(ctx, b)
	if err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if t.stream != nil {
		select {
		case t.stream <- streamEvent{id: evID, data: b}:
		default:
			t.log.WarnContext(ctx, "stream.backlog.drop", slog.String("event_id", evID))
		}
	}
	return nil
}

// HandlePost serves one POST exchange already routed to this session.
// Notifications and client responses are dispatched and acknowledged with
// 202. Requests are dispatched and the exchange is held open until the
// correlated response arrives, then answered as a single JSON body or a
// one-event SSE stream depending on the configured response mode.
func (t *SessionTransport) HandlePost(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage) {
	ctx := r.Context()

	h, closed := t.handler()
	if closed || h == nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, invalidSessionMessage)
		return
	}

	req := msg.AsRequest()
	if req == nil || req.ID.IsNil() {
		if err := h(ctx, msg); err != nil {
			t.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
			writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
			return
		}
		w.WriteHeader(http.StatusAccepted)
		return
	}

	rid := req.ID.String()
	ch := make(chan *jsonrpc.AnyMessage, 1)
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, invalidSessionMessage)
		return
	}
	t.pending[rid] = ch
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, rid)
		t.mu.Unlock()
	}()

	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				t.log.ErrorContext(ctx, "rpc.dispatch.panic", slog.Any("panic", rec))
				t.failPending(req.ID, ch)
			}
		}()
		if err := h(ctx, msg); err != nil {
			t.log.ErrorContext(ctx, "rpc.dispatch.fail", slog.String("err", err.Error()))
			t.failPending(req.ID, ch)
		}
	}()

	if t.jsonMode {
		select {
		case res := <-ch:
			w.Header().Set("Content-Type", jsonMediaType.String())
			w.WriteHeader(http.StatusOK)
			if err := json.NewEncoder(w).Encode(res); err != nil {
				t.log.ErrorContext(ctx, "rpc.response.write.fail", slog.String("err", err.Error()))
			}
		case <-ctx.Done():
		case <-t.done:
			writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
		}
		return
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			w.WriteHeader(http.StatusUnsupportedMediaType)
			t.log.WarnContext(ctx, "accept.unsupported", slog.String("accept", acc))
			return
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	sseio.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	wf := sseio.NewWriteFlusher(ctx, w, f)
	wf.Flush()

	select {
	case res := <-ch:
		b, err := json.Marshal(res)
		if err != nil {
			t.log.ErrorContext(ctx, "rpc.response.marshal.fail", slog.String("err", err.Error()))
			return
		}
		if err := sseio.WriteEvent(wf, "", "", b); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
		}
	case <-ctx.Done():
	case <-t.done:
	}
}

// failPending injects a generic internal-error response for an in-flight
// request whose dispatch failed before the server could answer.
func (t *SessionTransport) failPending(id *jsonrpc.RequestID, ch chan *jsonrpc.AnyMessage) {
	res := jsonrpc.NewErrorResponse(id, jsonrpc.ErrorCodeInternalError, "internal server error")
	select {
	case ch <- &jsonrpc.AnyMessage{JSONRPCVersion: res.JSONRPCVersion, Error: res.Error, ID: res.ID}:
	default:
	}
}

// HandleStream attaches the standalone push stream to an in-flight GET
// exchange. At most one stream may be attached at a time. When lastEventID
// is set, missed history is replayed before live delivery begins; the replay
// snapshot and the live attach happen under one lock so no event is lost or
// duplicated between them.
func (t *SessionTransport) HandleStream(w http.ResponseWriter, r *http.Request, lastEventID string) {
	ctx := r.Context()

	f, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		t.log.ErrorContext(ctx, "sse.flusher.missing")
		return
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		return
	}
	if t.stream != nil {
		t.mu.Unlock()
		http.Error(w, "push stream already attached", http.StatusConflict)
		t.log.WarnContext(ctx, "sse.stream.conflict")
		return
	}
	var replay []streamEvent
	if lastEventID != "" {
		err := t.history.Replay(ctx, lastEventID, func(_ context.Context, evt eventlog.Event) error {
			replay = append(replay, streamEvent{id: evt.ID, data: evt.Data})
			return nil
		})
		if err != nil {
			t.log.WarnContext(ctx, "sse.replay.fail", slog.String("err", err.Error()))
			replay = nil
		}
	}
	ch := make(chan streamEvent, streamBacklog)
	t.stream = ch
	t.mu.Unlock()

	defer func() {
		t.mu.Lock()
		if t.stream == ch {
			t.stream = nil
		}
		t.mu.Unlock()
	}()

	sseio.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	wf := sseio.NewWriteFlusher(ctx, w, f)
	wf.Flush()

	t.log.InfoContext(ctx, "sse.stream.start", slog.String("last_event_id", lastEventID))

	for _, evt := range replay {
		if err := sseio.WriteEvent(wf, "", evt.id, evt.data); err != nil {
			t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			return
		}
	}

	for {
		select {
		case <-ctx.Done():
			t.log.InfoContext(ctx, "sse.stream.end")
			return
		case <-t.done:
			t.log.InfoContext(ctx, "sse.stream.closed")
			return
		case evt := <-ch:
			if err := sseio.WriteEvent(wf, "", evt.id, evt.data); err != nil {
				t.log.ErrorContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
				return
			}
		}
	}
}

// Close tears the session down: in-flight exchanges observe the done channel
// and unwind, the history is released, and close callbacks fire exactly
// once. Closing twice is a no-op.
func (t *SessionTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	close(t.done)
	cbs := t.onClose
	t.onClose = nil
	hist := t.history
	t.mu.Unlock()

	if hist != nil {
		if err := hist.Close(); err != nil {
			t.log.Warn("eventlog.close.fail", slog.String("err", err.Error()))
		}
	}
	for _, fn := range cbs {
		fn()
	}
	return nil
}

func (t *SessionTransport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}
