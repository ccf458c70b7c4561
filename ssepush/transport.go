package ssepush

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/rpckit/sessiongate/internal/sseio"
	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/transport"
)

// endpointEvent is the first frame on the push stream. It tells the client
// where to POST its messages, carrying the session ID as a query parameter.
const endpointEvent = "endpoint"

// Transport is one legacy push stream. It implements transport.Transport;
// outbound frames go down the SSE response, inbound frames are fed in by the
// message POST endpoint via HandleMessage.
type Transport struct {
	sessionID   string
	log         *slog.Logger
	messagePath string
	wf          *sseio.WriteFlusher

	mu      sync.Mutex
	h       transport.MessageHandler
	closed  bool
	onClose []func()
	done    chan struct{}
}

var _ transport.Transport = (*Transport)(nil)

// Option customizes a Transport.
type Option func(*Transport)

// WithLogger overrides the logger. By default logs are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) {
		if l != nil {
			t.log = l
		}
	}
}

// WithSessionID supplies the session identifier instead of generating one.
func WithSessionID(id string) Option {
	return func(t *Transport) {
		if id != "" {
			t.sessionID = id
		}
	}
}

// New attaches a push stream to the in-flight GET exchange and commits the
// SSE response headers. The endpoint event is not written until Announce, so
// the caller can finish wiring the session before the client learns where to
// POST. The caller must keep the exchange open until Wait returns.
func New(w http.ResponseWriter, r *http.Request, messagePath string, opts ...Option) (*Transport, error) {
	f, ok := w.(http.Flusher)
	if !ok {
		return nil, errors.New("response writer does not support flushing")
	}

	t := &Transport{
		sessionID:   uuid.NewString(),
		log:         slog.New(slog.DiscardHandler),
		messagePath: messagePath,
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}

	t.wf = sseio.NewWriteFlusher(r.Context(), w, f)

	sseio.SetStreamHeaders(w.Header())
	w.WriteHeader(http.StatusOK)
	t.wf.Flush()

	return t, nil
}

// Announce advertises the message endpoint (messagePath plus the session ID)
// as the first event on the stream. Call it only once the session is ready to
// accept message POSTs.
func (t *Transport) Announce() error {
	endpoint := fmt.Sprintf("%s?sessionId=%s", t.messagePath, t.sessionID)
	if err := sseio.WriteEvent(t.wf, endpointEvent, "", []byte(endpoint)); err != nil {
		return fmt.Errorf("write endpoint event: %w", err)
	}
	return nil
}

func (t *Transport) SessionID() string { return t.sessionID }

func (t *Transport) SetHandler(h transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

// Send pushes one frame to the client. The legacy protocol has no event IDs
// and therefore no resumption: a dropped stream loses its backlog.
func (t *Transport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrTransportClosed
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	if err := sseio.WriteEvent(t.wf, "message", "", b); err != nil {
		return fmt.Errorf("push frame: %w", err)
	}
	return nil
}

// HandleMessage serves one inbound POST on the message endpoint: decode,
// dispatch to the RPC server, acknowledge with 202. Responses travel back
// over the push stream, never the POST exchange.
func (t *Transport) HandleMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	t.mu.Lock()
	h := t.h
	closed := t.closed
	t.mu.Unlock()

	if closed || h == nil {
		http.Error(w, "session closed", http.StatusBadRequest)
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		t.log.WarnContext(ctx, "ssepush.frame.invalid", slog.String("err", err.Error()))
		http.Error(w, "invalid JSON-RPC frame", http.StatusBadRequest)
		return
	}

	if err := h(ctx, &msg); err != nil {
		t.log.ErrorContext(ctx, "ssepush.dispatch.fail", slog.String("err", err.Error()))
		http.Error(w, "failed to dispatch message", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

// Wait blocks until the transport closes or ctx ends. The GET handler calls
// this to hold the response open for the stream's lifetime.
func (t *Transport) Wait(ctx context.Context) {
	select {
	case <-ctx.Done():
		_ = t.Close()
	case <-t.done:
	}
}

func (t *Transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cbs := t.onClose
	t.onClose = nil
	close(t.done)
	t.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
	return nil
}

func (t *Transport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}
