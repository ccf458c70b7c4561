package stdio

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"

	"github.com/google/uuid"

	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/rpcserver"
	"github.com/rpckit/sessiongate/transport"
)

// maxFrameSize bounds one newline-delimited frame. Frames beyond this abort
// the read loop rather than silently truncating.
const maxFrameSize = 4 * 1024 * 1024

// Handler is the single-connection pipe transport host. It reads JSON-RPC
// frames from an io.Reader and writes outbound frames to an io.Writer, one
// frame per line. By default it uses os.Stdin and os.Stdout.
type Handler struct {
	r   io.Reader
	w   io.Writer
	log *slog.Logger
	srv rpcserver.Server

	serveOnce sync.Once
}

// NewHandler constructs a pipe Handler bound to srv and applies options.
func NewHandler(srv rpcserver.Server, opts ...Option) *Handler {
	h := &Handler{
		r:   os.Stdin,
		w:   os.Stdout,
		log: slog.New(slog.DiscardHandler),
		srv: srv,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve binds the RPC server to a fresh pipe transport and runs the read
// loop until EOF, a read error, or context cancellation. It is safe to call
// at most once per Handler. Inbound frames are dispatched sequentially, so
// per-session ordering holds by construction.
func (h *Handler) Serve(ctx context.Context) error {
	var started bool
	h.serveOnce.Do(func() { started = true })
	if !started {
		return errors.New("stdio: Serve called more than once")
	}

	t := newPipeTransport(h.w, h.log)
	defer t.Close()

	if err := h.srv.Connect(ctx, t); err != nil {
		return fmt.Errorf("rpc server connect: %w", err)
	}
	if t.handler() == nil {
		return errors.New("stdio: rpc server installed no message handler")
	}

	h.log.InfoContext(ctx, "stdio.serve.start", slog.String("session_id", t.SessionID()))

	// Cancel unblocks nothing here (reads are blocking), but closing the
	// transport on ctx.Done lets Send callers observe shutdown promptly.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = t.Close()
		case <-stop:
		}
	}()

	scanner := bufio.NewScanner(h.r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)

	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var msg jsonrpc.AnyMessage
		if err := json.Unmarshal(line, &msg); err != nil {
			h.log.WarnContext(ctx, "stdio.frame.invalid", slog.String("err", err.Error()))
			res := jsonrpc.NewErrorResponse(nil, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC frame")
			if sendErr := t.sendResponse(ctx, res); sendErr != nil {
				return sendErr
			}
			continue
		}

		if err := t.dispatch(ctx, &msg); err != nil {
			h.log.ErrorContext(ctx, "stdio.dispatch.fail", slog.String("err", err.Error()))
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		return fmt.Errorf("stdio read: %w", err)
	}
	h.log.InfoContext(ctx, "stdio.serve.end")
	return nil
}

// pipeTransport is the transport.Transport bound to the pipe. Outbound
// frames are serialized by a write mutex; inbound frames arrive via the
// Serve loop.
type pipeTransport struct {
	sessionID string
	log       *slog.Logger

	writeMu sync.Mutex
	w       io.Writer

	mu      sync.Mutex
	h       transport.MessageHandler
	closed  bool
	onClose []func()
}

var _ transport.Transport = (*pipeTransport)(nil)

func newPipeTransport(w io.Writer, log *slog.Logger) *pipeTransport {
	return &pipeTransport{sessionID: uuid.NewString(), w: w, log: log}
}

func (t *pipeTransport) SessionID() string { return t.sessionID }

func (t *pipeTransport) SetHandler(h transport.MessageHandler) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.h = h
}

func (t *pipeTransport) handler() transport.MessageHandler {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.h
}

func (t *pipeTransport) dispatch(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	h := t.handler()
	if h == nil {
		return errors.New("no message handler installed")
	}
	return h(ctx, msg)
}

func (t *pipeTransport) Send(ctx context.Context, msg *jsonrpc.AnyMessage) error {
	b, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}
	return t.writeFrame(ctx, b)
}

func (t *pipeTransport) sendResponse(ctx context.Context, res *jsonrpc.Response) error {
	b, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	return t.writeFrame(ctx, b)
}

func (t *pipeTransport) writeFrame(ctx context.Context, b []byte) error {
	t.mu.Lock()
	closed := t.closed
	t.mu.Unlock()
	if closed {
		return transport.ErrTransportClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := t.w.Write(append(b, '\n')); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (t *pipeTransport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	cbs := t.onClose
	t.onClose = nil
	t.mu.Unlock()

	for _, fn := range cbs {
		fn()
	}
	return nil
}

func (t *pipeTransport) OnClose(fn func()) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		fn()
		return
	}
	t.onClose = append(t.onClose, fn)
	t.mu.Unlock()
}
