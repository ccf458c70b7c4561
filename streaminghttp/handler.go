package streaminghttp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/elnormous/contenttype"
	"github.com/google/uuid"

	"github.com/rpckit/sessiongate/eventlog"
	"github.com/rpckit/sessiongate/internal/logctx"
	"github.com/rpckit/sessiongate/internal/registry"
	"github.com/rpckit/sessiongate/jsonrpc"
	"github.com/rpckit/sessiongate/rpcserver"
	"github.com/rpckit/sessiongate/ssepush"
)

var _ http.Handler = (*Handler)(nil)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

const (
	// Use canonical header names for clarity; Go matches headers case-insensitively.
	lastEventIDHeader = "Last-Event-ID"
	sessionIDHeader   = "Mcp-Session-Id"

	invalidSessionMessage = "Bad Request: No valid session ID provided"
	internalErrorMessage  = "Internal server error"
	invalidSessionText    = "Invalid or missing session ID"
)

// writeProtocolError emits a JSON-RPC error envelope for HTTP-layer
// rejections: {"jsonrpc":"2.0","error":{...},"id":null}. Safe to call only
// before the status line is written.
func writeProtocolError(w http.ResponseWriter, status int, code jsonrpc.ErrorCode, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(jsonrpc.NewErrorResponse(nil, code, msg))
}

// Option configures the Handler.
type Option func(*newConfig)

type newConfig struct {
	serverName   string
	logger       *slog.Logger
	endpointPath string
	jsonResponse bool
	legacy       bool
	closeTimeout time.Duration
	newEventLog  func(sessionID string) eventlog.Log
}

// WithServerName sets the human-readable name surfaced by the readiness
// banner.
func WithServerName(name string) Option {
	return func(c *newConfig) { c.serverName = name }
}

// WithLogger sets the slog logger used by the handler. If not provided, logs
// are discarded.
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithEndpointPath overrides the session endpoint path. Defaults to "/mcp".
func WithEndpointPath(path string) Option {
	return func(c *newConfig) { c.endpointPath = path }
}

// WithJSONResponseMode makes every session answer request POSTs with a
// single synchronous JSON body instead of an SSE stream.
func WithJSONResponseMode(enabled bool) Option {
	return func(c *newConfig) { c.jsonResponse = enabled }
}

// WithLegacyEndpoints mounts the backward-compatible push-stream surface:
// GET /sse establishes a one-directional stream and POST /messages carries
// client frames in. Legacy sessions share the registry with session-stream
// sessions.
func WithLegacyEndpoints() Option {
	return func(c *newConfig) { c.legacy = true }
}

// WithCloseTimeout bounds how long Shutdown waits for any single session's
// close before moving on. Defaults to 5s.
func WithCloseTimeout(d time.Duration) Option {
	return func(c *newConfig) {
		if d > 0 {
			c.closeTimeout = d
		}
	}
}

// WithEventLogProvider supplies the per-session outbound history backend.
// The default is a bounded in-memory ring per session.
func WithEventLogProvider(fn func(sessionID string) eventlog.Log) Option {
	return func(c *newConfig) { c.newEventLog = fn }
}

const (
	defaultEndpointPath = "/mcp"
	legacySSEPath       = "/sse"
	legacyMessagePath   = "/messages"
)

// Handler is the request router for the session-stream transport. It owns
// the session registry: sessions are created only here, and removed only
// through transport close notifications, so a session can never be looked up
// after its transport closed.
type Handler struct {
	mux          *http.ServeMux
	log          *slog.Logger
	srv          rpcserver.Server
	reg          *registry.Registry
	serverName   string
	endpointPath string
	jsonResponse bool
	closeTimeout time.Duration
	newEventLog  func(sessionID string) eventlog.Log
}

// New constructs a Handler serving srv over the session-stream endpoint.
func New(srv rpcserver.Server, opts ...Option) (*Handler, error) {
	if srv == nil {
		return nil, fmt.Errorf("rpc server is required")
	}

	cfg := &newConfig{
		serverName:   "sessiongate",
		logger:       slog.New(slog.DiscardHandler),
		endpointPath: defaultEndpointPath,
		closeTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	h := &Handler{
		log:          slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		srv:          srv,
		reg:          registry.New(),
		serverName:   cfg.serverName,
		endpointPath: cfg.endpointPath,
		jsonResponse: cfg.jsonResponse,
		closeTimeout: cfg.closeTimeout,
		newEventLog:  cfg.newEventLog,
	}

	mux := http.NewServeMux()
	mux.HandleFunc(fmt.Sprintf("POST %s", h.endpointPath), h.handlePost)
	mux.HandleFunc(fmt.Sprintf("GET %s", h.endpointPath), h.handleGet)
	mux.HandleFunc(fmt.Sprintf("DELETE %s", h.endpointPath), h.handleDelete)
	mux.HandleFunc(fmt.Sprintf("OPTIONS %s", h.endpointPath), h.handleOptions)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
	mux.HandleFunc("GET /{$}", h.handleRoot)
	if cfg.legacy {
		mux.HandleFunc(fmt.Sprintf("GET %s", legacySSEPath), h.handleLegacySSE)
		mux.HandleFunc(fmt.Sprintf("POST %s", legacyMessagePath), h.handleLegacyMessage)
	}
	h.mux = mux
	return h, nil
}

// statusWriter tracks whether the status line has been written so the
// recovery path knows whether it may still shape the response.
type statusWriter struct {
	http.ResponseWriter
	wroteHeader bool
}

func (w *statusWriter) WriteHeader(status int) {
	w.wroteHeader = true
	w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Write(p []byte) (int, error) {
	w.wroteHeader = true
	return w.ResponseWriter.Write(p)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := logctx.WithRequestData(r.Context(), &logctx.RequestData{
		RequestID:  uuid.NewString(),
		Method:     r.Method,
		RemoteAddr: r.RemoteAddr,
		Path:       r.URL.Path,
	})

	// The observability sink: every inbound call is recorded before
	// dispatch. slog never fails the request.
	h.log.InfoContext(ctx, "http.request")

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Expose-Headers", sessionIDHeader)

	sw := &statusWriter{ResponseWriter: w}
	defer func() {
		if rec := recover(); rec != nil {
			if !sw.wroteHeader {
				writeProtocolError(sw, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
			}
			h.log.ErrorContext(ctx, "http.handler.panic", slog.Any("panic", rec))
		}
	}()

	h.mux.ServeHTTP(sw, r.WithContext(ctx))
}

// handlePost serves the session endpoint's POST surface: frame forwarding
// for known sessions and session creation for initialize requests.
func (h *Handler) handlePost(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	ctype, err := contenttype.GetMediaType(r)
	if err != nil || !ctype.Matches(jsonMediaType) {
		writeProtocolError(w, http.StatusUnsupportedMediaType, jsonrpc.ErrorCodeInvalidRequest, "Content-Type must be application/json")
		h.log.WarnContext(ctx, "content_type.unsupported")
		return
	}

	var raw json.RawMessage
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON body")
		h.log.WarnContext(ctx, "json.decode.fail", slog.String("err", err.Error()))
		return
	}
	if len(raw) > 0 && raw[0] == '[' {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidRequest, "JSON-RPC batch arrays are not supported")
		h.log.WarnContext(ctx, "jsonrpc.batch.forbidden")
		return
	}

	var msg jsonrpc.AnyMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeParseError, "invalid JSON-RPC message: "+err.Error())
		h.log.WarnContext(ctx, "jsonrpc.message.invalid", slog.String("err", err.Error()))
		return
	}

	ctx = logctx.WithRPCMessage(ctx, &logctx.RPCMessage{
		Method: msg.Method,
		ID:     msg.ID.String(),
		Type:   msg.Type(),
	})
	r = r.WithContext(ctx)

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		if !msg.IsInitialize() {
			writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, invalidSessionMessage)
			h.log.InfoContext(ctx, "session.initialize.invalid")
			return
		}
		h.initializeSession(w, r, &msg, start)
		return
	}

	t, ok := h.reg.Get(sessID)
	if !ok {
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, invalidSessionMessage)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}

	st, ok := t.(*SessionTransport)
	if !ok {
		// A legacy push-stream session: its inbound path is the message
		// endpoint, not the session endpoint.
		writeProtocolError(w, http.StatusBadRequest, jsonrpc.ErrorCodeInvalidSession, invalidSessionMessage)
		h.log.WarnContext(ctx, "session.transport.mismatch")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: "session-stream"})
	r = r.WithContext(ctx)

	if msg.IsInitialize() {
		writeProtocolError(w, http.StatusConflict, jsonrpc.ErrorCodeInvalidRequest, "session already initialized")
		h.log.WarnContext(ctx, "session.initialize.redundant")
		return
	}

	st.HandlePost(w, r, &msg)
	h.log.InfoContext(ctx, "http.post.ok", slog.Duration("dur", time.Since(start)))
}

// initializeSession creates a session for a valid initialize request with no
// session header: mint an ID, bind a fresh transport to a new RPC server
// connection, register it, then forward the initializing payload. A connect
// failure aborts the request and leaves nothing registered.
func (h *Handler) initializeSession(w http.ResponseWriter, r *http.Request, msg *jsonrpc.AnyMessage, start time.Time) {
	ctx := r.Context()

	id := uuid.NewString()
	topts := []TransportOption{
		WithSessionID(id),
		WithTransportLogger(h.log),
		WithJSONResponse(h.jsonResponse),
	}
	if h.newEventLog != nil {
		topts = append(topts, WithEventLog(h.newEventLog(id)))
	}
	st := NewSessionTransport(topts...)

	if err := h.srv.Connect(ctx, st); err != nil {
		_ = st.Close()
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
		h.log.ErrorContext(ctx, "transport.connect.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.reg.Create(id, st); err != nil {
		// Duplicate uuid collision should not occur under correct dispatch.
		_ = st.Close()
		writeProtocolError(w, http.StatusInternalServerError, jsonrpc.ErrorCodeInternalError, internalErrorMessage)
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}
	st.OnClose(func() {
		h.reg.Remove(id)
		h.log.Info("session.closed", slog.String("session_id", id))
	})

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: id, Transport: "session-stream"})
	r = r.WithContext(ctx)

	w.Header().Set(sessionIDHeader, id)
	st.HandlePost(w, r, msg)
	h.log.InfoContext(ctx, "session.initialize.ok", slog.Duration("dur", time.Since(start)))
}

// handleGet attaches the standalone push stream of an established session.
func (h *Handler) handleGet(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.get.unsupported_media_type")
		return
	}

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.id.missing")
		return
	}

	t, ok := h.reg.Get(sessID)
	if !ok {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	st, ok := t.(*SessionTransport)
	if !ok {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.transport.mismatch")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID, Transport: "session-stream"})
	r = r.WithContext(ctx)

	st.HandleStream(w, r, r.Header.Get(lastEventIDHeader))
	h.log.InfoContext(ctx, "sse.stream.done", slog.Duration("dur", time.Since(start)))
}

// handleDelete terminates an established session. The registry mapping is
// dropped by the transport's close notification rather than here, so
// client-initiated disconnects that never send DELETE take the same path.
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()

	sessID := r.Header.Get(sessionIDHeader)
	if sessID == "" {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.WarnContext(ctx, "delete.missing_session_id")
		return
	}

	t, ok := h.reg.Get(sessID)
	if !ok {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.delete.miss")
		return
	}

	ctx = logctx.WithSessionData(ctx, &logctx.SessionData{SessionID: sessID})

	if err := t.Close(); err != nil {
		http.Error(w, internalErrorMessage, http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "session.delete.fail", slog.String("err", err.Error()))
		return
	}

	w.WriteHeader(http.StatusNoContent)
	h.log.InfoContext(ctx, "session.delete.ok", slog.Duration("dur", time.Since(start)))
}

// handleOptions answers CORS preflight for the session endpoint. The policy
// is always permissive and exposes the session-ID header so browser clients
// can read it off the initialize response.
func (h *Handler) handleOptions(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Accept, "+sessionIDHeader+", "+lastEventIDHeader)
	w.Header().Set("Access-Control-Expose-Headers", sessionIDHeader)
	w.Header().Set("Access-Control-Max-Age", "600")
	w.WriteHeader(http.StatusNoContent)
}

// handleHealthz is the liveness probe. It answers independently of session
// state, including during shutdown.
func (h *Handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (h *Handler) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintf(w, "%s: streaming session endpoint at %s\n", h.serverName, h.endpointPath)
}

// handleLegacySSE establishes a backward-compatible push-stream session. The
// response stays open for the stream's lifetime; closure removes the session
// through the same notification path as session-stream transports.
func (h *Handler) handleLegacySSE(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
		w.WriteHeader(http.StatusUnsupportedMediaType)
		h.log.WarnContext(ctx, "http.sse.unsupported_media_type")
		return
	}

	t, err := ssepush.New(w, r, legacyMessagePath, ssepush.WithLogger(h.log))
	if err != nil {
		http.Error(w, internalErrorMessage, http.StatusInternalServerError)
		h.log.ErrorContext(ctx, "ssepush.attach.fail", slog.String("err", err.Error()))
		return
	}

	if err := h.srv.Connect(ctx, t); err != nil {
		_ = t.Close()
		h.log.ErrorContext(ctx, "transport.connect.fail", slog.String("err", err.Error()))
		return
	}
	if err := h.reg.Create(t.SessionID(), t); err != nil {
		_ = t.Close()
		h.log.ErrorContext(ctx, "session.register.fail", slog.String("err", err.Error()))
		return
	}
	id := t.SessionID()
	t.OnClose(func() {
		h.reg.Remove(id)
		h.log.Info("session.closed", slog.String("session_id", id))
	})

	if err := t.Announce(); err != nil {
		_ = t.Close()
		h.log.ErrorContext(ctx, "ssepush.announce.fail", slog.String("err", err.Error()))
		return
	}

	h.log.InfoContext(ctx, "ssepush.stream.start", slog.String("session_id", id))
	t.Wait(ctx)
}

// handleLegacyMessage routes one inbound frame to a push-stream session
// identified by the sessionId query parameter.
func (h *Handler) handleLegacyMessage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()

	sessID := r.URL.Query().Get("sessionId")
	if sessID == "" {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.WarnContext(ctx, "message.session.missing")
		return
	}
	t, ok := h.reg.Get(sessID)
	if !ok {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.InfoContext(ctx, "session.load.miss")
		return
	}
	pt, ok := t.(*ssepush.Transport)
	if !ok {
		http.Error(w, invalidSessionText, http.StatusBadRequest)
		h.log.WarnContext(ctx, "session.transport.mismatch")
		return
	}
	pt.HandleMessage(w, r)
}

// SessionCount reports the number of live sessions. Exposed for tests and
// operational introspection.
func (h *Handler) SessionCount() int { return h.reg.Len() }

// Shutdown is the lifecycle coordinator: it snapshots the registry and
// closes every live session, bounding each close by the configured
// per-session timeout and the whole sweep by ctx. One stuck session cannot
// block shutdown of the others; close errors are logged, never returned
// per-session. The only error returned is ctx expiry with sessions still
// pending.
func (h *Handler) Shutdown(ctx context.Context) error {
	for id, t := range h.reg.All() {
		done := make(chan error, 1)
		go func() { done <- t.Close() }()

		select {
		case err := <-done:
			if err != nil {
				h.log.Error("session.shutdown.close.fail", slog.String("session_id", id), slog.String("err", err.Error()))
			}
		case <-time.After(h.closeTimeout):
			h.log.Error("session.shutdown.close.timeout", slog.String("session_id", id))
		case <-ctx.Done():
			h.log.Error("session.shutdown.deadline", slog.String("session_id", id))
			return ctx.Err()
		}
		h.reg.Remove(id)
	}
	h.log.Info("session.shutdown.complete", slog.Int("remaining", h.reg.Len()))
	return nil
}
