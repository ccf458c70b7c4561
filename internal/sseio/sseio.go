// Package sseio holds the server-sent-events plumbing shared by the
// streaming HTTP transport and the legacy push-stream transport: a
// write-flusher that serializes concurrent writers and refuses to write
// after cancellation, and the SSE frame encoder.
package sseio

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
)

// WriteFlusher wraps an io.Writer + http.Flusher with a mutex and an
// optional context. It serializes concurrent writes/flushes and avoids
// writing after ctx is canceled.
type WriteFlusher struct {
	io.Writer
	http.Flusher
	mu  sync.Mutex
	ctx context.Context
}

func NewWriteFlusher(ctx context.Context, w io.Writer, f http.Flusher) *WriteFlusher {
	return &WriteFlusher{Writer: w, Flusher: f, ctx: ctx}
}

func (l *WriteFlusher) Write(p []byte) (int, error) {
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	// Re-check after acquiring the lock to minimize races with cancellation
	if l.ctx != nil && l.ctx.Err() != nil {
		return 0, l.ctx.Err()
	}
	return l.Writer.Write(p)
}

func (l *WriteFlusher) Flush() {
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.ctx != nil && l.ctx.Err() != nil {
		return
	}
	l.Flusher.Flush()
}

// WriteEvent writes one SSE frame and flushes it. Empty eventType and id
// fields are omitted.
func WriteEvent(wf *WriteFlusher, eventType, id string, payload []byte) error {
	if eventType != "" {
		if _, err := fmt.Fprintf(wf, "event: %s\n", eventType); err != nil {
			return fmt.Errorf("failed to write SSE event type: %w", err)
		}
	}
	if id != "" {
		if _, err := fmt.Fprintf(wf, "id: %s\n", id); err != nil {
			return fmt.Errorf("failed to write SSE event ID: %w", err)
		}
	}
	if _, err := wf.Write([]byte("data: ")); err != nil {
		return fmt.Errorf("failed to write SSE data prefix: %w", err)
	}
	if _, err := wf.Write(payload); err != nil {
		return fmt.Errorf("failed to write SSE payload: %w", err)
	}
	if _, err := wf.Write([]byte("\n\n")); err != nil {
		return fmt.Errorf("failed to write SSE frame terminator: %w", err)
	}
	wf.Flush()
	return nil
}

// SetStreamHeaders applies the response headers every SSE stream in this
// module uses before the status line is written.
func SetStreamHeaders(h http.Header) {
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}
