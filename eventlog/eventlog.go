// Package eventlog defines the per-session outbound event history that makes
// server-push streams resumable. Every frame delivered on a session's
// standalone stream is appended here with a monotonically ordered ID; a
// client reconnecting with a Last-Event-ID marker replays what it missed
// instead of restarting the stream.
//
// Retention is bounded and best-effort: a log may evict old events, and a
// replay from an evicted marker delivers everything still retained rather
// than failing the reconnect.
package eventlog

import "context"

// Event is one retained outbound frame.
type Event struct {
	// ID orders the event within its log. IDs are opaque to clients but
	// comparable within one log instance.
	ID string
	// Data is the raw JSON-RPC frame.
	Data []byte
}

// ReplayFunc consumes one replayed event. Returning an error stops the
// replay and propagates to the caller.
type ReplayFunc func(ctx context.Context, evt Event) error

// Log is one session's bounded outbound history.
type Log interface {
	// Append retains data and returns its assigned event ID.
	Append(ctx context.Context, data []byte) (string, error)

	// Replay invokes fn for every retained event after afterID, in order.
	// An empty afterID replays nothing: a fresh stream starts live. An
	// evicted or unknown afterID replays all retained events.
	Replay(ctx context.Context, afterID string, fn ReplayFunc) error

	// Close releases the log's resources. Append and Replay fail afterwards.
	Close() error
}
