// Package ssepush implements the legacy push-stream transport: a
// one-directional server-sent-events channel established by a GET, with
// client-to-server frames arriving over a separate message POST endpoint.
// It predates the session-stream transport and is retained for backward
// compatibility with older clients; new integrations should use
// streaminghttp, which is bidirectional and resumable.
package ssepush
