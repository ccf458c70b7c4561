// Package streaminghttp implements the session-multiplexed streaming
// transport: it turns one stateless HTTP endpoint into a set of long-lived,
// independently addressable, resumable duplex sessions, each bound to one
// RPC server connection.
//
// The Handler routes every inbound call by method and session-ID header.
// POST carries client frames in (and, for requests, the response back out,
// either as a single JSON body or as an SSE stream). GET attaches the
// session's standalone push stream, resumable via Last-Event-ID. DELETE
// terminates the session. The Handler owns the session registry and is its
// only mutator; transports remove themselves through close notifications.
package streaminghttp
