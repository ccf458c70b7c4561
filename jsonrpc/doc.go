// Package jsonrpc defines the JSON-RPC 2.0 envelope types that all
// transports in this module frame and carry. The transport layer never
// interprets method semantics; it only needs to classify a message as a
// request, notification, or response and to correlate responses by ID.
package jsonrpc
