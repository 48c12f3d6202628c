// Package messaging implements conversation and message delivery for the
// walkie-talkie client.
//
// It keeps the bounded in-memory conversation cache, the SQLite store it
// shields, and the WebSocket transport isolated from each other so the
// store remains the source of truth for message history.
package messaging
