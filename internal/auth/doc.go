// Package auth validates WebSocket handshakes before any registry mutation.
//
// A Gate checks, in order, the offered subprotocols, the identity claim
// (through an IdentityProvider) and the user's connection count. Each failure
// wraps a distinct model error so the transport can pick the close code.
// The count check is advisory: the Registry enforces the cap atomically.
package auth
