// Package connection is the WebSocket transport used by gateway sessions.
//
// A Conn wraps a gorilla/websocket connection with:
//   - Serialized writes with per-write deadlines
//   - Server-initiated pings and pong-driven read deadlines
//   - A close path that sends a close frame with an application code
//
// The same type is used on the client side by Dial, which the probe tool and
// tests rely on.
package connection
