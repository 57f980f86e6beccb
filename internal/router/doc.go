// Package router runs client sessions: it reads frames from one connection,
// dispatches them by type and writes replies and events back.
//
// Each Session owns two goroutines. The read loop processes inbound frames
// strictly in receipt order. The writer drains a bounded outbox so slow
// clients never block broadcasts to other connections.
//
// Session lifecycle:
//
//	CONNECTING -> OPEN -> CLOSING -> CLOSED
//
// A session enters OPEN once the Registry admits it, moves to CLOSING on a
// close frame, a fatal error or shutdown, and ends CLOSED after it has been
// removed from the Registry and its outbox flushed.
package router
