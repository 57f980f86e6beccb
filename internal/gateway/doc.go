// Package gateway assembles a gateway process from configuration.
//
// It owns the HTTP server and wires the pieces together:
//
//	/ws                 -> auth.Gate -> connection.Accept -> router.Open -> Session.Run
//	/health             -> registry, bus and database status
//	/metrics            -> Prometheus exposition (when enabled)
//	/debug/connections  -> live connections per user (when server.debug is set)
//
// Run blocks until its context is cancelled, then drains sessions with
// 1001 going away before closing the bus and the database pool.
package gateway
