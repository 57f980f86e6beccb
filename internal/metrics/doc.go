// Package metrics provides the gateway metrics sink.
//
// Key metrics:
//   - Connections opened, closed (by reason) and rejected (by cause)
//   - Inbound messages processed (by type and status) and rate limited
//   - Group events published and delivered
//   - Live connection and group gauges
//
// Components depend on the Sink interface; Nop is used when metrics are disabled.
package metrics
