// Package audit records connection lifecycle and failure events keyed by
// correlation id.
//
// Sinks:
//   - SlogLogger writes each event as a structured log line
//   - Store batches events into a PostgreSQL table
//
// Recording never blocks the caller on I/O. The Store drops events when its
// buffer is full and counts the drops.
package audit
