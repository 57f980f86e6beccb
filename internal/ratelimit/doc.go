// Package ratelimit implements the per-connection inbound message throttle.
//
// Each connection owns one token Bucket:
//   - Starts full at Capacity tokens
//   - Refills lazily at RefillRate tokens/second, never above Capacity
//   - Every inbound frame (including ping) consumes one token or is rejected
//
// Rejected messages are reported to the sender only; they are never queued or retried.
package ratelimit
