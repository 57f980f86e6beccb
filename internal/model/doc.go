// Package model defines the wire and event types shared across the realtime gateway.
//
// Conventions:
//   - Frames are JSON objects: inbound {"type","data","message_id"}, outbound {"type","message_id","data"}
//   - Group names are "<kind>:<id>" (e.g. "proposal:123")
//   - Timestamps on the wire are int64 milliseconds since Unix epoch
//   - Errors are classified by the sentinels in errors.go and reported with a stable code
package model
