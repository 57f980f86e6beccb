// Package registry implements the Connection Registry, the single source of
// truth for live connections.
//
// The Registry:
//   - Admits connections with an atomic per-user cap check
//   - Tracks each connection's activity and group subscriptions
//   - Removes connections idempotently, detaching them from every group
//   - Sweeps connections idle longer than the connection timeout
//
// Connections are sharded by connection ID and per-user indexes by user ID;
// each shard has its own lock. Lock order is user shard, then connection
// shard, then the connection itself.
package registry
