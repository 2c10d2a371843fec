// Package storage defines the durable key/value port consumed by the
// coordination engine and the adapters behind it.
//
// The engine never assumes a storage technology. It persists job queues and
// cache snapshots as opaque strings through KV:
//
//	Get(ctx, key)        -> value, found, error
//	Set(ctx, key, value) -> error
//	Remove(ctx, key)     -> error
//
// # Adapters
//
//   - Memory: map-backed, for tests and ephemeral runs
//   - SQLite: single-table store on github.com/mattn/go-sqlite3
//
// # SQLite Configuration
//
//   - WAL mode: Concurrent reads during writes
//   - synchronous=NORMAL: Balance durability/performance
//   - busy_timeout=5000: Wait for locks up to 5 seconds
package storage
