// Package cache implements the bounded key/value cache of the coordination
// engine.
//
// Entries carry a TTL and access metadata. When an insertion would exceed
// either the entry-count or the aggregate-size limit, entries are evicted one
// at a time according to the configured policy:
//
//   - LRU: oldest last access
//   - LFU: lowest access count
//   - FIFO: oldest insertion
//
// Ties are broken by a monotonic logical sequence so eviction order is
// deterministic even when wall-clock timestamps collide.
//
// Expired entries are removed lazily on access and eagerly by Sweep, which
// Run calls periodically. Export/Import serialize live entries with full
// metadata; Persist/Restore move those snapshots through a storage.KV.
package cache
