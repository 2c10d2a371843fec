package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/roach88/machinist/internal/clock"
	"github.com/roach88/machinist/internal/storage"
)

// Snapshot is the serialized form of the cache.
// Timestamps are epoch milliseconds; an expiry of 0 never expires.
type Snapshot struct {
	Timestamp int64           `json:"timestamp"`
	Entries   []SnapshotEntry `json:"entries"`
	Metrics   Metrics         `json:"metrics"`
	Config    SnapshotConfig  `json:"config"`
}

// SnapshotEntry is one serialized cache entry.
type SnapshotEntry struct {
	Key         string `json:"key"`
	Data        any    `json:"data"`
	Timestamp   int64  `json:"timestamp"`
	Expiry      int64  `json:"expiry"`
	AccessCount int64  `json:"accessCount"`
	LastAccess  int64  `json:"lastAccess"`
	Size        int64  `json:"size"`
}

// SnapshotConfig records the limits in effect when the snapshot was taken.
type SnapshotConfig struct {
	MaxEntries int    `json:"maxEntries"`
	MaxSize    int64  `json:"maxSize"`
	MaxAgeMS   int64  `json:"maxAge"`
	Policy     Policy `json:"policy"`
}

// ImportResult reports the outcome of an Import.
type ImportResult struct {
	Imported int `json:"imported"`
	Skipped  int `json:"skipped"`
}

// Snapshot captures every live, unexpired entry in insertion order.
func (m *Manager) Snapshot() Snapshot {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	snap := Snapshot{
		Timestamp: clock.UnixMilli(now),
		Entries:   make([]SnapshotEntry, 0, len(m.entries)),
		Metrics:   m.metricsLocked(),
		Config: SnapshotConfig{
			MaxEntries: m.cfg.MaxEntries,
			MaxSize:    m.cfg.MaxSize,
			MaxAgeMS:   m.cfg.MaxAge.Milliseconds(),
			Policy:     m.cfg.Policy,
		},
	}
	for _, key := range m.keysByInsertionLocked() {
		e := m.entries[key]
		if e.expired(now) {
			continue
		}
		snap.Entries = append(snap.Entries, SnapshotEntry{
			Key:         key,
			Data:        e.Data,
			Timestamp:   clock.UnixMilli(e.Timestamp),
			Expiry:      clock.UnixMilli(e.Expiry),
			AccessCount: e.AccessCount,
			LastAccess:  clock.UnixMilli(e.LastAccess),
			Size:        e.Size,
		})
	}
	return snap
}

// Export serializes the cache snapshot to JSON.
func (m *Manager) Export() ([]byte, error) {
	data, err := json.Marshal(m.Snapshot())
	if err != nil {
		return nil, fmt.Errorf("export cache: %w", err)
	}
	return data, nil
}

// rawSnapshot defers entry decoding so one corrupt entry does not abort
// the rest of the import.
type rawSnapshot struct {
	Timestamp int64             `json:"timestamp"`
	Entries   []json.RawMessage `json:"entries"`
}

// Import loads entries from an exported snapshot, preserving their metadata.
//
// Entries already expired at load time are skipped. Entries that fail to
// decode are logged and skipped; they do not abort the import. Only a
// snapshot whose envelope cannot be parsed returns an error.
func (m *Manager) Import(data []byte) (ImportResult, error) {
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return ImportResult{}, fmt.Errorf("import cache: %w", err)
	}

	now := m.clock.Now()
	var result ImportResult

	m.mu.Lock()
	defer m.mu.Unlock()

	for i, rawEntry := range raw.Entries {
		var se SnapshotEntry
		if err := json.Unmarshal(rawEntry, &se); err != nil {
			m.logger.Warn("skipping corrupt cache entry", "index", i, "error", err)
			result.Skipped++
			continue
		}
		if se.Key == "" {
			m.logger.Warn("skipping cache entry without key", "index", i)
			result.Skipped++
			continue
		}

		e := &Entry{
			Data:        se.Data,
			Timestamp:   clock.FromUnixMilli(se.Timestamp),
			Expiry:      clock.FromUnixMilli(se.Expiry),
			AccessCount: se.AccessCount,
			LastAccess:  clock.FromUnixMilli(se.LastAccess),
			Size:        se.Size,
		}
		if e.expired(now) {
			result.Skipped++
			continue
		}
		if e.Size <= 0 {
			size, err := estimateSize(e.Data)
			if err != nil {
				m.logger.Warn("skipping unsizable cache entry", "key", se.Key, "error", err)
				result.Skipped++
				continue
			}
			e.Size = size
		}
		if m.cfg.MaxSize > 0 && e.Size > m.cfg.MaxSize {
			m.logger.Warn("skipping oversized cache entry", "key", se.Key, "size", e.Size)
			result.Skipped++
			continue
		}

		key := normalizeKey(se.Key)
		if _, exists := m.entries[key]; exists {
			m.deleteLocked(key)
		}
		m.ensureCapacityLocked(e.Size)

		e.insertSeq = m.seq.Next()
		e.accessSeq = e.insertSeq
		m.insertLocked(key, e)
		result.Imported++
	}

	m.logger.Info("cache imported", "imported", result.Imported, "skipped", result.Skipped)
	return result, nil
}

// Persist writes the exported snapshot to kv under key.
func (m *Manager) Persist(ctx context.Context, kv storage.KV, key string) error {
	data, err := m.Export()
	if err != nil {
		return err
	}
	if err := kv.Set(ctx, key, string(data)); err != nil {
		return fmt.Errorf("persist cache: %w", err)
	}
	return nil
}

// Restore imports the snapshot stored in kv under key.
// A missing snapshot is not an error.
func (m *Manager) Restore(ctx context.Context, kv storage.KV, key string) (ImportResult, error) {
	data, found, err := kv.Get(ctx, key)
	if err != nil {
		return ImportResult{}, fmt.Errorf("restore cache: %w", err)
	}
	if !found {
		return ImportResult{}, nil
	}
	return m.Import([]byte(data))
}

// Run sweeps expired entries every CleanupInterval until ctx is cancelled.
// Returns immediately if no interval is configured.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.Config().CleanupInterval
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Sweep()
		}
	}
}
