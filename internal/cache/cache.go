package cache

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/machinist/internal/clock"
)

// Policy selects the entry evicted when capacity is exceeded.
type Policy string

const (
	PolicyLRU  Policy = "lru"
	PolicyLFU  Policy = "lfu"
	PolicyFIFO Policy = "fifo"
)

// Valid reports whether p is a known policy.
func (p Policy) Valid() bool {
	switch p {
	case PolicyLRU, PolicyLFU, PolicyFIFO:
		return true
	}
	return false
}

// ErrEntryTooLarge is returned by Set when a single value exceeds MaxSize.
var ErrEntryTooLarge = errors.New("cache entry exceeds maximum cache size")

// Config bounds the cache. Zero limits are treated as unlimited.
type Config struct {
	MaxEntries      int
	MaxSize         int64 // bytes
	MaxAge          time.Duration
	Policy          Policy
	CleanupInterval time.Duration
}

// DefaultConfig returns the limits used when none are configured.
func DefaultConfig() Config {
	return Config{
		MaxEntries:      1000,
		MaxSize:         50 << 20,
		MaxAge:          30 * time.Minute,
		Policy:          PolicyLRU,
		CleanupInterval: time.Minute,
	}
}

// Entry is a cached value and its bookkeeping.
type Entry struct {
	Data        any
	Timestamp   time.Time // insertion
	Expiry      time.Time
	AccessCount int64
	LastAccess  time.Time
	Size        int64

	insertSeq int64
	accessSeq int64
}

// expired reports whether the entry's expiry has been reached.
// A zero Expiry never expires.
func (e *Entry) expired(now time.Time) bool {
	return !e.Expiry.IsZero() && !now.Before(e.Expiry)
}

// Metrics summarizes cache effectiveness.
type Metrics struct {
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	Evictions int64   `json:"evictions"`
	HitRate   float64 `json:"hitRate"`
	Size      int64   `json:"size"`
	Entries   int     `json:"entries"`
}

// Manager is the cache.
//
// Thread-safety: all methods are safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*Entry
	size    int64

	hits      int64
	misses    int64
	evictions int64

	clock  clock.Clock
	seq    *clock.Sequence
	logger *slog.Logger
}

// Option configures a Manager.
type Option func(*Manager)

// WithClock sets the wall clock used for TTL and access timestamps.
func WithClock(c clock.Clock) Option {
	return func(m *Manager) {
		m.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.logger = l
	}
}

// New creates a cache with the given limits.
// An empty or unknown policy falls back to LRU.
func New(cfg Config, opts ...Option) *Manager {
	if !cfg.Policy.Valid() {
		cfg.Policy = PolicyLRU
	}
	m := &Manager{
		cfg:     cfg,
		entries: make(map[string]*Entry),
		clock:   clock.System{},
		seq:     clock.NewSequence(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the cache limits.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// normalizeKey folds canonically equivalent Unicode spellings together.
func normalizeKey(key string) string {
	return norm.NFC.String(key)
}

// Get returns the value for key if present and unexpired.
// A hit updates the entry's access count and time; an expired entry is
// deleted and reported as a miss.
func (m *Manager) Get(key string) (any, bool) {
	key = normalizeKey(key)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		m.misses++
		return nil, false
	}
	if e.expired(now) {
		m.deleteLocked(key)
		m.misses++
		return nil, false
	}

	e.AccessCount++
	e.LastAccess = now
	e.accessSeq = m.seq.Next()
	m.hits++
	return e.Data, true
}

// Has reports whether key holds an unexpired entry without touching access
// metadata or hit/miss counters.
func (m *Manager) Has(key string) bool {
	key = normalizeKey(key)
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return false
	}
	if e.expired(now) {
		m.deleteLocked(key)
		return false
	}
	return true
}

// Set stores value under key. ttl <= 0 uses the configured MaxAge.
//
// Entries are evicted one at a time per policy until the new entry fits
// within both the count and size limits.
func (m *Manager) Set(key string, value any, ttl time.Duration) error {
	key = normalizeKey(key)

	size, err := estimateSize(value)
	if err != nil {
		return fmt.Errorf("cache set %q: %w", key, err)
	}

	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cfg.MaxSize > 0 && size > m.cfg.MaxSize {
		return fmt.Errorf("cache set %q (%d bytes > %d): %w", key, size, m.cfg.MaxSize, ErrEntryTooLarge)
	}

	if ttl <= 0 {
		ttl = m.cfg.MaxAge
	}

	if _, exists := m.entries[key]; exists {
		m.deleteLocked(key)
	}
	m.ensureCapacityLocked(size)

	seq := m.seq.Next()
	m.insertLocked(key, &Entry{
		Data:       value,
		Timestamp:  now,
		Expiry:     expiryFor(now, ttl),
		LastAccess: now,
		Size:       size,
		insertSeq:  seq,
		accessSeq:  seq,
	})
	return nil
}

func expiryFor(now time.Time, ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return now.Add(ttl)
}

// Delete removes key and reports whether it was present.
func (m *Manager) Delete(key string) bool {
	key = normalizeKey(key)

	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.entries[key]; !ok {
		return false
	}
	m.deleteLocked(key)
	return true
}

// Clear removes every entry. Hit/miss/eviction counters are kept.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
	m.size = 0
}

// Len returns the number of stored entries, expired or not.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.entries)
}

// Keys returns the stored keys in insertion order.
func (m *Manager) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.keysByInsertionLocked()
}

func (m *Manager) keysByInsertionLocked() []string {
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		return m.entries[keys[i]].insertSeq < m.entries[keys[j]].insertSeq
	})
	return keys
}

// InvalidateMatching deletes every key containing substr and returns the
// number removed.
func (m *Manager) InvalidateMatching(substr string) int {
	substr = normalizeKey(substr)
	return m.invalidate(func(key string) bool {
		return strings.Contains(key, substr)
	})
}

// InvalidatePattern deletes every key matching re and returns the number
// removed.
func (m *Manager) InvalidatePattern(re *regexp.Regexp) int {
	return m.invalidate(re.MatchString)
}

func (m *Manager) invalidate(match func(string) bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key := range m.entries {
		if match(key) {
			m.deleteLocked(key)
			removed++
		}
	}
	return removed
}

// Sweep removes every expired entry and returns the number removed.
func (m *Manager) Sweep() int {
	now := m.clock.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for key, e := range m.entries {
		if e.expired(now) {
			m.deleteLocked(key)
			removed++
		}
	}
	if removed > 0 {
		m.logger.Debug("cache sweep", "removed", removed, "remaining", len(m.entries))
	}
	return removed
}

// Metrics returns a snapshot of the cache counters.
func (m *Manager) Metrics() Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.metricsLocked()
}

func (m *Manager) metricsLocked() Metrics {
	var rate float64
	if total := m.hits + m.misses; total > 0 {
		rate = float64(m.hits) / float64(total) * 100
	}
	return Metrics{
		Hits:      m.hits,
		Misses:    m.misses,
		Evictions: m.evictions,
		HitRate:   rate,
		Size:      m.size,
		Entries:   len(m.entries),
	}
}

func (m *Manager) insertLocked(key string, e *Entry) {
	m.entries[key] = e
	m.size += e.Size
}

func (m *Manager) deleteLocked(key string) {
	if e, ok := m.entries[key]; ok {
		m.size -= e.Size
		delete(m.entries, key)
	}
}

// ensureCapacityLocked evicts until an entry of the given size fits.
func (m *Manager) ensureCapacityLocked(size int64) {
	for m.overCapacityLocked(size) {
		if !m.evictOneLocked() {
			return
		}
	}
}

func (m *Manager) overCapacityLocked(size int64) bool {
	if m.cfg.MaxEntries > 0 && len(m.entries) >= m.cfg.MaxEntries {
		return true
	}
	if m.cfg.MaxSize > 0 && m.size+size > m.cfg.MaxSize {
		return true
	}
	return false
}

func (m *Manager) evictOneLocked() bool {
	key, ok := m.victimLocked()
	if !ok {
		return false
	}
	m.deleteLocked(key)
	m.evictions++
	m.logger.Debug("cache eviction", "key", key, "policy", string(m.cfg.Policy))
	return true
}

// victimLocked selects the entry to evict under the configured policy.
func (m *Manager) victimLocked() (string, bool) {
	var (
		victim string
		best   *Entry
	)
	for key, e := range m.entries {
		if best == nil || m.before(e, best) {
			victim, best = key, e
		}
	}
	return victim, best != nil
}

// before reports whether a should be evicted ahead of b.
func (m *Manager) before(a, b *Entry) bool {
	switch m.cfg.Policy {
	case PolicyLFU:
		if a.AccessCount != b.AccessCount {
			return a.AccessCount < b.AccessCount
		}
		return a.accessSeq < b.accessSeq
	case PolicyFIFO:
		if !a.Timestamp.Equal(b.Timestamp) {
			return a.Timestamp.Before(b.Timestamp)
		}
		return a.insertSeq < b.insertSeq
	default:
		if !a.LastAccess.Equal(b.LastAccess) {
			return a.LastAccess.Before(b.LastAccess)
		}
		return a.accessSeq < b.accessSeq
	}
}

// estimateSize approximates the memory held by value as the length of its
// JSON encoding.
func estimateSize(value any) (int64, error) {
	switch v := value.(type) {
	case string:
		return int64(len(v)), nil
	case []byte:
		return int64(len(v)), nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return 0, fmt.Errorf("value is not serializable: %w", err)
	}
	return int64(len(data)), nil
}
