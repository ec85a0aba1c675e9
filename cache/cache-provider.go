package cache

import (
	"sync"
	"time"
)

const DefaultExpiry = 40 * time.Second

// CacheProvider is an interface for a cache provider.
// It stores response bodies and their content type keyed by target URL,
// along with the time they were captured.
// Entries are never evicted because they are stale: staleness is checked when reading,
// and a stale entry is simply overwritten by the next Put for the same key.
//
// Implementations must be thread-safe!
type CacheProvider interface {
	// Get returns the entry stored under the given key, if it exists.
	// The boolean indicates whether an entry was found at all.
	// Whether the entry is still fresh is reported by CacheEntry.Fresh.
	Get(key string) (CacheEntry, bool, error)
	// Put stores the body and content type under the given key, captured now.
	// An existing entry for the key is overwritten.
	Put(key string, body []byte, contentType string) error
}

type CacheEntry struct {
	Key         string
	Body        []byte
	ContentType string
	CapturedAt  time.Time
	// Fresh is true while now - CapturedAt < expiry.
	Fresh bool
}

// Config holds the settings shared by all cache providers.
type Config struct {
	// Time window during which a stored entry is fresh.
	Expiry time.Duration
	// Maximum number of entries. Zero means unbounded.
	// When the limit is reached, storing a new key evicts the entry with the oldest capture time.
	MaxEntries int
	// Clock used for capture times and freshness. Defaults to time.Now.
	Now func() time.Time
}

func (c Config) withDefaults() Config {
	if c.Expiry <= 0 {
		c.Expiry = DefaultExpiry
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

func isFresh(now, capturedAt time.Time, expiry time.Duration) bool {
	return now.Sub(capturedAt) < expiry
}

type memCacheEntry struct {
	capturedAt  time.Time
	contentType string
	bytes       []byte
}

// MemCache is an in-memory cache provider guarded by a single mutex.
// Stored bodies are shared with callers and must be treated as read-only.
type MemCache struct {
	mutex  *sync.RWMutex
	db     map[string]memCacheEntry
	config Config
}

func NewMemCache(config Config) *MemCache {
	return &MemCache{
		mutex:  &sync.RWMutex{},
		db:     make(map[string]memCacheEntry),
		config: config.withDefaults(),
	}
}

func (m *MemCache) Get(key string) (CacheEntry, bool, error) {
	m.mutex.RLock()
	entry, ok := m.db[key]
	m.mutex.RUnlock()
	if !ok {
		return CacheEntry{}, false, nil
	}
	return CacheEntry{
		Key:         key,
		Body:        entry.bytes,
		ContentType: entry.contentType,
		CapturedAt:  entry.capturedAt,
		Fresh:       isFresh(m.config.Now(), entry.capturedAt, m.config.Expiry),
	}, true, nil
}

func (m *MemCache) Put(key string, body []byte, contentType string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, exists := m.db[key]; !exists && m.config.MaxEntries > 0 && len(m.db) >= m.config.MaxEntries {
		m.evictOldest()
	}
	m.db[key] = memCacheEntry{
		capturedAt:  m.config.Now(),
		contentType: contentType,
		bytes:       body,
	}
	return nil
}

// Len returns the number of stored entries, fresh or stale.
func (m *MemCache) Len() int {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	return len(m.db)
}

// evictOldest removes the entry with the earliest capture time.
// The caller must hold the write lock.
func (m *MemCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time
	for key, entry := range m.db {
		if oldestKey == "" || entry.capturedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.capturedAt
		}
	}
	if oldestKey != "" {
		delete(m.db, oldestKey)
	}
}
