package cache

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Entry represents a cached item.
type Entry struct {
	Value     interface{}
	Size      int64
	StoredAt  time.Time
	ExpiresAt time.Time
}

// IsExpired checks if the cache entry has expired.
func (e *Entry) IsExpired() bool {
	return time.Now().After(e.ExpiresAt)
}

// Cache is an interface for caching values under a namespace and key.
type Cache interface {
	// Get retrieves a cached value.
	Get(ctx context.Context, namespace, key string) (*Entry, bool)

	// Set stores a value. size is the value's accounted size in bytes; a zero
	// ttl selects the cache default.
	Set(ctx context.Context, namespace, key string, value interface{}, size int64, ttl time.Duration) error

	// Delete removes a value from the cache.
	Delete(ctx context.Context, namespace, key string) error

	// Clear removes every value.
	Clear(ctx context.Context) error

	// Stats returns cache statistics.
	Stats() Stats
}

// Stats holds cache statistics.
type Stats struct {
	Size      int64
	Items     int
	Hits      int64
	Misses    int64
	Evictions int64
}

// memoryCache is an in-memory implementation of Cache.
type memoryCache struct {
	mu       sync.Mutex
	entries  map[string]*Entry
	size     int64
	maxSize  int64
	maxItems int
	stats    Stats
	ttl      time.Duration
}

// NewMemoryCache creates a new in-memory cache. A non-positive maxSize or
// maxItems leaves that dimension unbounded.
func NewMemoryCache(maxSize int64, maxItems int, defaultTTL time.Duration) Cache {
	return &memoryCache{
		entries:  make(map[string]*Entry),
		maxSize:  maxSize,
		maxItems: maxItems,
		ttl:      defaultTTL,
	}
}

func cacheKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// Get retrieves a cached value.
func (c *memoryCache) Get(_ context.Context, namespace, key string) (*Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(namespace, key)
	entry, ok := c.entries[keyStr]
	if !ok {
		c.stats.Misses++
		return nil, false
	}
	if entry.IsExpired() {
		c.removeLocked(keyStr, entry)
		c.stats.Evictions++
		c.stats.Misses++
		return nil, false
	}

	c.stats.Hits++
	return entry, true
}

// Set stores a value in the cache.
func (c *memoryCache) Set(_ context.Context, namespace, key string, value interface{}, size int64, ttl time.Duration) error {
	if ttl == 0 {
		ttl = c.ttl
	}
	if size < 0 {
		size = 0
	}
	if c.maxSize > 0 && size > c.maxSize {
		return fmt.Errorf("entry of %d bytes exceeds cache size %d", size, c.maxSize)
	}

	now := time.Now()
	entry := &Entry{
		Value:     value,
		Size:      size,
		StoredAt:  now,
		ExpiresAt: now.Add(ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(namespace, key)
	if old, ok := c.entries[keyStr]; ok {
		c.removeLocked(keyStr, old)
	}

	c.evictExpiredLocked()
	for c.overLimitLocked(size) {
		if !c.evictOldestLocked() {
			return fmt.Errorf("cache full and unable to evict")
		}
	}

	c.entries[keyStr] = entry
	c.size += size
	return nil
}

// Delete removes a value from the cache.
func (c *memoryCache) Delete(_ context.Context, namespace, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keyStr := cacheKey(namespace, key)
	if entry, ok := c.entries[keyStr]; ok {
		c.removeLocked(keyStr, entry)
	}
	return nil
}

// Clear removes every value and resets statistics.
func (c *memoryCache) Clear(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries = make(map[string]*Entry)
	c.size = 0
	c.stats = Stats{}
	return nil
}

// Stats returns cache statistics.
func (c *memoryCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := c.stats
	stats.Size = c.size
	stats.Items = len(c.entries)
	return stats
}

func (c *memoryCache) overLimitLocked(incoming int64) bool {
	if c.maxItems > 0 && len(c.entries) >= c.maxItems {
		return true
	}
	return c.maxSize > 0 && c.size+incoming > c.maxSize
}

// removeLocked must be called with the lock held.
func (c *memoryCache) removeLocked(keyStr string, entry *Entry) {
	delete(c.entries, keyStr)
	c.size -= entry.Size
}

// evictExpiredLocked removes expired entries (must be called with lock held).
func (c *memoryCache) evictExpiredLocked() {
	for key, entry := range c.entries {
		if entry.IsExpired() {
			c.removeLocked(key, entry)
			c.stats.Evictions++
		}
	}
}

// evictOldestLocked removes the entry stored first (must be called with lock held).
func (c *memoryCache) evictOldestLocked() bool {
	var oldestKey string
	var oldest *Entry
	for key, entry := range c.entries {
		if oldest == nil || entry.StoredAt.Before(oldest.StoredAt) {
			oldestKey, oldest = key, entry
		}
	}
	if oldest == nil {
		return false
	}
	c.removeLocked(oldestKey, oldest)
	c.stats.Evictions++
	return true
}
