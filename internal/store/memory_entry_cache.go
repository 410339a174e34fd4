package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/basis-company/data-registry/internal/model"
)

// MemoryEntryCache implements EntryCache with an in-process map. It backs
// single-process deployments and tests where no Redis is available; the
// registry's behavior toward it is identical.
type MemoryEntryCache struct {
	data    map[string]*model.CacheEntry
	mu      sync.RWMutex
	maxSize int
	stopCh  chan struct{}
	logger  *zap.Logger
}

// NewMemoryEntryCache creates a new in-memory entry cache and starts its
// janitor goroutine
func NewMemoryEntryCache(maxSize int, cleanupInterval time.Duration, logger *zap.Logger) *MemoryEntryCache {
	cache := &MemoryEntryCache{
		data:    make(map[string]*model.CacheEntry),
		maxSize: maxSize,
		stopCh:  make(chan struct{}),
		logger:  logger,
	}

	go cache.cleanup(cleanupInterval)

	return cache
}

// ReadEntry retrieves a cache entry. Expired entries are returned as-is:
// expiry here is passive and readers compare ExpiresAt themselves.
func (c *MemoryEntryCache) ReadEntry(ctx context.Context, key string) (*model.CacheEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, exists := c.data[key]
	if !exists {
		return nil, ErrCacheMiss
	}

	return entry, nil
}

// WriteEntry stores a cache entry. The TTL parameter is folded into the
// entry's ExpiresAt; the janitor removes entries past it.
func (c *MemoryEntryCache) WriteEntry(ctx context.Context, entry *model.CacheEntry, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[entry.Key]; !exists && len(c.data) >= c.maxSize {
		c.evictOneLocked()
	}

	c.data[entry.Key] = entry
	return nil
}

// evictOneLocked removes an expired entry if one exists, otherwise an
// arbitrary one. Callers hold the write lock.
func (c *MemoryEntryCache) evictOneLocked() {
	now := time.Now()
	for k, e := range c.data {
		if e.Expired(now) {
			delete(c.data, k)
			return
		}
	}
	for k := range c.data {
		delete(c.data, k)
		return
	}
}

// Evict removes a cache entry
func (c *MemoryEntryCache) Evict(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.data, key)
	return nil
}

// ScanKeys pages through a sorted snapshot of the cached keys. The cursor
// is the last key of the previous page.
func (c *MemoryEntryCache) ScanKeys(ctx context.Context, cursor string, count int) ([]string, string, error) {
	c.mu.RLock()
	keys := make([]string, 0, len(c.data))
	for k := range c.data {
		if k > cursor {
			keys = append(keys, k)
		}
	}
	c.mu.RUnlock()

	sort.Strings(keys)

	if len(keys) <= count {
		return keys, "", nil
	}

	page := keys[:count]
	return page, page[len(page)-1], nil
}

// cleanup periodically removes expired entries
func (c *MemoryEntryCache) cleanup(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := time.Now()
			for key, entry := range c.data {
				if entry.Expired(now) {
					delete(c.data, key)
				}
			}
			c.mu.Unlock()
		}
	}
}

// Size returns the number of entries in the cache
func (c *MemoryEntryCache) Size() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.data)
}

// Ping always succeeds for the in-process cache
func (c *MemoryEntryCache) Ping(ctx context.Context) error {
	return nil
}

// Close stops the janitor goroutine
func (c *MemoryEntryCache) Close() error {
	close(c.stopCh)
	return nil
}
