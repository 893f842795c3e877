package cache

import (
	"context"
	"strings"
	"sync"
	"time"
)

// Cache stores resolved chart image links. Get returns the link if present
// and not expired; Set stores it with a TTL.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
}

// LinkKey identifies one rendered chart: station, variant and run.
func LinkKey(station, variant, basetime string) string {
	return strings.Join([]string{station, variant, basetime}, "|")
}

// InMemoryCache implements Cache using an in-memory map with TTL-based expiration.
// Expired entries are removed on access.
type InMemoryCache struct {
	mu   sync.Mutex
	data map[string]cacheEntry
	now  func() time.Time
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// NewInMemoryCache creates a new in-memory cache instance.
func NewInMemoryCache() *InMemoryCache {
	return &InMemoryCache{
		data: make(map[string]cacheEntry),
		now:  time.Now,
	}
}

// Get returns (link, true, nil) on hit and ("", false, nil) on miss or expiry.
func (c *InMemoryCache) Get(ctx context.Context, key string) (string, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.data[key]
	if !ok {
		return "", false, nil
	}

	if c.now().After(entry.expiresAt) {
		delete(c.data, key)
		return "", false, nil
	}

	return entry.value, true, nil
}

// Set stores a link with the specified TTL.
func (c *InMemoryCache) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = cacheEntry{
		value:     value,
		expiresAt: c.now().Add(ttl),
	}
	return nil
}

// Len returns the number of stored entries, expired ones included.
func (c *InMemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.data)
}
