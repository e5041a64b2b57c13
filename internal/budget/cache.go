package budget

import (
	"context"
	"sync"
	"time"
)

// Cache is the shared key-value store behind the distributed budget
// counter. Implementations must treat a missing key as (nil, false,
// nil), not an error.
type Cache interface {
	Get(ctx context.Context, key string) (value []byte, found bool, err error)
	Put(ctx context.Context, key string, value []byte) error
}

// memoryEntry pairs a value with its expiry.
type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryCache is an in-process Cache with per-entry TTL, used in tests
// and as a stand-in when no NATS server is configured.
type MemoryCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]memoryEntry
}

// NewMemoryCache builds a MemoryCache. A zero ttl means entries never
// expire.
func NewMemoryCache(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:     ttl,
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the value for key if present and unexpired.
func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false, nil
	}
	if !e.expiresAt.IsZero() && time.Now().After(e.expiresAt) {
		delete(c.entries, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Put stores value under key, resetting its TTL.
func (c *MemoryCache) Put(_ context.Context, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var expiresAt time.Time
	if c.ttl > 0 {
		expiresAt = time.Now().Add(c.ttl)
	}
	c.entries[key] = memoryEntry{value: value, expiresAt: expiresAt}
	return nil
}
