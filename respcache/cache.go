// Package respcache is the TTL-keyed in-memory store for idempotent
// reads. Entries are keyed by (endpoint, params digest); mutations
// invalidate by endpoint prefix so account data never outlives the
// resource it belongs to.
package respcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/url"
	"strings"
	"sync"
	"time"
)

// Entry is one cached response payload.
type Entry struct {
	Key      string
	Value    []byte
	StoredAt time.Time
}

// Cache is a bounded TTL cache. An entry older than the TTL is treated
// as absent. When the entry cap is reached the oldest entry is evicted.
type Cache struct {
	ttl        time.Duration
	maxEntries int
	nowFunc    func() time.Time

	lock    sync.Mutex
	entries map[string]Entry
}

// Option modifies a Cache.
type Option func(*Cache)

// WithNowFunc sets the clock (primarily for testing).
func WithNowFunc(now func() time.Time) Option {
	return func(c *Cache) {
		c.nowFunc = now
	}
}

// New creates a Cache. A maxEntries of zero or below falls back to a
// sane default.
func New(ttl time.Duration, maxEntries int, options ...Option) *Cache {
	c := &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		nowFunc:    time.Now,
		entries:    make(map[string]Entry),
	}
	if c.maxEntries <= 0 {
		c.maxEntries = 512
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// Key derives the cache key for an endpoint and its query parameters.
// The params are digested in canonical (sorted) encoding so equivalent
// requests share an entry.
func Key(endpoint string, params url.Values) string {
	if len(params) == 0 {
		return endpoint
	}
	digest := sha256.Sum256([]byte(params.Encode()))
	return endpoint + "?" + hex.EncodeToString(digest[:8])
}

// Get returns the cached payload for key, or false when the entry is
// absent or past its TTL. Expired entries are removed on lookup.
func (c *Cache) Get(key string) ([]byte, bool) {
	c.lock.Lock()
	defer c.lock.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if c.nowFunc().Sub(entry.StoredAt) >= c.ttl {
		delete(c.entries, key)
		return nil, false
	}
	return entry.Value, true
}

// Set stores a payload under key, evicting the oldest entry when the
// cap is reached.
func (c *Cache) Set(key string, value []byte) {
	c.lock.Lock()
	defer c.lock.Unlock()

	c.sweepExpired()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evictOldest()
	}
	c.entries[key] = Entry{Key: key, Value: value, StoredAt: c.nowFunc()}
}

// InvalidatePrefix removes every entry whose endpoint equals the prefix
// or sits beneath it. "/foo/123" drops "/foo/123" and "/foo/123/likes"
// but not "/foo/1234" or "/bar/456".
func (c *Cache) InvalidatePrefix(prefix string) {
	c.lock.Lock()
	defer c.lock.Unlock()

	for key := range c.entries {
		endpoint, _, _ := strings.Cut(key, "?")
		if endpoint == prefix || strings.HasPrefix(endpoint, prefix+"/") {
			delete(c.entries, key)
		}
	}
}

// Clear drops every entry. Called on session switch so account-scoped
// data cannot leak across accounts.
func (c *Cache) Clear() {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.entries = make(map[string]Entry)
}

// Len returns the live entry count, not counting expired leftovers.
func (c *Cache) Len() int {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.sweepExpired()
	return len(c.entries)
}

// sweepExpired removes entries past their TTL. Callers hold the lock.
func (c *Cache) sweepExpired() {
	now := c.nowFunc()
	for key, entry := range c.entries {
		if now.Sub(entry.StoredAt) >= c.ttl {
			delete(c.entries, key)
		}
	}
}

// evictOldest removes the entry with the earliest StoredAt. Callers
// hold the lock.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldest time.Time
	for key, entry := range c.entries {
		if oldestKey == "" || entry.StoredAt.Before(oldest) {
			oldestKey = key
			oldest = entry.StoredAt
		}
	}
	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}
