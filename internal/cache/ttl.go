// Package cache provides the process-wide TTL caches for derived
// configuration artifacts (compiled field extractors, resolved routes).
package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"
)

type entry[V any] struct {
	value    V
	storedAt time.Time
}

// TTL is a fingerprint-keyed cache whose entries expire after a fixed
// duration. Expired entries are swept opportunistically on writes.
type TTL[V any] struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]entry[V]
}

// NewTTL builds a cache; ttl <= 0 means entries never expire (Invalidate
// still clears them).
func NewTTL[V any](ttl time.Duration) *TTL[V] {
	return &TTL[V]{
		ttl:     ttl,
		entries: make(map[string]entry[V]),
	}
}

// Get returns the cached value when present and unexpired.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || c.expired(e) {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Set stores a value and sweeps any entries that have aged out.
func (c *TTL[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for k, e := range c.entries {
		if c.expired(e) {
			delete(c.entries, k)
		}
	}
	c.entries[key] = entry[V]{value: value, storedAt: time.Now()}
}

// Invalidate drops every entry; the next Get forces re-derivation.
func (c *TTL[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]entry[V])
}

// Len counts live (possibly expired but unswept) entries.
func (c *TTL[V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

func (c *TTL[V]) expired(e entry[V]) bool {
	return c.ttl > 0 && time.Since(e.storedAt) >= c.ttl
}

// Fingerprint derives a stable cache key from the inputs that produced an
// artifact, so config changes naturally miss the cache.
func Fingerprint(parts ...string) string {
	sum := sha256.Sum256([]byte(strings.Join(parts, ":")))
	return hex.EncodeToString(sum[:])
}
