package captcha

import (
	"sync"
	"time"
)

// RecentTokenCache is the in-process fast path of replay detection: token
// hashes live here for one TTL so a replayed token is caught without a
// database round-trip. The validation-events table remains the durable
// source of truth behind it.
type RecentTokenCache struct {
	mu          sync.RWMutex
	tokens      map[string]time.Time
	ttl         time.Duration
	stopCleanup chan struct{}
	stopOnce    sync.Once
}

// NewRecentTokenCache starts a cache with a background sweep.
func NewRecentTokenCache(ttl time.Duration) *RecentTokenCache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	c := &RecentTokenCache{
		tokens:      make(map[string]time.Time),
		ttl:         ttl,
		stopCleanup: make(chan struct{}),
	}
	go c.cleanupLoop()
	return c
}

// CheckAndRemember reports whether the hash was already cached, recording it
// either way. The single critical section makes concurrent submissions of
// the same token race-safe: exactly one caller sees false.
func (c *RecentTokenCache) CheckAndRemember(tokenHash string) bool {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	expiry, exists := c.tokens[tokenHash]
	seen := exists && now.Before(expiry)
	c.tokens[tokenHash] = now.Add(c.ttl)
	return seen
}

// Seen reports whether the hash is cached without extending its lifetime.
func (c *RecentTokenCache) Seen(tokenHash string) bool {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	expiry, exists := c.tokens[tokenHash]
	return exists && now.Before(expiry)
}

// Len reports the live entry count (expired entries still pending sweep are
// excluded).
func (c *RecentTokenCache) Len() int {
	now := time.Now()
	c.mu.RLock()
	defer c.mu.RUnlock()

	n := 0
	for _, expiry := range c.tokens {
		if now.Before(expiry) {
			n++
		}
	}
	return n
}

func (c *RecentTokenCache) cleanupLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *RecentTokenCache) removeExpired() {
	now := time.Now()
	c.mu.Lock()
	defer c.mu.Unlock()

	for hash, expiry := range c.tokens {
		if now.After(expiry) {
			delete(c.tokens, hash)
		}
	}
}

// Stop terminates the background sweep. Safe to call more than once.
func (c *RecentTokenCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopCleanup) })
}
