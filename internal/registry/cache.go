package registry

import (
	"sync"
	"time"
)

// tokenCache holds bearer tokens per registry/repository key with a TTL.
// Auth tokens are short-lived server-side, so entries expire client-side
// before the registry would reject them.
type tokenCache struct {
	mu      sync.RWMutex
	entries map[string]tokenEntry
	ttl     time.Duration
}

type tokenEntry struct {
	token     string
	expiresAt time.Time
}

func newTokenCache(ttl time.Duration) *tokenCache {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &tokenCache{
		entries: make(map[string]tokenEntry),
		ttl:     ttl,
	}
}

func (c *tokenCache) get(key string) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, found := c.entries[key]
	if !found || time.Now().After(entry.expiresAt) {
		return "", false
	}
	return entry.token, true
}

func (c *tokenCache) set(key, token string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = tokenEntry{
		token:     token,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *tokenCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]tokenEntry)
}
