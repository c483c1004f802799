// Package providers provides third-party reputation service integrations
package providers

import (
	"sync"
	"time"

	"github.com/commjoen/urlanalyzer/pkg/models"
)

// Cache stores per-URL reputation matches temporarily. A URL with no entry
// has not been checked; a URL with an empty entry was checked and is clean.
type Cache struct {
	entries map[string]*cacheEntry
	ttl     time.Duration
	now     func() time.Time
	mu      sync.RWMutex
}

type cacheEntry struct {
	matches   []models.ThreatMatch
	timestamp time.Time
}

// NewCache creates a new cache with the specified TTL
func NewCache(ttl time.Duration) *Cache {
	return &Cache{
		entries: make(map[string]*cacheEntry),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Get retrieves the cached matches of a URL
func (c *Cache) Get(url string) ([]models.ThreatMatch, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[url]
	if !ok || c.now().Sub(entry.timestamp) > c.ttl {
		return nil, false
	}
	return entry.matches, true
}

// Set stores the matches of a URL
func (c *Cache) Set(url string, matches []models.ThreatMatch) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[url] = &cacheEntry{
		matches:   matches,
		timestamp: c.now(),
	}
}

// Clear removes all cached entries
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*cacheEntry)
}
