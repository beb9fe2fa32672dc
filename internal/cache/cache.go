// Package cache provides the in-memory response cache used to short-circuit identical provider requests.
//
// Entries are keyed by a fingerprint of the request and live for the lifetime of the process unless a TTL
// is given. The cache is best effort: fingerprint collisions are not detected.
package cache

import (
	"sync"
	"time"

	"github.com/MegaGrindStone/fiesta-web/internal/models"
)

// Cache maps request fingerprints to previously obtained provider responses.
type Cache struct {
	mu         sync.Mutex
	entries    map[string]entry
	defaultTTL time.Duration
	now        func() time.Time

	hits   int
	misses int
}

type entry struct {
	resp    models.Response
	expires time.Time
}

// Stats holds cache statistics.
type Stats struct {
	Hits    int `json:"hits"`
	Misses  int `json:"misses"`
	Entries int `json:"entries"`
}

// New creates an empty cache. Entries stored without an explicit TTL use defaultTTL; a defaultTTL of zero
// keeps them for the lifetime of the process.
func New(defaultTTL time.Duration) *Cache {
	return &Cache{
		entries:    make(map[string]entry),
		defaultTTL: defaultTTL,
		now:        time.Now,
	}
}

// Get returns the response stored under key. Expired entries are removed and reported as absent.
func (c *Cache) Get(key string) (models.Response, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if ok && e.expired(c.now()) {
		delete(c.entries, key)
		ok = false
	}
	if !ok {
		c.misses++
		return models.Response{}, false
	}
	c.hits++
	return e.resp, true
}

// Put stores resp under key. A positive ttl overrides the default TTL of the cache.
func (c *Cache) Put(key string, resp models.Response, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	e := entry{resp: resp}
	if ttl > 0 {
		e.expires = c.now().Add(ttl)
	}
	c.entries[key] = e
}

// Sweep removes every expired entry and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for k, e := range c.entries {
		if e.expired(now) {
			delete(c.entries, k)
			n++
		}
	}
	return n
}

// Stats returns a snapshot of the cache statistics.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Stats{
		Hits:    c.hits,
		Misses:  c.misses,
		Entries: len(c.entries),
	}
}

func (e entry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}
