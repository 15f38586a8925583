// Package idempotency provides request deduplication via Idempotency-Key headers.
package idempotency

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Entry holds a cached HTTP response.
type Entry struct {
	Response   []byte
	StatusCode int
	Headers    map[string]string
	CreatedAt  time.Time
}

// Cache is a TTL-bounded, size-limited cache of idempotent responses. Least
// recently used entries are evicted first when full.
type Cache struct {
	lru *expirable.LRU[string, *Entry]

	mu       sync.Mutex
	inflight map[string]struct{}
}

// New creates a Cache that expires entries after ttl and holds at most
// maxEntries responses.
func New(ttl time.Duration, maxEntries int) *Cache {
	if maxEntries <= 0 {
		maxEntries = 1
	}
	return &Cache{
		lru:      expirable.NewLRU[string, *Entry](maxEntries, nil, ttl),
		inflight: make(map[string]struct{}),
	}
}

// Get returns a cached entry if it exists and has not expired.
func (c *Cache) Get(key string) (*Entry, bool) {
	return c.lru.Get(key)
}

// Set stores a response under the given key.
func (c *Cache) Set(key string, response []byte, statusCode int, headers map[string]string) {
	c.lru.Add(key, &Entry{
		Response:   response,
		StatusCode: statusCode,
		Headers:    headers,
		CreatedAt:  time.Now(),
	})
}

// Len returns the number of live entries.
func (c *Cache) Len() int {
	return c.lru.Len()
}

// begin marks key as being processed. It returns false when another request
// with the same key is still running.
func (c *Cache) begin(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, busy := c.inflight[key]; busy {
		return false
	}
	c.inflight[key] = struct{}{}
	return true
}

func (c *Cache) end(key string) {
	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()
}

// Stop drops every cached entry.
func (c *Cache) Stop() {
	c.lru.Purge()
}
