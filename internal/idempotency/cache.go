// Package idempotency deduplicates repeated route submissions by
// Idempotency-Key header. A client retrying a POST /v1/route it already got
// an answer for must not trigger a second provider call: that would bill the
// budget and decrement key quota twice for one logical request.
package idempotency

import (
	"sync"
	"time"
)

// record is one cached route response.
type record struct {
	Body     []byte
	Status   int
	Header   map[string]string
	storedAt time.Time
}

// Cache is a TTL-bounded, size-limited in-memory replay cache.
type Cache struct {
	mu         sync.Mutex
	records    map[string]*record
	ttl        time.Duration
	maxEntries int
	stop       chan struct{}
}

// New creates a Cache that expires records after ttl and evicts the oldest
// record when maxEntries is exceeded. A background goroutine sweeps expired
// records every ttl/2.
func New(ttl time.Duration, maxEntries int) *Cache {
	c := &Cache{
		records:    make(map[string]*record),
		ttl:        ttl,
		maxEntries: maxEntries,
		stop:       make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Get returns the cached record for key if present and unexpired.
func (c *Cache) Get(key string) (*record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.records[key]
	if !ok {
		return nil, false
	}
	if time.Since(rec.storedAt) > c.ttl {
		delete(c.records, key)
		return nil, false
	}
	return rec, true
}

// Set stores a response under key, evicting the oldest record when the cache
// is full and key is new.
func (c *Cache) Set(key string, body []byte, status int, header map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.records[key]; !exists && len(c.records) >= c.maxEntries {
		c.evictOldest()
	}

	c.records[key] = &record{
		Body:     body,
		Status:   status,
		Header:   header,
		storedAt: time.Now(),
	}
}

// Len reports the number of live records.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

// Stop terminates the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

func (c *Cache) sweepLoop() {
	interval := c.ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for k, rec := range c.records {
		if now.Sub(rec.storedAt) > c.ttl {
			delete(c.records, k)
		}
	}
}

// evictOldest removes the record with the earliest storedAt. Caller holds c.mu.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestAt time.Time
	first := true
	for k, rec := range c.records {
		if first || rec.storedAt.Before(oldestAt) {
			oldestKey = k
			oldestAt = rec.storedAt
			first = false
		}
	}
	if !first {
		delete(c.records, oldestKey)
	}
}
