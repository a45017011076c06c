// Package relcache provides a small bounded cache for query results that
// are expensive to fetch and stable for the life of a backend, such as
// catalog lookups.
package relcache

import (
	"fmt"
	"strings"
	"sync"
)

// Querier issues a simple query against a live backend session and
// returns the first column of the first row.
type Querier interface {
	SimpleQuery(sql string) (string, error)
}

type entry struct {
	value string
	seq   uint64
}

// Cache memoizes query results by key. When the capacity is exceeded the
// oldest entry is evicted first.
type Cache struct {
	mu       sync.Mutex
	capacity int
	sql      string
	entries  map[string]*entry
	seq      uint64
}

// New creates a cache bound to the given query. When sql contains a %s
// verb the lookup key is substituted into it; otherwise the query is
// issued as-is. A non-positive capacity is clamped to 1.
func New(capacity int, sql string) *Cache {
	if capacity < 1 {
		capacity = 1
	}
	return &Cache{
		capacity: capacity,
		sql:      sql,
		entries:  make(map[string]*entry, capacity),
	}
}

// Lookup returns the cached value for key, fetching it through q on the
// first request.
func (c *Cache) Lookup(q Querier, key string) (string, error) {
	c.mu.Lock()
	if e, ok := c.entries[key]; ok {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	sql := c.sql
	if strings.Contains(sql, "%s") {
		sql = fmt.Sprintf(c.sql, key)
	}

	// The fetch runs unlocked: SimpleQuery blocks on the wire and nothing
	// else may touch the backend session concurrently anyway.
	value, err := q.SimpleQuery(sql)
	if err != nil {
		return "", fmt.Errorf("relcache lookup %q: %w", key, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		return e.value, nil
	}
	if len(c.entries) >= c.capacity {
		c.evictOldest()
	}
	c.seq++
	c.entries[key] = &entry{value: value, seq: c.seq}
	return value, nil
}

// Len returns the number of cached entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// evictOldest drops the entry with the lowest sequence number.
// Must be called with mu held.
func (c *Cache) evictOldest() {
	var oldestKey string
	var oldestSeq uint64
	first := true
	for k, e := range c.entries {
		if first || e.seq < oldestSeq {
			oldestKey, oldestSeq = k, e.seq
			first = false
		}
	}
	if !first {
		delete(c.entries, oldestKey)
	}
}
