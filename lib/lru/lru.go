// Copyright 2026 The Glyphd Authors
// SPDX-License-Identifier: Apache-2.0

// Package lru provides a fixed-capacity cache with least-recently-used
// eviction. glyphd memoizes generated and served favicon bytes in one
// process-wide instance, constructed at startup and injected into the
// handlers.
package lru

import (
	"container/list"
	"fmt"
	"sync"
)

// Cache is a bounded LRU cache with string keys. Get and Set are O(1);
// a full cache evicts exactly the least-recently-accessed entry on
// insert. Safe for concurrent use.
type Cache[V any] struct {
	mu       sync.Mutex
	capacity int
	order    *list.List // front = most recent
	entries  map[string]*list.Element

	hits      uint64
	misses    uint64
	evictions uint64
}

type entry[V any] struct {
	key   string
	value V
}

// Stats is a point-in-time snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
}

// New creates a cache holding at most capacity entries. Panics if
// capacity is not positive: a bad literal is a programming error, and
// operator-supplied capacities are validated by config before they
// reach this constructor.
func New[V any](capacity int) *Cache[V] {
	if capacity <= 0 {
		panic(fmt.Sprintf("lru: capacity must be positive, got %d", capacity))
	}
	return &Cache[V]{
		capacity: capacity,
		order:    list.New(),
		entries:  make(map[string]*list.Element, capacity),
	}
}

// Get returns the value for key and whether it was present. A hit
// marks the entry most-recently-used.
func (c *Cache[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	element, ok := c.entries[key]
	if !ok {
		c.misses++
		var zero V
		return zero, false
	}
	c.hits++
	c.order.MoveToFront(element)
	return element.Value.(*entry[V]).value, true
}

// Set stores value under key. Updating an existing key refreshes its
// recency without evicting. Inserting into a full cache first evicts
// the least-recently-used entry.
func (c *Cache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		element.Value.(*entry[V]).value = value
		c.order.MoveToFront(element)
		return
	}

	if c.order.Len() >= c.capacity {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*entry[V]).key)
		c.evictions++
	}

	c.entries[key] = c.order.PushFront(&entry[V]{key: key, value: value})
}

// Delete removes key if present.
func (c *Cache[V]) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if element, ok := c.entries[key]; ok {
		c.order.Remove(element)
		delete(c.entries, key)
	}
}

// Clear removes every entry. Counters are unaffected; idempotent.
func (c *Cache[V]) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.order.Init()
	clear(c.entries)
}

// Len returns the current number of entries.
func (c *Cache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

// Stats returns a snapshot of the cache counters.
func (c *Cache[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Hits:      c.hits,
		Misses:    c.misses,
		Evictions: c.evictions,
		Size:      c.order.Len(),
		Capacity:  c.capacity,
	}
}
