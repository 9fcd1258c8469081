// Package cache keeps recently used values in memory so point reads can skip
// the segment files.
package cache

import (
	"fmt"

	lru "github.com/hashicorp/golang-lru"
)

// ValueCache is a fixed-size LRU cache of key to value. A cache created with
// a size of zero is disabled: it stores nothing and always misses.
type ValueCache struct {
	lru *lru.Cache
}

// New creates a cache holding up to size values
func New(size int) (*ValueCache, error) {
	if size < 0 {
		return nil, fmt.Errorf("invalid value cache size %d", size)
	}
	if size == 0 {
		return &ValueCache{}, nil
	}

	c, err := lru.New(size)
	if err != nil {
		return nil, fmt.Errorf("failed to create value cache: %w", err)
	}
	return &ValueCache{lru: c}, nil
}

// Enabled reports whether the cache stores anything
func (c *ValueCache) Enabled() bool {
	return c.lru != nil
}

// Get returns the cached value for key
func (c *ValueCache) Get(key string) (string, bool) {
	if c.lru == nil {
		return "", false
	}
	v, ok := c.lru.Get(key)
	if !ok {
		return "", false
	}
	return v.(string), true
}

// Add caches value for key
func (c *ValueCache) Add(key, value string) {
	if c.lru == nil {
		return
	}
	c.lru.Add(key, value)
}

// Remove evicts key
func (c *ValueCache) Remove(key string) {
	if c.lru == nil {
		return
	}
	c.lru.Remove(key)
}

// Purge evicts everything
func (c *ValueCache) Purge() {
	if c.lru == nil {
		return
	}
	c.lru.Purge()
}

// Len returns the number of cached values
func (c *ValueCache) Len() int {
	if c.lru == nil {
		return 0
	}
	return c.lru.Len()
}
