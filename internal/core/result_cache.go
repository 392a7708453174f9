package core

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"persistcore/pkg/domain"
)

// DefaultCacheSize bounds the result cache when no size is configured.
const DefaultCacheSize = 1024

var _ domain.CacheStore = (*LRUCache)(nil)

// LRUCache is a size-bounded CacheStore evicting the least recently used
// entries. It is safe for concurrent use.
type LRUCache struct {
	entries *lru.Cache[domain.CacheKey, domain.CacheEntry]
}

// NewLRUCache returns a cache holding at most size entries
// (DefaultCacheSize when size <= 0).
func NewLRUCache(size int) *LRUCache {
	if size <= 0 {
		size = DefaultCacheSize
	}
	// lru.New only fails on a non-positive size.
	c, _ := lru.New[domain.CacheKey, domain.CacheEntry](size)
	return &LRUCache{entries: c}
}

// Get implements domain.CacheStore.
func (c *LRUCache) Get(key domain.CacheKey) (domain.CacheEntry, bool) {
	return c.entries.Get(key)
}

// Put implements domain.CacheStore.
func (c *LRUCache) Put(key domain.CacheKey, entry domain.CacheEntry) {
	c.entries.Add(key, entry)
}

// Remove implements domain.CacheStore.
func (c *LRUCache) Remove(key domain.CacheKey) {
	c.entries.Remove(key)
}

// Len implements domain.CacheStore.
func (c *LRUCache) Len() int { return c.entries.Len() }

// Purge drops every entry.
func (c *LRUCache) Purge() { c.entries.Purge() }
