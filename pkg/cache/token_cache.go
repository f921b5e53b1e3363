// Package cache provides a small LRU used to memoize query tokenization.
//
// Tokenizing a query walks the stemmer for every word; subscriptions and
// repeated one-shot searches issue the same query text over and over, so
// the full-text index keeps recent token sequences here.
//
// Usage:
//
//	c := cache.NewTokenCache(1024, 5*time.Minute)
//	if terms, ok := c.Get(query); ok {
//		return terms
//	}
//	terms := tokenizer.Tokenize(query)
//	c.Put(query, terms)
package cache

import (
	"container/list"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// TokenCache is a thread-safe LRU with optional TTL expiry. Entries are
// keyed by the xxhash of the query text. Stored and returned slices are
// copies; callers can mutate their slice freely.
type TokenCache struct {
	mu sync.Mutex

	maxSize int
	ttl     time.Duration

	ll    *list.List
	items map[uint64]*list.Element

	hits   uint64
	misses uint64
}

type tokenEntry struct {
	key       uint64
	terms     []string
	expiresAt time.Time
}

// NewTokenCache creates a cache holding up to maxSize entries. maxSize <= 0
// disables the cache entirely. ttl <= 0 disables expiry.
func NewTokenCache(maxSize int, ttl time.Duration) *TokenCache {
	return &TokenCache{
		maxSize: maxSize,
		ttl:     ttl,
		ll:      list.New(),
		items:   make(map[uint64]*list.Element),
	}
}

// Get returns the cached token sequence for query, if present and fresh.
func (c *TokenCache) Get(query string) ([]string, bool) {
	if c == nil || c.maxSize <= 0 {
		return nil, false
	}
	key := xxhash.Sum64String(query)

	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		c.misses++
		return nil, false
	}
	entry := el.Value.(*tokenEntry)
	if c.ttl > 0 && time.Now().After(entry.expiresAt) {
		c.ll.Remove(el)
		delete(c.items, key)
		c.misses++
		return nil, false
	}
	c.ll.MoveToFront(el)
	c.hits++
	out := make([]string, len(entry.terms))
	copy(out, entry.terms)
	return out, true
}

// Put stores the token sequence for query, evicting the least recently
// used entry when full.
func (c *TokenCache) Put(query string, terms []string) {
	if c == nil || c.maxSize <= 0 {
		return
	}
	key := xxhash.Sum64String(query)
	own := make([]string, len(terms))
	copy(own, terms)

	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[key]; ok {
		entry := el.Value.(*tokenEntry)
		entry.terms = own
		entry.expiresAt = time.Now().Add(c.ttl)
		c.ll.MoveToFront(el)
		return
	}
	for c.ll.Len() >= c.maxSize {
		oldest := c.ll.Back()
		if oldest == nil {
			break
		}
		c.ll.Remove(oldest)
		delete(c.items, oldest.Value.(*tokenEntry).key)
	}
	c.items[key] = c.ll.PushFront(&tokenEntry{
		key:       key,
		terms:     own,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Stats returns cumulative hit and miss counts.
func (c *TokenCache) Stats() (hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// Len returns the number of live entries.
func (c *TokenCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

// Purge drops every entry but keeps the statistics.
func (c *TokenCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ll.Init()
	c.items = make(map[uint64]*list.Element)
}
