package tool

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tidwall/pretty"

	"agentdispatch/internal/infra/config"
)

// Cache stores successful outputs of cacheable tools.
type Cache interface {
	Get(ctx context.Context, key string) (json.RawMessage, bool)
	Set(ctx context.Context, key string, value json.RawMessage, ttl time.Duration)
	// Purge drops expired entries and returns how many were removed.
	Purge(ctx context.Context) int
	Len() int
}

var canonicalOpts = &pretty.Options{SortKeys: true}

// Canonical returns input with object keys sorted and insignificant
// whitespace removed, so equivalent arguments compare equal.
func Canonical(input json.RawMessage) []byte {
	if len(input) == 0 {
		return []byte("null")
	}
	return pretty.Ugly(pretty.PrettyOptions(input, canonicalOpts))
}

// CacheKey derives the cache key for a call of tool with input.
func CacheKey(tool string, input json.RawMessage) string {
	sum := sha256.Sum256(Canonical(input))
	return tool + ":" + hex.EncodeToString(sum[:])
}

// NewCache builds the configured cache backend.
func NewCache(cfg config.CacheConfig, logger *slog.Logger) (Cache, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryCache(cfg.MaxEntries), nil
	case "redis":
		return NewRedisCache(cfg, logger)
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// MemoryCache is an in-process LRU with per-entry expiry.
type MemoryCache struct {
	mu         sync.Mutex
	maxEntries int
	ll         *list.List
	items      map[string]*list.Element
	now        func() time.Time
}

type cacheItem struct {
	key     string
	value   json.RawMessage
	expires time.Time
}

// NewMemoryCache creates a cache holding at most maxEntries items.
// maxEntries <= 0 means unbounded.
func NewMemoryCache(maxEntries int) *MemoryCache {
	return &MemoryCache{
		maxEntries: maxEntries,
		ll:         list.New(),
		items:      make(map[string]*list.Element),
		now:        time.Now,
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	item := el.Value.(*cacheItem)
	if !c.now().Before(item.expires) {
		c.removeElement(el)
		return nil, false
	}
	c.ll.MoveToFront(el)
	return item.value, true
}

func (c *MemoryCache) Set(_ context.Context, key string, value json.RawMessage, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	expires := c.now().Add(ttl)
	if el, ok := c.items[key]; ok {
		item := el.Value.(*cacheItem)
		item.value, item.expires = value, expires
		c.ll.MoveToFront(el)
		return
	}
	c.items[key] = c.ll.PushFront(&cacheItem{key: key, value: value, expires: expires})
	if c.maxEntries > 0 && c.ll.Len() > c.maxEntries {
		c.removeElement(c.ll.Back())
	}
}

func (c *MemoryCache) Purge(_ context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	removed := 0
	for el := c.ll.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*cacheItem).expires) {
			c.removeElement(el)
			removed++
		}
		el = prev
	}
	return removed
}

func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ll.Len()
}

func (c *MemoryCache) removeElement(el *list.Element) {
	c.ll.Remove(el)
	delete(c.items, el.Value.(*cacheItem).key)
}
