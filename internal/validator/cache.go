package validator

import (
	"container/list"
	"sync"
	"time"

	"github.com/tendant/mcp-oauth-server/internal/domain"
)

const (
	// DefaultCacheSoftCap triggers a purge of expired entries.
	DefaultCacheSoftCap = 1000
	// DefaultCacheHardCap bounds the cache. Least recently used entries go first.
	DefaultCacheHardCap = 5000
)

type cacheEntry struct {
	token     string
	result    *domain.TokenValidationResult
	expiresAt time.Time
}

// resultCache holds positive validation results keyed by the raw token.
type resultCache struct {
	mu      sync.Mutex
	items   map[string]*list.Element
	order   *list.List // front is most recently used
	softCap int
	hardCap int
}

func newResultCache(softCap, hardCap int) *resultCache {
	return &resultCache{
		items:   make(map[string]*list.Element),
		order:   list.New(),
		softCap: softCap,
		hardCap: hardCap,
	}
}

func (c *resultCache) get(token string, now time.Time) (*domain.TokenValidationResult, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.items[token]
	if !ok {
		return nil, false
	}
	e := el.Value.(*cacheEntry)
	if !now.Before(e.expiresAt) {
		c.removeLocked(el)
		return nil, false
	}
	c.order.MoveToFront(el)
	return e.result, true
}

func (c *resultCache) put(token string, result *domain.TokenValidationResult, expiresAt time.Time, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.items[token]; ok {
		c.removeLocked(el)
	}
	c.items[token] = c.order.PushFront(&cacheEntry{token: token, result: result, expiresAt: expiresAt})

	if len(c.items) <= c.softCap {
		return
	}
	for el := c.order.Back(); el != nil; {
		prev := el.Prev()
		if !now.Before(el.Value.(*cacheEntry).expiresAt) {
			c.removeLocked(el)
		}
		el = prev
	}
	for len(c.items) > c.hardCap {
		c.removeLocked(c.order.Back())
	}
}

func (c *resultCache) removeLocked(el *list.Element) {
	c.order.Remove(el)
	delete(c.items, el.Value.(*cacheEntry).token)
}

func (c *resultCache) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *resultCache) clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*list.Element)
	c.order.Init()
}
