package pubsub

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LastItemCache 缓存每个节点最近一次发布的条目（RAM）
type LastItemCache struct {
	cache *expirable.LRU[string, *Item]
}

func NewLastItemCache() *LastItemCache {
	return &LastItemCache{
		cache: expirable.NewLRU[string, *Item](1024, nil, time.Hour),
	}
}

func cacheKey(host, path string) string {
	return host + "|" + path
}

func (c *LastItemCache) Get(host, path string) (*Item, bool) {
	return c.cache.Get(cacheKey(host, path))
}

func (c *LastItemCache) Put(host, path string, item *Item) {
	c.cache.Add(cacheKey(host, path), item)
}

func (c *LastItemCache) Remove(host, path string) {
	c.cache.Remove(cacheKey(host, path))
}
