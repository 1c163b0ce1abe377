package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// LRU 有界、带 TTL 的进程内缓存（L1）。
// 过期项在读取时惰性删除，不启动后台清理 goroutine。
type LRU[K comparable, V any] struct {
	mu  sync.Mutex
	lru *simplelru.LRU[K, lruEntry[V]]
	ttl time.Duration
	now func() time.Time
}

type lruEntry[V any] struct {
	value     V
	expiresAt time.Time
}

// NewLRU 创建缓存；size <= 0 时使用 512，ttl <= 0 表示永不过期
func NewLRU[K comparable, V any](size int, ttl time.Duration) *LRU[K, V] {
	if size <= 0 {
		size = 512
	}
	// simplelru.NewLRU 只在 size <= 0 时返回错误
	inner, _ := simplelru.NewLRU[K, lruEntry[V]](size, nil)
	return &LRU[K, V]{lru: inner, ttl: ttl, now: time.Now}
}

// Get 读取未过期的值
func (c *LRU[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if !e.expiresAt.IsZero() && !c.now().Before(e.expiresAt) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

// Add 写入值，容量满时淘汰最久未使用项
func (c *LRU[K, V]) Add(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e := lruEntry[V]{value: value}
	if c.ttl > 0 {
		e.expiresAt = c.now().Add(c.ttl)
	}
	c.lru.Add(key, e)
}

// Remove 删除一项
func (c *LRU[K, V]) Remove(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Remove(key)
}

// Len 返回当前条目数（可能包含尚未惰性删除的过期项）
func (c *LRU[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Purge 清空缓存
func (c *LRU[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
}
