package cache

import (
	"sync"
	"time"
)

// TTLCache 单值内存缓存，过期后由调用方重新加载
type TTLCache[V any] struct {
	mu        sync.RWMutex
	value     V
	loaded    bool
	expiresAt time.Time
	ttl       time.Duration
	now       func() time.Time
}

// NewTTLCache 创建缓存，ttl <= 0 时不缓存
func NewTTLCache[V any](ttl time.Duration) *TTLCache[V] {
	return &TTLCache[V]{ttl: ttl, now: time.Now}
}

// Get 返回未过期的缓存值
func (c *TTLCache[V]) Get() (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var zero V
	if !c.loaded || c.now().After(c.expiresAt) {
		return zero, false
	}
	return c.value, true
}

// Set 写入缓存值
func (c *TTLCache[V]) Set(value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	c.value = value
	c.loaded = true
	c.expiresAt = c.now().Add(c.ttl)
}

// Invalidate 清除缓存值
func (c *TTLCache[V]) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero V
	c.value = zero
	c.loaded = false
}
