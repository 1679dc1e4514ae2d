package translation

import (
	"sync"
	"time"
)

// CacheStats 缓存统计信息
type CacheStats struct {
	Hits   int64
	Misses int64
	Size   int64
}

// Cache 会话级翻译缓存：去空白后的原文 -> 译文
//
// 没有容量上限，只能通过 Clear 显式失效；同一个 key 后写覆盖先写。
type Cache struct {
	data  map[string]cacheEntry
	mutex sync.RWMutex
	stats CacheStats
}

// cacheEntry 缓存条目
type cacheEntry struct {
	Value     string
	Timestamp time.Time
}

// NewCache 创建内存缓存
func NewCache() *Cache {
	return &Cache{
		data: make(map[string]cacheEntry),
	}
}

// Get 获取缓存
func (c *Cache) Get(key string) (string, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.data[key]
	if !exists {
		c.stats.Misses++
		return "", false
	}

	c.stats.Hits++
	return entry.Value, true
}

// Peek 读取缓存但不计入统计
func (c *Cache) Peek(key string) (string, bool) {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	entry, exists := c.data[key]
	return entry.Value, exists
}

// Set 设置缓存
func (c *Cache) Set(key string, value string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data[key] = cacheEntry{
		Value:     value,
		Timestamp: time.Now(),
	}
	c.stats.Size = int64(len(c.data))
}

// SetAll 批量写入
func (c *Cache) SetAll(pairs map[string]string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	now := time.Now()
	for k, v := range pairs {
		c.data[k] = cacheEntry{Value: v, Timestamp: now}
	}
	c.stats.Size = int64(len(c.data))
}

// RecordLookups 补记一次分区查询的命中情况
func (c *Cache) RecordLookups(hits, misses int) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.stats.Hits += int64(hits)
	c.stats.Misses += int64(misses)
}

// Len 返回条目数
func (c *Cache) Len() int {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return len(c.data)
}

// Clear 清除所有缓存
func (c *Cache) Clear() {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	c.data = make(map[string]cacheEntry)
	c.stats = CacheStats{}
}

// Stats 获取缓存统计信息
func (c *Cache) Stats() CacheStats {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	return c.stats
}
