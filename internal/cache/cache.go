// Package cache provides the process-wide lookup caches handed to components
// at construction time.
package cache

import "sync"

// Cache is an unbounded concurrent map without expiry. Entries stay until
// they are deleted explicitly.
type Cache[K comparable, V any] struct {
	m sync.Map
}

func New[K comparable, V any]() *Cache[K, V] {
	return &Cache[K, V]{}
}

func (c *Cache[K, V]) Get(k K) (V, bool) {
	v, ok := c.m.Load(k)
	if !ok {
		var zero V
		return zero, false
	}
	return v.(V), true
}

func (c *Cache[K, V]) Set(k K, v V) {
	c.m.Store(k, v)
}

func (c *Cache[K, V]) Delete(k K) {
	c.m.Delete(k)
}

// Len counts the entries. It walks the whole map.
func (c *Cache[K, V]) Len() int {
	var n int
	c.m.Range(func(any, any) bool {
		n++
		return true
	})
	return n
}
