// Package snapcache remembers the last value set under each key so that
// switching between keys restores what was there instead of starting over.
package snapcache

import (
	"sort"
	"sync"
)

// Cache maps keys to their last-set value and tracks one active key whose
// value is exposed as the current value. It is safe for concurrent use.
type Cache[K comparable, V any] struct {
	mu        sync.RWMutex
	values    map[K]V
	active    K
	hasActive bool

	def   func() V
	clone func(V) V
}

// Option configures a Cache.
type Option[K comparable, V any] func(*Cache[K, V])

// WithDefault sets the value returned for keys that were never set.
// Without it the zero value of V is used.
func WithDefault[K comparable, V any](def func() V) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.def = def
	}
}

// WithClone copies values on the way in and out so that stored values never
// alias a caller's slice or map.
func WithClone[K comparable, V any](clone func(V) V) Option[K, V] {
	return func(c *Cache[K, V]) {
		c.clone = clone
	}
}

// New creates an empty cache with no active key.
func New[K comparable, V any](opts ...Option[K, V]) *Cache[K, V] {
	c := &Cache[K, V]{
		values: make(map[K]V),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the last value set under key, or the default if key was never
// set.
func (c *Cache[K, V]) Get(key K) V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lookup(key)
}

// Set stores value under key. If key is active, value becomes the current
// value.
func (c *Cache[K, V]) Set(key K, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[key] = c.copy(value)
}

// Activate makes key the active key and returns the value restored for it.
func (c *Cache[K, V]) Activate(key K) V {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.active = key
	c.hasActive = true
	return c.lookup(key)
}

// Active returns the active key, if any.
func (c *Cache[K, V]) Active() (K, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.active, c.hasActive
}

// Current returns the value of the active key, or the default when no key
// is active.
func (c *Cache[K, V]) Current() V {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.hasActive {
		return c.zero()
	}
	return c.lookup(c.active)
}

// Delete forgets the value stored under key. The active key is unchanged and
// reads of it return the default.
func (c *Cache[K, V]) Delete(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.values, key)
}

// Keys returns every key that currently holds a value, in no particular
// order.
func (c *Cache[K, V]) Keys() []K {
	c.mu.RLock()
	defer c.mu.RUnlock()
	keys := make([]K, 0, len(c.values))
	for k := range c.values {
		keys = append(keys, k)
	}
	return keys
}

// Len returns the number of keys holding a value.
func (c *Cache[K, V]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.values)
}

// lookup must be called with mu held.
func (c *Cache[K, V]) lookup(key K) V {
	if v, ok := c.values[key]; ok {
		return c.copy(v)
	}
	return c.zero()
}

func (c *Cache[K, V]) zero() V {
	if c.def != nil {
		return c.def()
	}
	var v V
	return v
}

func (c *Cache[K, V]) copy(v V) V {
	if c.clone != nil {
		return c.clone(v)
	}
	return v
}

// SortedKeys returns the keys of c ordered by less.
func SortedKeys[K comparable, V any](c *Cache[K, V], less func(a, b K) bool) []K {
	keys := c.Keys()
	sort.Slice(keys, func(i, j int) bool { return less(keys[i], keys[j]) })
	return keys
}
