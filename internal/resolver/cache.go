package resolver

import (
	"sync"

	"github.com/robot-viewer/backend/internal/fileset"
	"golang.org/x/sync/singleflight"
)

// Cache memoizes resolutions and decoded assets for one load. Concurrent
// requests for the same key share a single in-flight call. A Cache is
// discarded with its load.
type Cache struct {
	r     *Resolver
	group singleflight.Group

	mu      sync.Mutex
	handles map[string]cachedHandle
	values  map[string]cachedValue
}

type cachedHandle struct {
	h  fileset.FileHandle
	ok bool
}

type cachedValue struct {
	v   any
	err error
}

// NewCache wraps r with a per-load cache.
func NewCache(r *Resolver) *Cache {
	return &Cache{
		r:       r,
		handles: make(map[string]cachedHandle),
		values:  make(map[string]cachedValue),
	}
}

// Resolver returns the wrapped resolver.
func (c *Cache) Resolver() *Resolver { return c.r }

// Resolve is Resolver.Resolve memoized by the normalized reference.
func (c *Cache) Resolve(ref, contextDir, packageHint string) (fileset.FileHandle, bool) {
	nr := Normalize(ref, contextDir, packageHint)
	key := "resolve\x00" + nr.Original + "\x00" + nr.Key()

	c.mu.Lock()
	if hit, ok := c.handles[key]; ok {
		c.mu.Unlock()
		return hit.h, hit.ok
	}
	c.mu.Unlock()

	v, _, _ := c.group.Do(key, func() (any, error) {
		c.mu.Lock()
		if hit, ok := c.handles[key]; ok {
			c.mu.Unlock()
			return hit, nil
		}
		c.mu.Unlock()
		m, ok := c.r.Lookup(nr)
		res := cachedHandle{h: m.Handle, ok: ok}
		c.mu.Lock()
		c.handles[key] = res
		c.mu.Unlock()
		return res, nil
	})
	res := v.(cachedHandle)
	return res.h, res.ok
}

// ResolveTexture is Resolver.ResolveTexture through the cache.
func (c *Cache) ResolveTexture(ref, contextDir, packageHint string) (fileset.FileHandle, bool) {
	if h, ok := c.Resolve(ref, contextDir, packageHint); ok {
		return h, true
	}
	return Placeholder(ref), false
}

// Do runs fn once per key for the lifetime of the cache and returns the
// stored result to every caller, including concurrent ones.
func (c *Cache) Do(key string, fn func() (any, error)) (any, error) {
	c.mu.Lock()
	if hit, ok := c.values[key]; ok {
		c.mu.Unlock()
		return hit.v, hit.err
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do("value\x00"+key, func() (any, error) {
		c.mu.Lock()
		if hit, ok := c.values[key]; ok {
			c.mu.Unlock()
			return hit.v, hit.err
		}
		c.mu.Unlock()
		v, err := fn()
		c.mu.Lock()
		c.values[key] = cachedValue{v: v, err: err}
		c.mu.Unlock()
		return v, err
	})
	return v, err
}

// Len returns the number of memoized entries.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handles) + len(c.values)
}
