// Package cache provides a small in-process read-through cache. It is
// advisory: every miss falls back to the source of truth, and only
// successful lookups are stored.
package cache

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	Prefix = "depot"

	CredentialTTL = 300 * time.Second
	BucketTTL     = 3600 * time.Second

	DefaultSize = 4096
)

// Key builds a namespaced cache key: depot:<kind>:<part>:<part>...
func Key(kind string, parts ...string) string {
	return strings.Join(append([]string{Prefix, kind}, parts...), ":")
}

type TTLCache[V any] struct {
	entries *expirable.LRU[string, V]
	group   singleflight.Group

	// mu orders stores against invalidations; epoch counts invalidations.
	mu    sync.Mutex
	epoch uint64
}

// New returns a cache holding at most size entries for ttl each. A size of
// zero or less disables caching; every lookup goes to the loader.
func New[V any](size int, ttl time.Duration) *TTLCache[V] {
	c := &TTLCache[V]{}
	if size > 0 {
		c.entries = expirable.NewLRU[string, V](size, nil, ttl)
	}
	return c
}

func (c *TTLCache[V]) Get(key string) (V, bool) {
	if c.entries == nil {
		var zero V
		return zero, false
	}
	return c.entries.Get(key)
}

func (c *TTLCache[V]) Set(key string, value V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.entries != nil {
		c.entries.Add(key, value)
	}
}

// Invalidate drops key. Loads already in flight for it are detached, so
// later callers load afresh and the stale result is never stored.
func (c *TTLCache[V]) Invalidate(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.epoch++
	c.group.Forget(key)
	if c.entries != nil {
		c.entries.Remove(key)
	}
}

func (c *TTLCache[V]) currentEpoch() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.epoch
}

// setIfCurrent stores value unless an invalidation happened since epoch.
func (c *TTLCache[V]) setIfCurrent(key string, value V, epoch uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.epoch == epoch && c.entries != nil {
		c.entries.Add(key, value)
	}
}

func (c *TTLCache[V]) Len() int {
	if c.entries == nil {
		return 0
	}
	return c.entries.Len()
}

// GetOrLoad returns the cached value for key or calls load. Concurrent
// misses for the same key share one load. Errors are never cached.
func (c *TTLCache[V]) GetOrLoad(ctx context.Context, key string, load func(context.Context) (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		epoch := c.currentEpoch()
		v, err := load(ctx)
		if err != nil {
			return v, err
		}
		c.setIfCurrent(key, v, epoch)
		return v, nil
	})
	res, _ := v.(V)
	return res, err
}
