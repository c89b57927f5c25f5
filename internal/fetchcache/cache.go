// Package fetchcache provides a read-through TTL cache with single-flight
// fetch coordination: any number of concurrent callers for one key share a
// single upstream fetch. Failed fetches are never stored, so the next caller
// retries from scratch.
package fetchcache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/you/swapfeed/internal/metrics"
)

// maxFlightTime bounds a detached fetch so a hung upstream cannot pin the
// flight forever.
const maxFlightTime = 30 * time.Second

type entry[T any] struct {
	value     T
	fetchedAt time.Time
	version   uint64
}

type Cache[T any] struct {
	name string
	ttl  time.Duration

	mu      sync.RWMutex
	entries map[string]entry[T]

	group singleflight.Group
	now   func() time.Time
}

// New creates a cache. The name labels the cache's metrics.
func New[T any](name string, ttl time.Duration) *Cache[T] {
	return &Cache[T]{
		name:    name,
		ttl:     ttl,
		entries: make(map[string]entry[T]),
		now:     time.Now,
	}
}

// GetOrFetch returns the cached value when fresh, otherwise runs fetch under
// single-flight and stores the result. The fetch itself is detached from the
// caller's cancellation (values carry over) and bounded by maxFlightTime, so
// a flight already shared with other callers always runs to completion.
func (c *Cache[T]) GetOrFetch(ctx context.Context, key string, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ok := c.Peek(key); ok {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return v, nil
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		// A flight that finished between our Peek and Do may already have
		// stored a fresh value.
		if v, ok := c.Peek(key); ok {
			return v, nil
		}
		metrics.UpstreamFetches.WithLabelValues(c.name).Inc()
		// Joiners share this flight's result, so the fetch runs detached
		// from the leader's context: one caller leaving must not fail the
		// rest.
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxFlightTime)
		defer cancel()
		val, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.Set(key, val)
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// GetOrFetchVersioned behaves like GetOrFetch but treats the entry as fresh
// only if its version is at least minVersion; the fetched value is stored
// with minVersion and can never regress an entry that carries a newer one.
func (c *Cache[T]) GetOrFetchVersioned(ctx context.Context, key string, minVersion uint64, fetch func(ctx context.Context) (T, error)) (T, error) {
	if v, ver, ok := c.peekVersion(key); ok && ver >= minVersion {
		metrics.CacheHits.WithLabelValues(c.name).Inc()
		return v, nil
	}
	metrics.CacheMisses.WithLabelValues(c.name).Inc()

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ver, ok := c.peekVersion(key); ok && ver >= minVersion {
			return v, nil
		}
		metrics.UpstreamFetches.WithLabelValues(c.name).Inc()
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), maxFlightTime)
		defer cancel()
		val, err := fetch(fctx)
		if err != nil {
			return nil, err
		}
		c.SetIfNewer(key, val, minVersion)
		// Serve what the cache holds: a concurrent newer write wins.
		if cur, _, ok := c.peekVersion(key); ok {
			return cur, nil
		}
		return val, nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	return v.(T), nil
}

// Peek returns the value only when a fresh entry exists. No I/O.
func (c *Cache[T]) Peek(key string) (T, bool) {
	v, _, ok := c.peekVersion(key)
	return v, ok
}

func (c *Cache[T]) peekVersion(key string) (T, uint64, bool) {
	c.mu.RLock()
	e, ok := c.entries[key]
	c.mu.RUnlock()
	if !ok || c.now().Sub(e.fetchedAt) >= c.ttl {
		var zero T
		return zero, 0, false
	}
	return e.value, e.version, true
}

// Set stores a value with fetchedAt = now, keeping any existing version.
func (c *Cache[T]) Set(key string, value T) {
	c.mu.Lock()
	ver := c.entries[key].version
	c.entries[key] = entry[T]{value: value, fetchedAt: c.now(), version: ver}
	c.mu.Unlock()
}

// SetIfNewer stores the value only when version is strictly larger than the
// stored one (or the key is absent). Out-of-order completions therefore
// cannot regress the cache. Reports whether the write happened.
func (c *Cache[T]) SetIfNewer(key string, value T, version uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok && version <= e.version {
		return false
	}
	c.entries[key] = entry[T]{value: value, fetchedAt: c.now(), version: version}
	return true
}

func (c *Cache[T]) Invalidate(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

func (c *Cache[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
