// Package metacache implements the metadata-age cache (component A): a
// bounded, TTL-expiring, LRU-evicted cache of per-stream max_age, with
// concurrent misses on the same key coalesced to a single underlying load.
//
// The coalescing is grounded on the singleflight.Group pattern used for
// snapshot loads in topic subscription fan-in (golang.org/x/sync/singleflight);
// the LRU list is the standard container/list two-pointer idiom, kept on the
// standard library because no third-party LRU implementation appears
// anywhere in the example corpus this store draws its stack from.
package metacache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/rzbill/ledger/internal/clock"
)

// Loader fetches the authoritative max_age for a stream, returning (value,
// found) — found=false means "no metadata set", which is itself cacheable.
type Loader func(ctx context.Context, streamID string) (maxAgeSeconds *uint32, found bool, err error)

type entry struct {
	streamID  string
	value     *uint32
	found     bool
	cachedAt  time.Time
	listElem  *list.Element
}

// Cache is the process-wide, single-instance metadata-age cache described by
// component A. It must never be shared across store instances.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used
	maxSize int
	expiry  time.Duration
	clock   clock.Func
	load    Loader
	group   singleflight.Group
}

// Options configures a new Cache.
type Options struct {
	MaxSize int
	Expiry  time.Duration
	Clock   clock.Func
	Loader  Loader
}

// New constructs a Cache. MaxSize <= 0 disables eviction (unbounded).
func New(opts Options) *Cache {
	cl := opts.Clock
	if cl == nil {
		cl = clock.System
	}
	return &Cache{
		entries: make(map[string]*entry),
		lru:     list.New(),
		maxSize: opts.MaxSize,
		expiry:  opts.Expiry,
		clock:   cl,
		load:    opts.Loader,
	}
}

// GetMaxAge returns the cached max_age for streamID, loading fresh via the
// configured Loader if absent or expired. Concurrent calls for the same
// absent key coalesce onto a single load.
func (c *Cache) GetMaxAge(ctx context.Context, streamID string) (*uint32, error) {
	now := c.clock()

	c.mu.Lock()
	if e, ok := c.entries[streamID]; ok && now.Sub(e.cachedAt) < c.expiry {
		c.touch(e)
		value := e.value
		c.mu.Unlock()
		return value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(streamID, func() (interface{}, error) {
		value, found, err := c.load(ctx, streamID)
		if err != nil {
			return nil, err
		}
		c.store(streamID, value, found)
		return value, nil
	})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	return v.(*uint32), nil
}

// Invalidate removes a cached entry, forcing the next GetMaxAge to reload.
func (c *Cache) Invalidate(streamID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[streamID]; ok {
		c.lru.Remove(e.listElem)
		delete(c.entries, streamID)
	}
}

func (c *Cache) store(streamID string, value *uint32, found bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.entries[streamID]; ok {
		e.value = value
		e.found = found
		e.cachedAt = c.clock()
		c.touch(e)
		return
	}

	e := &entry{streamID: streamID, value: value, found: found, cachedAt: c.clock()}
	e.listElem = c.lru.PushFront(e)
	c.entries[streamID] = e

	if c.maxSize > 0 && len(c.entries) > c.maxSize {
		c.evictOldest()
	}
}

func (c *Cache) touch(e *entry) {
	c.lru.MoveToFront(e.listElem)
}

func (c *Cache) evictOldest() {
	oldest := c.lru.Back()
	if oldest == nil {
		return
	}
	e := oldest.Value.(*entry)
	c.lru.Remove(oldest)
	delete(c.entries, e.streamID)
}

// Len reports the current number of cached entries (test/diagnostic use).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
