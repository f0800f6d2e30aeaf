// Package cache is the in-process read-through/write-through layer in front of
// the stores. It never owns data: dropping any entry, or the whole cache,
// only costs a backing read.
package cache

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"chatstore/pkg/domain"
)

// Defaults applied when Config fields are zero.
const (
	DefaultMaxEntries = 10_000
	DefaultShards     = 16

	// minShardEntries is the smallest per-shard entry bound New allows.
	minShardEntries = 64
)

// Config bounds a cache. MaxEntries and MaxBytes apply to the whole cache and
// are split evenly across shards; MaxBytes <= 0 disables the byte bound.
// Shards is lowered to at most MaxEntries/64, and never below one.
type Config struct {
	Name       string
	MaxEntries int
	MaxBytes   int64
	Shards     int
	Disabled   bool
	Registerer prometheus.Registerer
}

// Sizer estimates the retained size of a value in bytes.
type Sizer[V any] func(key string, value V) int64

// Loader reads the authoritative value for a key. ok=false records absence.
type Loader[V any] func(ctx context.Context) (value V, ok bool, err error)

// Stats is a point-in-time copy of the cache counters.
type Stats struct {
	Hits      uint64
	Misses    uint64
	Evictions uint64
	Entries   int
	Bytes     int64
}

// Cache is a sharded LRU keyed by string. Absent values are cached too, so a
// repeated miss on a missing key does not hit the store again.
type Cache[V any] struct {
	name     string
	shards   []*shard[V]
	sizer    Sizer[V]
	group    singleflight.Group
	disabled bool
	metrics  *metrics

	hits, misses, evictions atomic.Uint64
}

type item[V any] struct {
	value   V
	present bool
	size    int64
}

type shard[V any] struct {
	mu       sync.Mutex
	lru      *simplelru.LRU[string, item[V]]
	bytes    int64
	maxBytes int64
	// gen advances on every write so a load that raced with it is discarded
	// and later readers do not join its flight.
	gen      uint64
	explicit bool
	owner    *Cache[V]
}

type loadResult[V any] struct {
	value V
	ok    bool
}

// New builds a cache. A nil sizer counts every entry as one byte.
func New[V any](cfg Config, sizer Sizer[V]) (*Cache[V], error) {
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.Shards <= 0 {
		cfg.Shards = DefaultShards
	}
	cfg.Shards = min(cfg.Shards, max(1, cfg.MaxEntries/minShardEntries))
	if sizer == nil {
		sizer = func(string, V) int64 { return 1 }
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	c := &Cache[V]{name: cfg.Name, sizer: sizer, disabled: cfg.Disabled, metrics: m}
	perShard := (cfg.MaxEntries + cfg.Shards - 1) / cfg.Shards
	var perShardBytes int64
	if cfg.MaxBytes > 0 {
		perShardBytes = (cfg.MaxBytes + int64(cfg.Shards) - 1) / int64(cfg.Shards)
	}
	c.shards = make([]*shard[V], cfg.Shards)
	for i := range c.shards {
		sh := &shard[V]{maxBytes: perShardBytes, owner: c}
		lru, err := simplelru.NewLRU[string, item[V]](perShard, sh.onEvict)
		if err != nil {
			return nil, err
		}
		sh.lru = lru
		c.shards[i] = sh
	}
	return c, nil
}

func (c *Cache[V]) shardFor(key string) *shard[V] {
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get returns the cached entry. hit reports whether the key was cached at
// all; present reports whether the cached entry is a value or an absence.
func (c *Cache[V]) Get(key string) (value V, present, hit bool) {
	if c.disabled {
		return value, false, false
	}
	sh := c.shardFor(key)
	sh.mu.Lock()
	it, ok := sh.lru.Get(key)
	sh.mu.Unlock()
	if !ok {
		c.recordMiss()
		return value, false, false
	}
	c.recordHit()
	return it.value, it.present, true
}

// GetOrLoad returns the cached entry or calls load exactly once per miss
// window. Concurrent misses for the same key share one load, which runs under
// the first caller's ctx; every caller stops waiting when its own ctx ends.
// The result is cached only if no write touched the shard while the load ran.
func (c *Cache[V]) GetOrLoad(ctx context.Context, key string, load Loader[V]) (V, bool, error) {
	if c.disabled {
		return load(ctx)
	}
	sh := c.shardFor(key)
	sh.mu.Lock()
	if it, ok := sh.lru.Get(key); ok {
		sh.mu.Unlock()
		c.recordHit()
		return it.value, it.present, nil
	}
	gen := sh.gen
	sh.mu.Unlock()
	c.recordMiss()

	flight := key + "\x00" + strconv.FormatUint(gen, 10)
	ch := c.group.DoChan(flight, func() (any, error) {
		value, ok, err := load(ctx)
		if err != nil {
			return nil, err
		}
		sh.mu.Lock()
		if sh.gen == gen {
			sh.put(key, value, ok, c.sizer)
		}
		sh.mu.Unlock()
		return loadResult[V]{value: value, ok: ok}, nil
	})
	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		var zero V
		return zero, false, c.abandoned(ctx)
	}
	if res.Err != nil {
		var zero V
		return zero, false, res.Err
	}
	lr, ok := res.Val.(loadResult[V])
	if !ok {
		var zero V
		return zero, false, errors.New("cache: unexpected load result")
	}
	return lr.value, lr.ok, nil
}

// abandoned reports a waiter whose ctx ended before the shared load finished.
func (c *Cache[V]) abandoned(ctx context.Context) error {
	op := "cache." + c.name
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return &domain.TimeoutError{Op: op, Err: ctx.Err()}
	}
	return &domain.StorageError{Op: op, Err: ctx.Err()}
}

// Set records value as the authoritative entry for key.
func (c *Cache[V]) Set(key string, value V) {
	c.write(key, value, true)
}

// SetAbsent records that key has no value.
func (c *Cache[V]) SetAbsent(key string) {
	var zero V
	c.write(key, zero, false)
}

func (c *Cache[V]) write(key string, value V, present bool) {
	if c.disabled {
		return
	}
	sh := c.shardFor(key)
	sh.mu.Lock()
	sh.gen++
	sh.put(key, value, present, c.sizer)
	sh.mu.Unlock()
}

// Invalidate drops keys so the next read goes to the store.
func (c *Cache[V]) Invalidate(keys ...string) {
	if c.disabled {
		return
	}
	for _, key := range keys {
		sh := c.shardFor(key)
		sh.mu.Lock()
		sh.gen++
		sh.explicit = true
		sh.lru.Remove(key)
		sh.explicit = false
		sh.mu.Unlock()
	}
}

// Purge empties every shard.
func (c *Cache[V]) Purge() {
	for _, sh := range c.shards {
		sh.mu.Lock()
		sh.gen++
		sh.explicit = true
		sh.lru.Purge()
		sh.explicit = false
		sh.mu.Unlock()
	}
}

// Stats returns the current counters.
func (c *Cache[V]) Stats() Stats {
	s := Stats{Hits: c.hits.Load(), Misses: c.misses.Load(), Evictions: c.evictions.Load()}
	for _, sh := range c.shards {
		sh.mu.Lock()
		s.Entries += sh.lru.Len()
		s.Bytes += sh.bytes
		sh.mu.Unlock()
	}
	return s
}

// put stores an entry and enforces the byte bound. Callers hold sh.mu.
func (sh *shard[V]) put(key string, value V, present bool, sizer Sizer[V]) {
	var size int64 = 1
	if present {
		size = sizer(key, value)
	}
	if sh.maxBytes > 0 && size > sh.maxBytes {
		sh.explicit = true
		sh.lru.Remove(key)
		sh.explicit = false
		return
	}
	if old, ok := sh.lru.Peek(key); ok {
		sh.bytes -= old.size
	}
	sh.lru.Add(key, item[V]{value: value, present: present, size: size})
	sh.bytes += size
	for sh.maxBytes > 0 && sh.bytes > sh.maxBytes && sh.lru.Len() > 1 {
		sh.lru.RemoveOldest()
	}
}

func (sh *shard[V]) onEvict(_ string, it item[V]) {
	sh.bytes -= it.size
	if !sh.explicit {
		sh.owner.recordEviction()
	}
}

func (c *Cache[V]) recordHit() {
	c.hits.Add(1)
	c.metrics.hits.WithLabelValues(c.name).Inc()
}

func (c *Cache[V]) recordMiss() {
	c.misses.Add(1)
	c.metrics.misses.WithLabelValues(c.name).Inc()
}

func (c *Cache[V]) recordEviction() {
	c.evictions.Add(1)
	c.metrics.evictions.WithLabelValues(c.name).Inc()
}
