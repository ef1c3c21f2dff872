// Package promptcache implements the two-tier (in-process L1, external L2)
// result cache described in spec §4.8: single-flight at-most-once
// computation per fingerprint, TTL expiry, and cost accounting.
package promptcache

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/joeycumines/promptbridge/fingerprint"
	"github.com/joeycumines/promptbridge/observability"
)

const shardCount = 16

// Entry is a cached predictor result.
type Entry struct {
	Value     any
	ExpiresAt time.Time
}

func (e Entry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// Store is the external (L2) cache backing, implemented by RedisStore.
type Store interface {
	Get(ctx context.Context, key fingerprint.Digest) (persistedEntry, bool, error)
	Set(ctx context.Context, key fingerprint.Digest, entry persistedEntry) error
	Delete(ctx context.Context, key fingerprint.Digest) error
	DeletePrefix(ctx context.Context, prefix byte) error
}

// Stats are atomic counters tracking cache effectiveness.
type Stats struct {
	L1Hits   atomic.Int64
	L1Misses atomic.Int64
	L2Hits   atomic.Int64
	L2Misses atomic.Int64
	L2Errors atomic.Int64
	Stores   atomic.Int64
}

// Compute is invoked on a cache miss to produce the value to store.
type Compute func(ctx context.Context) (any, error)

// Cache is the two-tier cache: an L1 sharded by the first byte of the
// fingerprint (mirroring a sharded-mutex L1 design, grounded on the pack's
// distributed cache-manager reference), an optional L2 Store, and a
// singleflight.Group per shard to collapse concurrent misses for the same
// key into one Compute call.
type Cache struct {
	shards [shardCount]shard
	l2     Store
	ttl    time.Duration
	Stats  Stats
	sink   observability.Sink
}

type shard struct {
	mu    sync.Mutex
	lru   *lru.Cache[fingerprint.Digest, Entry]
	group singleflight.Group
}

// New constructs a Cache with an L1 of l1Size entries total (divided evenly
// across shards) and the given default TTL. l2 may be nil to disable the
// external tier.
func New(l1Size int, ttl time.Duration, l2 Store) (*Cache, error) {
	perShard := l1Size / shardCount
	if perShard < 1 {
		perShard = 1
	}

	c := &Cache{l2: l2, ttl: ttl, sink: observability.NopSink{}}
	for i := range c.shards {
		l, err := lru.New[fingerprint.Digest, Entry](perShard)
		if err != nil {
			return nil, err
		}
		c.shards[i].lru = l
	}
	return c, nil
}

// SetSink configures the Sink cache hit/miss/store events are reported to.
// A nil sink reverts to NopSink. Not safe to call concurrently with
// GetOrCompute.
func (c *Cache) SetSink(sink observability.Sink) {
	if sink == nil {
		sink = observability.NopSink{}
	}
	c.sink = sink
}

func (c *Cache) shardFor(key fingerprint.Digest) *shard {
	return &c.shards[key[0]%shardCount]
}

// GetOrCompute returns the cached value for key, computing and storing it
// via compute on a miss. Concurrent calls for the same key collapse into a
// single compute invocation, whose result every waiting caller receives.
func (c *Cache) GetOrCompute(ctx context.Context, key fingerprint.Digest, compute Compute) (any, error) {
	if v, ok := c.getL1(key); ok {
		c.sink.Emit(observability.Event{Kind: observability.EventCacheHit, Fingerprint: key})
		return v, nil
	}

	if c.l2 != nil {
		if v, ok := c.getL2(ctx, key); ok {
			c.putL1(key, v)
			c.sink.Emit(observability.Event{Kind: observability.EventCacheHit, Fingerprint: key})
			return v, nil
		}
	}

	c.sink.Emit(observability.Event{Kind: observability.EventCacheMiss, Fingerprint: key})

	sh := c.shardFor(key)
	groupKey := key.String()

	v, err, _ := sh.group.Do(groupKey, func() (any, error) {
		// Re-check L1 in case another goroutine populated it while we were
		// waiting to enter the singleflight group.
		if v, ok := c.getL1(key); ok {
			return v, nil
		}

		result, err := compute(ctx)
		if err != nil {
			return nil, err
		}

		c.Stats.Stores.Add(1)
		c.putL1(key, result)
		if c.l2 != nil {
			expiresAt := c.expiry()
			_ = c.l2.Set(ctx, key, persistedEntry{
				Fingerprint: key,
				Value:       result,
				ExpiresAt:   expiresAt,
				Version:     currentVersion,
			})
		}
		c.sink.Emit(observability.Event{Kind: observability.EventCacheStore, Fingerprint: key})
		return result, nil
	})
	return v, err
}

func (c *Cache) expiry() time.Time {
	if c.ttl <= 0 {
		return time.Time{}
	}
	return time.Now().Add(c.ttl)
}

func (c *Cache) getL1(key fingerprint.Digest) (any, bool) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.lru.Get(key)
	if !ok {
		c.Stats.L1Misses.Add(1)
		return nil, false
	}
	if e.expired(time.Now()) {
		sh.lru.Remove(key)
		c.Stats.L1Misses.Add(1)
		return nil, false
	}
	c.Stats.L1Hits.Add(1)
	return e.Value, true
}

func (c *Cache) putL1(key fingerprint.Digest, value any) {
	sh := c.shardFor(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	sh.lru.Add(key, Entry{Value: value, ExpiresAt: c.expiry()})
}

func (c *Cache) getL2(ctx context.Context, key fingerprint.Digest) (any, bool) {
	entry, ok, err := c.l2.Get(ctx, key)
	if err != nil {
		c.Stats.L2Errors.Add(1)
		return nil, false
	}
	if !ok {
		c.Stats.L2Misses.Add(1)
		return nil, false
	}
	if entry.Version != currentVersion {
		c.Stats.L2Misses.Add(1)
		return nil, false
	}
	if !entry.ExpiresAt.IsZero() && time.Now().After(entry.ExpiresAt) {
		c.Stats.L2Misses.Add(1)
		return nil, false
	}
	c.Stats.L2Hits.Add(1)
	return entry.Value, true
}

// Invalidate removes key from both tiers.
func (c *Cache) Invalidate(ctx context.Context, key fingerprint.Digest) error {
	sh := c.shardFor(key)
	sh.mu.Lock()
	sh.lru.Remove(key)
	sh.mu.Unlock()

	if c.l2 != nil {
		return c.l2.Delete(ctx, key)
	}
	return nil
}

// Flush clears every shard's L1, and the L2 tier if present.
func (c *Cache) Flush(ctx context.Context) error {
	for i := range c.shards {
		c.shards[i].mu.Lock()
		c.shards[i].lru.Purge()
		c.shards[i].mu.Unlock()
	}
	if c.l2 == nil {
		return nil
	}
	for b := 0; b < 256; b++ {
		if err := c.l2.DeletePrefix(ctx, byte(b)); err != nil {
			return err
		}
	}
	return nil
}
