package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type lruCacheMetricsCollection struct {
	evictionCount metric.Int64Counter
}

func setupLRUCacheMetrics(meter metric.Meter) (lruCacheMetricsCollection, error) {
	evictionCount, err := meter.Int64Counter(
		"cache/eviction_count",
		metric.WithDescription("Number of entries removed from the content cache"),
	)
	if err != nil {
		return lruCacheMetricsCollection{}, fmt.Errorf("failed to create eviction count metric: %w", err)
	}

	return lruCacheMetricsCollection{
		evictionCount: evictionCount,
	}, nil
}

type lruCache struct {
	cache    *ttlcache.Cache[string, []byte]
	capacity uint64
	ttl      time.Duration

	metrics          lruCacheMetricsCollection
	stopOnEviction   func()
	stopExpiryWorker func()
}

// NewLRUCache creates a cache holding at most capacity bytes of content.
// When full, the least recently accessed entries are evicted first.
//
// A ttl of 0 keeps entries until they are evicted.
func NewLRUCache(capacity uint64, ttl time.Duration) (*lruCache, error) {
	const name = "urlloader/cache"

	metrics, err := setupLRUCacheMetrics(otel.Meter(name))
	if err != nil {
		return nil, fmt.Errorf("failed to set up metrics: %w", err)
	}

	opts := []ttlcache.Option[string, []byte]{
		ttlcache.WithMaxCost[string, []byte](capacity, func(item ttlcache.CostItem[string, []byte]) uint64 {
			return uint64(len(item.Value))
		}),
	}
	if ttl > 0 {
		// Hits still refresh the LRU position, but not the expiry
		opts = append(opts,
			ttlcache.WithTTL[string, []byte](ttl),
			ttlcache.WithDisableTouchOnHit[string, []byte](),
		)
	}

	contentCache := ttlcache.New[string, []byte](opts...)

	c := &lruCache{
		cache:    contentCache,
		capacity: capacity,
		ttl:      ttl,
		metrics:  metrics,

		stopExpiryWorker: func() {},
	}

	c.stopOnEviction = contentCache.OnEviction(func(ctx context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, []byte]) {
		c.metrics.evictionCount.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", evictionReasonString(reason)),
		))
	})

	if ttl > 0 {
		go contentCache.Start()
		c.stopExpiryWorker = contentCache.Stop
	}

	return c, nil
}

func evictionReasonString(reason ttlcache.EvictionReason) string {
	switch reason {
	case ttlcache.EvictionReasonDeleted:
		return "deleted"
	case ttlcache.EvictionReasonCapacityReached:
		return "capacity_reached"
	case ttlcache.EvictionReasonExpired:
		return "expired"
	case ttlcache.EvictionReasonMaxCostExceeded:
		return "max_cost_exceeded"
	default:
		return "unknown"
	}
}

func (c *lruCache) Get(key string) ([]byte, bool) {
	item := c.cache.Get(key)
	if item == nil {
		return nil, false
	}
	return item.Value(), true
}

func (c *lruCache) Put(key string, content []byte) {
	if uint64(len(content)) > c.capacity {
		// Storing it would flush the whole cache and then evict the entry itself
		return
	}
	c.cache.Set(key, content, ttlcache.DefaultTTL)
}

// Size returns the total number of bytes currently held
func (c *lruCache) Size() uint64 {
	var total uint64
	c.cache.Range(func(item *ttlcache.Item[string, []byte]) bool {
		total += item.Cost()
		return true
	})
	return total
}

func (c *lruCache) Len() int {
	return c.cache.Len()
}

func (c *lruCache) Capacity() uint64 {
	return c.capacity
}

func (c *lruCache) Metrics() Metrics {
	m := c.cache.Metrics()
	return Metrics{
		Insertions: m.Insertions,
		Hits:       m.Hits,
		Misses:     m.Misses,
		Evictions:  m.Evictions,
	}
}

func (c *lruCache) Stop() {
	c.stopExpiryWorker()
	c.stopOnEviction()
}
