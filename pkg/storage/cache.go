package storage

import (
	"context"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/vjranagit/auc/pkg/types"
)

// CachedStorage wraps a Storage with a TTL cache of query results. Cached
// results are shared between callers and must not be modified.
type CachedStorage struct {
	Storage

	cache *gocache.Cache

	// mu orders cache fills against the flush done by Write
	mu         sync.Mutex
	generation uint64

	hits   atomic.Uint64
	misses atomic.Uint64
}

// CacheStats reports cache effectiveness
type CacheStats struct {
	Hits   uint64 `json:"hits"`
	Misses uint64 `json:"misses"`
	Items  int    `json:"items"`
}

// HitRate returns the fraction of lookups served from the cache
func (cs CacheStats) HitRate() float64 {
	total := cs.Hits + cs.Misses
	if total == 0 {
		return 0
	}
	return float64(cs.Hits) / float64(total)
}

// NewCachedStorage creates a caching wrapper around store
func NewCachedStorage(store Storage, ttl time.Duration) *CachedStorage {
	return &CachedStorage{
		Storage: store,
		cache:   gocache.New(ttl, 2*ttl),
	}
}

// Write writes through to the underlying storage and drops every cached result
func (c *CachedStorage) Write(ctx context.Context, req *types.WriteRequest) error {
	err := c.Storage.Write(ctx, req)

	c.mu.Lock()
	c.generation++
	c.cache.Flush()
	c.mu.Unlock()

	return err
}

// Query serves req from the cache or the underlying storage
func (c *CachedStorage) Query(ctx context.Context, req *types.QueryRequest) (*types.QueryResult, error) {
	key := queryKey(req)
	if cached, ok := c.cache.Get(key); ok {
		c.hits.Add(1)
		return cached.(*types.QueryResult), nil
	}
	c.misses.Add(1)

	c.mu.Lock()
	generation := c.generation
	c.mu.Unlock()

	result, err := c.Storage.Query(ctx, req)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if c.generation == generation {
		c.cache.SetDefault(key, result)
	}
	c.mu.Unlock()

	return result, nil
}

// CacheStats returns cache statistics
func (c *CachedStorage) CacheStats() CacheStats {
	return CacheStats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Items:  c.cache.ItemCount(),
	}
}

// queryKey hashes the fields that identify a query
func queryKey(req *types.QueryRequest) string {
	d := xxhash.New()
	d.WriteString(tenantOrDefault(req.TenantID))
	d.WriteString("\xff")
	d.WriteString(req.Query)
	d.WriteString("\xff")
	d.WriteString(strconv.FormatInt(req.StartTime.UnixNano(), 10))
	d.WriteString("\xff")
	d.WriteString(strconv.FormatInt(req.EndTime.UnixNano(), 10))
	return strconv.FormatUint(d.Sum64(), 16)
}
