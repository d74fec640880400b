package plans

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Loader is the backing store behind a CachedCatalog
type Loader interface {
	Get(ctx context.Context, id string) (*Plan, error)
	ByPriceRef(ctx context.Context, priceRef string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
}

// CacheConfig sizes the plan cache
type CacheConfig struct {
	Size int
	TTL  time.Duration
}

// DefaultCacheConfig returns the default plan cache settings
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{Size: 256, TTL: time.Minute}
}

const listKey = "\x00list"

// CachedCatalog serves plans from an expiring LRU in front of a Loader.
// Concurrent misses for the same key share one load.
type CachedCatalog struct {
	loader  Loader
	cache   *lru.LRU[string, []*Plan]
	group   singleflight.Group
	metrics *observability.Metrics
}

// NewCachedCatalog wraps loader with a cache
func NewCachedCatalog(loader Loader, cfg CacheConfig, metrics *observability.Metrics) *CachedCatalog {
	if cfg.Size <= 0 {
		cfg.Size = DefaultCacheConfig().Size
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultCacheConfig().TTL
	}
	return &CachedCatalog{
		loader:  loader,
		cache:   lru.NewLRU[string, []*Plan](cfg.Size, nil, cfg.TTL),
		metrics: metrics,
	}
}

func (c *CachedCatalog) load(ctx context.Context, key string, fn func(context.Context) ([]*Plan, error)) ([]*Plan, error) {
	if v, ok := c.cache.Get(key); ok {
		c.metrics.PlanCacheLookup(true)
		return v, nil
	}
	c.metrics.PlanCacheLookup(false)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if v, ok := c.cache.Get(key); ok {
			return v, nil
		}
		out, err := fn(ctx)
		if err != nil {
			return nil, err
		}
		c.cache.Add(key, out)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]*Plan), nil
}

func single(p *Plan, err error) ([]*Plan, error) {
	if err != nil {
		return nil, err
	}
	return []*Plan{p}, nil
}

// Get returns a plan by id
func (c *CachedCatalog) Get(ctx context.Context, id string) (*Plan, error) {
	v, err := c.load(ctx, "id:"+id, func(ctx context.Context) ([]*Plan, error) {
		return single(c.loader.Get(ctx, id))
	})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// ByPriceRef returns the plan sold at priceRef
func (c *CachedCatalog) ByPriceRef(ctx context.Context, priceRef string) (*Plan, error) {
	v, err := c.load(ctx, "price:"+priceRef, func(ctx context.Context) ([]*Plan, error) {
		return single(c.loader.ByPriceRef(ctx, priceRef))
	})
	if err != nil {
		return nil, err
	}
	return v[0], nil
}

// List returns all plans
func (c *CachedCatalog) List(ctx context.Context) ([]*Plan, error) {
	return c.load(ctx, listKey, c.loader.List)
}

// Resolve returns the plan or the most restrictive active plan when id is unknown.
// Store failures are returned, never papered over with a fallback.
func (c *CachedCatalog) Resolve(ctx context.Context, id string) (*Plan, error) {
	p, err := c.Get(ctx, id)
	if err == nil {
		return p, nil
	}
	if !errors.Is(err, ErrPlanNotFound) {
		return nil, err
	}

	all, err := c.List(ctx)
	if err != nil {
		return nil, err
	}
	fallback, err := MostRestrictive(all)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan %s: %w", id, err)
	}
	return fallback, nil
}

// Invalidate drops every cached entry, e.g. after an admin edit
func (c *CachedCatalog) Invalidate() {
	c.cache.Purge()
}
