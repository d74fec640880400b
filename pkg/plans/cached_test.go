package plans

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

type countingLoader struct {
	reg   *Registry
	gets  int32
	lists int32
	delay time.Duration
	err   error
}

func (l *countingLoader) Get(ctx context.Context, id string) (*Plan, error) {
	atomic.AddInt32(&l.gets, 1)
	time.Sleep(l.delay)
	if l.err != nil {
		return nil, l.err
	}
	return l.reg.Get(ctx, id)
}

func (l *countingLoader) ByPriceRef(ctx context.Context, ref string) (*Plan, error) {
	return l.reg.ByPriceRef(ctx, ref)
}

func (l *countingLoader) List(ctx context.Context) ([]*Plan, error) {
	atomic.AddInt32(&l.lists, 1)
	if l.err != nil {
		return nil, l.err
	}
	return l.reg.List(ctx)
}

func newLoader(t *testing.T) *countingLoader {
	reg, err := NewRegistry(Defaults())
	require.NoError(t, err)
	return &countingLoader{reg: reg}
}

func TestCachedCatalog_CachesHits(t *testing.T) {
	ctx := context.Background()
	loader := newLoader(t)
	metrics := observability.NewMetrics(prometheus.NewRegistry())
	catalog := NewCachedCatalog(loader, CacheConfig{Size: 8, TTL: time.Minute}, metrics)

	for i := 0; i < 3; i++ {
		p, err := catalog.Get(ctx, ProPlanID)
		require.NoError(t, err)
		assert.Equal(t, ProPlanID, p.ID)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.gets))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.PlanCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCacheMissesTotal))

	catalog.Invalidate()
	_, err := catalog.Get(ctx, ProPlanID)
	require.NoError(t, err)
	assert.Equal(t, int32(2), atomic.LoadInt32(&loader.gets))
}

func TestCachedCatalog_SharesConcurrentLoads(t *testing.T) {
	loader := newLoader(t)
	loader.delay = 50 * time.Millisecond
	catalog := NewCachedCatalog(loader, DefaultCacheConfig(), nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := catalog.Get(context.Background(), FreePlanID)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&loader.gets))
}

func TestCachedCatalog_ResolveFallsBack(t *testing.T) {
	catalog := NewCachedCatalog(newLoader(t), DefaultCacheConfig(), nil)

	p, err := catalog.Resolve(context.Background(), "unknown")
	require.NoError(t, err)
	assert.Equal(t, FreePlanID, p.ID)
}

func TestCachedCatalog_ResolvePropagatesStoreErrors(t *testing.T) {
	loader := newLoader(t)
	loader.err = fmt.Errorf("failed to get plan: %w", errors.New("connection reset"))
	catalog := NewCachedCatalog(loader, DefaultCacheConfig(), nil)

	_, err := catalog.Resolve(context.Background(), ProPlanID)
	require.Error(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&loader.lists))
}

func TestCachedCatalog_ImplementsCatalog(t *testing.T) {
	var _ Catalog = (*CachedCatalog)(nil)
	var _ Catalog = (*Registry)(nil)
	var _ Loader = (*SQLSource)(nil)
}
