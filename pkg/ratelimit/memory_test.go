package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func TestSlidingWindow_Cleanup(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	limiter := NewSlidingWindow(observability.NopLogger(), WithClock(clock.Now))

	_, err := limiter.Allow(ctx, "idle", 5)
	require.NoError(t, err)
	clock.Advance(45 * time.Second)
	_, err = limiter.Allow(ctx, "busy", 5)
	require.NoError(t, err)
	assert.Equal(t, 2, limiter.Len())

	clock.Advance(20 * time.Second)
	assert.Equal(t, 1, limiter.Cleanup())
	assert.Equal(t, 1, limiter.Len())

	// the surviving window still counts its entry
	d, err := limiter.Allow(ctx, "busy", 2)
	require.NoError(t, err)
	assert.Equal(t, 0, d.Remaining)
}

func TestSlidingWindow_UnlimitedIsNotTracked(t *testing.T) {
	limiter := NewSlidingWindow(observability.NopLogger())
	_, err := limiter.Allow(context.Background(), "k", 0)
	require.NoError(t, err)
	assert.Zero(t, limiter.Len())
}

func TestSlidingWindow_StartCleanupStopsWithContext(t *testing.T) {
	clock := newFakeClock()
	limiter := NewSlidingWindow(observability.NopLogger(), WithClock(clock.Now))
	_, err := limiter.Allow(context.Background(), "k", 1)
	require.NoError(t, err)
	clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	limiter.StartCleanup(ctx, 10*time.Millisecond)

	assert.Eventually(t, func() bool { return limiter.Len() == 0 }, time.Second, 10*time.Millisecond)
}
