package observability

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShutdownManager_RunsAllFuncs(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second, &http.Server{})

	var calls int32
	sm.RegisterShutdownFunc("limiter", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})
	sm.RegisterShutdownFunc("catalog", func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, sm.Shutdown(context.Background()))
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestShutdownManager_CollectsErrors(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	sm.RegisterShutdownFunc("db", func(context.Context) error { return errors.New("close failed") })
	sm.RegisterShutdownFunc("ok", func(context.Context) error { return nil })

	err := sm.Shutdown(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "db: close failed")
}

func TestShutdownManager_Timeout(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), time.Second)
	release := make(chan struct{})
	defer close(release)
	sm.RegisterShutdownFunc("stuck", func(context.Context) error {
		<-release
		return nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := sm.Shutdown(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestShutdownManager_WaitForShutdownOnContext(t *testing.T) {
	sm := NewShutdownManager(NopLogger(), 0)
	assert.Equal(t, 30*time.Second, sm.shutdownTimeout)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.NoError(t, sm.WaitForShutdown(ctx))
}
