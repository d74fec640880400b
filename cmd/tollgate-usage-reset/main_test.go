package main

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

func sqliteKeys(t *testing.T) *keys.SQLStore {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, filepath.Join(t.TempDir(), "reset.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, storage.SQLite))
	return keys.NewSQLStore(db, storage.SQLite)
}

func TestReset(t *testing.T) {
	ctx := context.Background()
	store := sqliteKeys(t)
	blocked := &keys.APIKey{OwnerID: 1, PlanID: "free", KeyHash: "h1", Status: keys.StatusBlocked, DailyUsage: 4, MonthlyUsage: 100}
	suspended := &keys.APIKey{OwnerID: 2, PlanID: "pro", KeyHash: "h2", Status: keys.StatusSuspended, DailyUsage: 2, MonthlyUsage: 9}
	require.NoError(t, store.Create(ctx, blocked))
	require.NoError(t, store.Create(ctx, suspended))

	recorder := admission.NewUsageRecorder(store, observability.NopLogger())
	logger := observability.NopLogger()

	require.NoError(t, reset(ctx, recorder, keys.UsageDaily, logger))
	got, err := store.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.DailyUsage)
	assert.Equal(t, int64(100), got.MonthlyUsage)
	assert.Equal(t, keys.StatusBlocked, got.Status)

	require.NoError(t, reset(ctx, recorder, keys.UsageMonthly, logger))
	got, err = store.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MonthlyUsage)
	assert.Equal(t, keys.StatusActive, got.Status)

	got, err = store.Get(ctx, suspended.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(0), got.MonthlyUsage)
	assert.Equal(t, keys.StatusSuspended, got.Status)
}

func TestPairs(t *testing.T) {
	fields := pairs([]interface{}{"now", 1, "entry", "x", "dangling"})
	assert.Equal(t, map[string]interface{}{"now": 1, "entry": "x"}, fields)
}
