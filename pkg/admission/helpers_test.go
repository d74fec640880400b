package admission

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

func newSQLiteKeyStore(t *testing.T) keys.Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, storage.SQLite))
	return keys.NewSQLStore(db, storage.SQLite)
}

func testPlan(id string, rate int, daily, monthly int64) *plans.Plan {
	return &plans.Plan{ID: id, Tier: plans.TierCustom, RateLimitPerMinute: rate, DailyLimit: daily, MonthlyLimit: monthly, Active: true}
}

func seedKey(t *testing.T, store keys.Store, planID string, monthlyUsage int64) (*keys.APIKey, string) {
	t.Helper()
	issued, err := keys.NewIssuer(store).Issue(context.Background(), 1, planID, "test")
	require.NoError(t, err)
	if monthlyUsage > 0 {
		_, err = store.Update(context.Background(), issued.Key.ID, func(k *keys.APIKey) error {
			k.MonthlyUsage = monthlyUsage
			return nil
		})
		require.NoError(t, err)
	}
	return issued.Key, issued.RawKey
}
