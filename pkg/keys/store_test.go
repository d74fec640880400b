package keys

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/storage"
)

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	ctx := context.Background()
	db, err := storage.OpenSQLite(ctx, ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.Migrate(ctx, db, storage.SQLite))
	return NewSQLStore(db, storage.SQLite)
}

var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store { return NewMemoryStore() },
	"sqlite": newSQLiteStore,
}

func createKey(t *testing.T, store Store, owner int64, secret string) *APIKey {
	t.Helper()
	key := &APIKey{OwnerID: owner, PlanID: "free", KeyHash: HashKey(secret), KeyPrefix: "tg_test"}
	require.NoError(t, store.Create(context.Background(), key))
	return key
}

// Both stores must behave identically; every case runs against each of them.
func TestStoreContract(t *testing.T) {
	for name, factory := range storeFactories {
		t.Run(name, func(t *testing.T) {
			t.Run("create and lookup", func(t *testing.T) { testCreateLookup(t, factory(t)) })
			t.Run("duplicate hash", func(t *testing.T) { testDuplicate(t, factory(t)) })
			t.Run("not found", func(t *testing.T) { testNotFound(t, factory(t)) })
			t.Run("status", func(t *testing.T) { testStatus(t, factory(t)) })
			t.Run("usage", func(t *testing.T) { testUsage(t, factory(t)) })
			t.Run("reset all", func(t *testing.T) { testResetAll(t, factory(t)) })
			t.Run("update", func(t *testing.T) { testUpdate(t, factory(t)) })
			t.Run("update owner", func(t *testing.T) { testUpdateOwner(t, factory(t)) })
			t.Run("concurrent increments", func(t *testing.T) { testConcurrentIncrements(t, factory(t)) })
		})
	}
}

func testCreateLookup(t *testing.T, store Store) {
	ctx := context.Background()
	key := createKey(t, store, 1, "secret-a")
	assert.NotZero(t, key.ID)
	assert.Equal(t, StatusActive, key.Status)
	assert.False(t, key.CreatedAt.IsZero())

	found, err := store.Lookup(ctx, HashKey("secret-a"))
	require.NoError(t, err)
	assert.Equal(t, key.ID, found.ID)
	assert.Equal(t, "free", found.PlanID)

	byID, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, found.KeyHash, byID.KeyHash)

	createKey(t, store, 1, "secret-b")
	createKey(t, store, 2, "secret-c")
	owned, err := store.ListByOwner(ctx, 1)
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Less(t, owned[0].ID, owned[1].ID)
}

func testDuplicate(t *testing.T, store Store) {
	createKey(t, store, 1, "same")
	err := store.Create(context.Background(), &APIKey{OwnerID: 2, PlanID: "free", KeyHash: HashKey("same")})
	assert.True(t, errors.Is(err, ErrDuplicateKey))

	assert.Error(t, store.Create(context.Background(), &APIKey{PlanID: "free"}))
}

func testNotFound(t *testing.T, store Store) {
	ctx := context.Background()
	_, err := store.Lookup(ctx, HashKey("missing"))
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	_, err = store.Get(ctx, 999)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	_, err = store.IncrementUsage(ctx, 999, UsageAll)
	assert.True(t, errors.Is(err, ErrKeyNotFound))
	_, err = store.Update(ctx, 999, func(*APIKey) error { return nil })
	assert.True(t, errors.Is(err, ErrKeyNotFound))
}

func testStatus(t *testing.T, store Store) {
	ctx := context.Background()
	key := createKey(t, store, 1, "s")

	require.NoError(t, store.SetStatus(ctx, key.ID, StatusSuspended))
	got, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)

	assert.True(t, errors.Is(store.SetStatus(ctx, key.ID, "paused"), ErrInvalidStatus))

	// revocation is terminal
	require.NoError(t, store.SetStatus(ctx, key.ID, StatusRevoked))
	assert.True(t, errors.Is(store.SetStatus(ctx, key.ID, StatusActive), ErrKeyRevoked))
}

func testUsage(t *testing.T, store Store) {
	ctx := context.Background()
	key := createKey(t, store, 1, "u")

	v, err := store.IncrementUsage(ctx, key.ID, UsageAll)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v)
	v, err = store.IncrementUsage(ctx, key.ID, UsageDaily)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)
	v, err = store.IncrementUsage(ctx, key.ID, UsageMonthly)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	_, err = store.IncrementUsage(ctx, key.ID, "weekly")
	assert.True(t, errors.Is(err, ErrInvalidUsageKind))

	require.NoError(t, store.ResetUsage(ctx, key.ID, UsageDaily))
	got, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DailyUsage)
	assert.Equal(t, int64(2), got.MonthlyUsage)

	before := got.LastResetAt
	require.NoError(t, store.ResetUsage(ctx, key.ID, UsageMonthly))
	got, err = store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Zero(t, got.MonthlyUsage)
	assert.False(t, got.LastResetAt.Before(before))
}

func testResetAll(t *testing.T, store Store) {
	ctx := context.Background()
	blocked := createKey(t, store, 1, "r1")
	suspended := createKey(t, store, 2, "r2")
	for _, k := range []*APIKey{blocked, suspended} {
		_, err := store.IncrementUsage(ctx, k.ID, UsageAll)
		require.NoError(t, err)
	}
	require.NoError(t, store.SetStatus(ctx, blocked.ID, StatusBlocked))
	require.NoError(t, store.SetStatus(ctx, suspended.ID, StatusSuspended))

	n, err := store.ResetAllUsage(ctx, UsageDaily, true)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
	got, err := store.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Zero(t, got.DailyUsage)
	assert.Equal(t, int64(1), got.MonthlyUsage)

	_, err = store.ResetAllUsage(ctx, UsageMonthly, true)
	require.NoError(t, err)
	got, err = store.Get(ctx, blocked.ID)
	require.NoError(t, err)
	assert.Zero(t, got.MonthlyUsage)
	assert.Equal(t, StatusActive, got.Status)

	// billing suspensions are not lifted by a usage reset
	got, err = store.Get(ctx, suspended.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
}

func testUpdate(t *testing.T, store Store) {
	ctx := context.Background()
	key := createKey(t, store, 1, "up")

	updated, err := store.Update(ctx, key.ID, func(k *APIKey) error {
		k.PlanID = "pro"
		k.MonthlyUsage = 5
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, "pro", updated.PlanID)

	boom := errors.New("abort")
	_, err = store.Update(ctx, key.ID, func(k *APIKey) error {
		k.PlanID = "enterprise"
		return boom
	})
	assert.True(t, errors.Is(err, boom))

	got, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, "pro", got.PlanID)
	assert.Equal(t, int64(5), got.MonthlyUsage)

	_, err = store.Update(ctx, key.ID, func(k *APIKey) error {
		k.MonthlyUsage = -1
		return nil
	})
	assert.Error(t, err)

	_, err = store.Update(ctx, key.ID, func(k *APIKey) error {
		k.OwnerID = 42
		return nil
	})
	assert.Error(t, err)
}

func testUpdateOwner(t *testing.T, store Store) {
	ctx := context.Background()
	a := createKey(t, store, 7, "o1")
	b := createKey(t, store, 7, "o2")
	other := createKey(t, store, 8, "o3")
	require.NoError(t, store.SetStatus(ctx, b.ID, StatusSuspended))

	changed, err := store.UpdateOwner(ctx, 7, func(k *APIKey) error {
		if k.Status == StatusActive {
			k.Status = StatusSuspended
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 1, changed)

	got, err := store.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusSuspended, got.Status)
	got, err = store.Get(ctx, other.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
}

func testConcurrentIncrements(t *testing.T, store Store) {
	ctx := context.Background()
	key := createKey(t, store, 1, "c")

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := store.Update(ctx, key.ID, func(k *APIKey) error {
				k.DailyUsage++
				k.MonthlyUsage++
				return nil
			})
			if err != nil {
				errs <- fmt.Errorf("update: %w", err)
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	got, err := store.Get(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(workers), got.MonthlyUsage)
	assert.Equal(t, int64(workers), got.DailyUsage)
}
