package keys

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

func TestIssuer_Issue(t *testing.T) {
	store := NewMemoryStore()
	issued, err := NewIssuer(store).Issue(context.Background(), 9, "pro", "ci")
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(issued.RawKey, KeyPrefix))
	assert.Len(t, issued.RawKey, len(KeyPrefix)+43)
	assert.Equal(t, issued.RawKey[:10], issued.Key.KeyPrefix)
	assert.Equal(t, HashKey(issued.RawKey), issued.Key.KeyHash)
	assert.NotContains(t, issued.Key.KeyHash, issued.RawKey)

	found, err := store.Lookup(context.Background(), HashKey(issued.RawKey))
	require.NoError(t, err)
	assert.Equal(t, int64(9), found.OwnerID)
	assert.Equal(t, "pro", found.PlanID)
	assert.Equal(t, "ci", found.Name)
}

func TestIssuer_UniqueKeys(t *testing.T) {
	issuer := NewIssuer(NewMemoryStore())
	seen := map[string]bool{}
	for i := 0; i < 50; i++ {
		raw, err := issuer.Generate()
		require.NoError(t, err)
		assert.False(t, seen[raw])
		seen[raw] = true
	}
}

func TestIssuer_RandomFailure(t *testing.T) {
	issuer := &Issuer{store: NewMemoryStore(), random: bytes.NewReader(nil)}
	_, err := issuer.Issue(context.Background(), 1, "free", "")
	assert.Error(t, err)

	_, err = NewIssuer(NewMemoryStore()).Issue(context.Background(), 1, "", "")
	assert.Error(t, err)
}

func TestAdmin_Unblock(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin := NewAdmin(store, observability.NopLogger())
	key := createKey(t, store, 1, "blocked")

	_, err := admin.Unblock(ctx, key.ID, false)
	assert.True(t, errors.Is(err, ErrNotBlocked))

	_, err = store.Update(ctx, key.ID, func(k *APIKey) error {
		k.MonthlyUsage = 100
		k.Status = StatusBlocked
		return nil
	})
	require.NoError(t, err)

	got, err := admin.Unblock(ctx, key.ID, true)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, got.Status)
	assert.Zero(t, got.MonthlyUsage)
}

func TestAdmin_Revoke(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	admin := NewAdmin(store, observability.NopLogger())
	key := createKey(t, store, 1, "revoke")

	got, err := admin.Revoke(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusRevoked, got.Status)

	_, err = admin.Revoke(ctx, key.ID)
	assert.NoError(t, err)

	_, err = admin.Unblock(ctx, key.ID, true)
	assert.True(t, errors.Is(err, ErrNotBlocked))
}
