package keys

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// ErrNotBlocked is returned when unblocking a key that is not quota-blocked
var ErrNotBlocked = errors.New("api key is not blocked")

// Admin performs operator actions on keys
type Admin struct {
	store  Store
	logger *observability.Logger
}

// NewAdmin creates an Admin
func NewAdmin(store Store, logger *observability.Logger) *Admin {
	return &Admin{store: store, logger: logger}
}

// Unblock returns a quota-blocked key to active, optionally zeroing its monthly usage.
// Without a reset the next request re-blocks the key if it is still over quota.
func (a *Admin) Unblock(ctx context.Context, id int64, resetMonthly bool) (*APIKey, error) {
	key, err := a.store.Update(ctx, id, func(k *APIKey) error {
		if k.Status != StatusBlocked {
			return fmt.Errorf("%w: status is %s", ErrNotBlocked, k.Status)
		}
		k.Status = StatusActive
		if resetMonthly {
			k.resetUsage(UsageMonthly, time.Now().UTC())
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.WithFields(map[string]interface{}{
		"key_id":        id,
		"reset_monthly": resetMonthly,
	}).Info("api key unblocked")
	return key, nil
}

// Revoke permanently disables a key. Revoking twice is not an error.
func (a *Admin) Revoke(ctx context.Context, id int64) (*APIKey, error) {
	key, err := a.store.Update(ctx, id, func(k *APIKey) error {
		k.Status = StatusRevoked
		return nil
	})
	if err != nil {
		return nil, err
	}
	a.logger.WithField("key_id", id).Info("api key revoked")
	return key, nil
}
