package admission

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// UsageRecorder counts admitted requests and owns the reset hook
type UsageRecorder struct {
	store  keys.Store
	logger *observability.Logger
}

// NewUsageRecorder creates a UsageRecorder
func NewUsageRecorder(store keys.Store, logger *observability.Logger) *UsageRecorder {
	return &UsageRecorder{store: store, logger: logger}
}

// Apply counts one request on k. It is meant to run inside the quota critical
// section and must be called exactly once per admitted request.
func (u *UsageRecorder) Apply(k *keys.APIKey) {
	k.DailyUsage++
	k.MonthlyUsage++
}

// Record counts one request outside any critical section
func (u *UsageRecorder) Record(ctx context.Context, keyID int64) (int64, error) {
	n, err := u.store.IncrementUsage(ctx, keyID, keys.UsageAll)
	if err != nil {
		return 0, fmt.Errorf("failed to record usage: %w", err)
	}
	return n, nil
}

// Reset zeroes counters of one key. A monthly reset lifts a quota block.
func (u *UsageRecorder) Reset(ctx context.Context, keyID int64, kind keys.UsageKind) error {
	if !kind.Valid() {
		return keys.ErrInvalidUsageKind
	}
	_, err := u.store.Update(ctx, keyID, func(k *keys.APIKey) error {
		if kind == keys.UsageDaily || kind == keys.UsageAll {
			k.DailyUsage = 0
		}
		if kind == keys.UsageMonthly || kind == keys.UsageAll {
			k.MonthlyUsage = 0
			k.LastResetAt = time.Now().UTC()
			if k.Status == keys.StatusBlocked {
				k.Status = keys.StatusActive
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to reset usage: %w", err)
	}
	return nil
}

// ResetAll zeroes counters of every key. Monthly resets also unblock
// quota-blocked keys; billing suspensions and revocations are untouched.
func (u *UsageRecorder) ResetAll(ctx context.Context, kind keys.UsageKind) (int64, error) {
	unblock := kind == keys.UsageMonthly || kind == keys.UsageAll
	n, err := u.store.ResetAllUsage(ctx, kind, unblock)
	if err != nil {
		return 0, fmt.Errorf("failed to reset usage: %w", err)
	}
	u.logger.WithFields(map[string]interface{}{
		"kind": string(kind),
		"keys": n,
	}).Info("usage counters reset")
	return n, nil
}
