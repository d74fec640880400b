package billing

import (
	"context"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// QuotaLimit reports the monthly cap of a plan; 0 means unlimited.
type QuotaLimit func(planID string) (int64, error)

// CatalogQuota resolves monthly caps through catalog, memoizing per plan id.
// The returned func is not safe for concurrent use.
func CatalogQuota(ctx context.Context, catalog plans.Catalog) QuotaLimit {
	seen := make(map[string]int64)
	return func(planID string) (int64, error) {
		if limit, ok := seen[planID]; ok {
			return limit, nil
		}
		p, err := catalog.Resolve(ctx, planID)
		if err != nil {
			return 0, fmt.Errorf("failed to resolve plan %s: %w", planID, err)
		}
		seen[planID] = p.MonthlyLimit
		return p.MonthlyLimit, nil
	}
}

// DeriveKeys returns the key mutation that mirrors a subscription's state.
// Revoked keys are never touched.
//
//	active             plan = planID; suspended keys resume
//	past_due, unpaid   live keys are suspended
//	canceled           plan = free; suspended keys resume
//
// Moving a key to a different plan zeroes its monthly usage and lifts a quota block.
// A resumed key that is still over its monthly cap goes back to blocked.
func DeriveKeys(planID string, status SubscriptionStatus, limit QuotaLimit) func(*keys.APIKey) error {
	return func(k *keys.APIKey) error {
		if k.Status == keys.StatusRevoked {
			return nil
		}
		switch status {
		case SubscriptionStatusActive:
			changePlan(k, planID)
			return resume(k, limit)
		case SubscriptionStatusCanceled:
			changePlan(k, plans.FreePlanID)
			return resume(k, limit)
		default:
			return suspendKeys(k)
		}
	}
}

func changePlan(k *keys.APIKey, planID string) {
	if k.PlanID == planID {
		return
	}
	k.PlanID = planID
	k.MonthlyUsage = 0
	k.LastResetAt = time.Now().UTC()
	if k.Status == keys.StatusBlocked {
		k.Status = keys.StatusActive
	}
}

// resume lifts a billing suspension. A key whose usage already reached the cap
// returns to blocked, so the quota block is not reported a second time.
func resume(k *keys.APIKey, limit QuotaLimit) error {
	if k.Status != keys.StatusSuspended {
		return nil
	}
	monthly, err := limit(k.PlanID)
	if err != nil {
		return err
	}
	if monthly > 0 && k.MonthlyUsage >= monthly {
		k.Status = keys.StatusBlocked
		return nil
	}
	k.Status = keys.StatusActive
	return nil
}

// reactivateKeys lifts billing suspensions after a successful payment
func reactivateKeys(limit QuotaLimit) func(*keys.APIKey) error {
	return func(k *keys.APIKey) error {
		return resume(k, limit)
	}
}

// suspendKeys stops live keys after a failed payment. Suspension takes
// precedence over a quota block until the payment recovers.
func suspendKeys(k *keys.APIKey) error {
	if k.Status == keys.StatusActive || k.Status == keys.StatusBlocked {
		k.Status = keys.StatusSuspended
	}
	return nil
}
