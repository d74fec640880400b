package admission

import (
	"context"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// QuotaResult is the outcome of a quota decision
type QuotaResult struct {
	// Allowed is true when the request may proceed
	Allowed bool
	// Status is the key status after the decision
	Status keys.Status
	// Blocked is true when the request was refused because the key is over quota
	Blocked bool
	// NewlyBlocked is true only for the decision that moved the key to blocked.
	// It can accompany an allowed request: the one that reached the limit.
	NewlyBlocked  bool
	DailyExceeded bool
	// Recorded is true when usage was counted for this request
	Recorded bool
	Key      *keys.APIKey
}

// QuotaEnforcer applies monthly and daily caps. Every decision runs inside one
// keys.Store.Update critical section, so concurrent requests on a key serialize
// and exactly one of them observes NewlyBlocked.
type QuotaEnforcer struct {
	store   keys.Store
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewQuotaEnforcer creates a QuotaEnforcer
func NewQuotaEnforcer(store keys.Store, logger *observability.Logger, metrics *observability.Metrics) *QuotaEnforcer {
	return &QuotaEnforcer{store: store, logger: logger, metrics: metrics}
}

// Check decides without counting usage. A key found over its monthly limit is
// still moved to blocked.
func (q *QuotaEnforcer) Check(ctx context.Context, keyID int64, plan *plans.Plan) (*QuotaResult, error) {
	return q.evaluate(ctx, keyID, plan, nil)
}

// CheckAndRecord decides and, when the request is allowed, calls record on the
// key in the same critical section.
func (q *QuotaEnforcer) CheckAndRecord(ctx context.Context, keyID int64, plan *plans.Plan, record func(*keys.APIKey)) (*QuotaResult, error) {
	return q.evaluate(ctx, keyID, plan, record)
}

func (q *QuotaEnforcer) evaluate(ctx context.Context, keyID int64, plan *plans.Plan, record func(*keys.APIKey)) (*QuotaResult, error) {
	var res QuotaResult
	key, err := q.store.Update(ctx, keyID, func(k *keys.APIKey) error {
		res = decide(k, plan, record)
		return nil
	})
	if err != nil {
		return nil, err
	}

	res.Status = key.Status
	res.Key = key
	if res.NewlyBlocked {
		q.metrics.QuotaBlocked()
		q.logger.WithFields(map[string]interface{}{
			"key_id":        key.ID,
			"owner_id":      key.OwnerID,
			"plan":          plan.ID,
			"monthly_usage": key.MonthlyUsage,
			"monthly_limit": plan.MonthlyLimit,
		}).Info("api key blocked: monthly quota reached")
	}
	return &res, nil
}

// decide mutates k in place; the caller persists it
func decide(k *keys.APIKey, plan *plans.Plan, record func(*keys.APIKey)) QuotaResult {
	switch k.Status {
	case keys.StatusRevoked, keys.StatusSuspended:
		return QuotaResult{}
	case keys.StatusBlocked:
		return QuotaResult{Blocked: true}
	}

	monthly := plan.MonthlyLimit
	if monthly > 0 && k.MonthlyUsage >= monthly {
		// over quota without having been blocked, e.g. after a downgrade
		k.Status = keys.StatusBlocked
		return QuotaResult{Blocked: true, NewlyBlocked: true}
	}
	if plan.DailyLimit > 0 && k.DailyUsage >= plan.DailyLimit {
		return QuotaResult{DailyExceeded: true}
	}

	res := QuotaResult{Allowed: true}
	if record == nil {
		return res
	}
	record(k)
	res.Recorded = true
	if monthly > 0 && k.MonthlyUsage >= monthly {
		k.Status = keys.StatusBlocked
		res.NewlyBlocked = true
	}
	return res
}
