// Package plans holds the subscription plan catalog: per-minute rate limits,
// daily and monthly quotas, and the payment provider price each plan sells at.
package plans

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
)

// Tier groups plans by commercial level
type Tier string

const (
	TierFree       Tier = "free"
	TierPro        Tier = "pro"
	TierEnterprise Tier = "enterprise"
	TierCustom     Tier = "custom"
)

// Well-known plan ids
const (
	FreePlanID       = "free"
	ProPlanID        = "pro"
	EnterprisePlanID = "enterprise"
)

var (
	// ErrPlanNotFound is returned when a plan id or price ref is not in the catalog
	ErrPlanNotFound = errors.New("plan not found")
	// ErrEmptyCatalog is returned when a catalog has no active plan to fall back to
	ErrEmptyCatalog = errors.New("catalog has no active plans")
)

// Plan describes the limits attached to an API key. A zero limit means unlimited.
type Plan struct {
	ID                 string `json:"id" yaml:"id"`
	Tier               Tier   `json:"tier" yaml:"tier"`
	Name               string `json:"name" yaml:"name"`
	RateLimitPerMinute int    `json:"rate_limit_per_minute" yaml:"rate_limit_per_minute"`
	DailyLimit         int64  `json:"daily_limit" yaml:"daily_limit"`
	MonthlyLimit       int64  `json:"monthly_limit" yaml:"monthly_limit"`
	PriceRef           string `json:"price_ref,omitempty" yaml:"price_ref"`
	PriceCents         int64  `json:"price_cents" yaml:"price_cents"`
	Currency           string `json:"currency" yaml:"currency"`
	Active             bool   `json:"active" yaml:"active"`
}

// Purchasable reports whether a checkout can be started for the plan
func (p *Plan) Purchasable() bool {
	return p.Active && p.PriceRef != ""
}

// Validate checks a plan definition
func (p *Plan) Validate() error {
	if p.ID == "" {
		return errors.New("plan id is required")
	}
	if p.RateLimitPerMinute < 0 || p.DailyLimit < 0 || p.MonthlyLimit < 0 {
		return fmt.Errorf("plan %s: limits must not be negative", p.ID)
	}
	if p.PriceCents < 0 {
		return fmt.Errorf("plan %s: price must not be negative", p.ID)
	}
	switch p.Tier {
	case TierFree, TierPro, TierEnterprise, TierCustom:
	default:
		return fmt.Errorf("plan %s: unknown tier %q", p.ID, p.Tier)
	}
	return nil
}

// Defaults returns the built-in plan set. No built-in plan has a PriceRef:
// Stripe price ids are deployment specific, so selling a plan needs a plans
// file or a price_ref set on the SQL catalog rows.
func Defaults() []*Plan {
	return []*Plan{
		{ID: FreePlanID, Tier: TierFree, Name: "Free", RateLimitPerMinute: 10, MonthlyLimit: 100, Currency: "usd", Active: true},
		{ID: ProPlanID, Tier: TierPro, Name: "Pro", RateLimitPerMinute: 100, MonthlyLimit: 10000, PriceCents: 2900, Currency: "usd", Active: true},
		{ID: EnterprisePlanID, Tier: TierEnterprise, Name: "Enterprise", PriceCents: 49900, Currency: "usd", Active: true},
	}
}

// Catalog is the read side of the plan catalog used by admission and billing
type Catalog interface {
	Get(ctx context.Context, id string) (*Plan, error)
	ByPriceRef(ctx context.Context, priceRef string) (*Plan, error)
	// Resolve returns the plan with the given id, or the most restrictive active
	// plan when the id is unknown.
	Resolve(ctx context.Context, id string) (*Plan, error)
	List(ctx context.Context) ([]*Plan, error)
}

func effective(limit int64) int64 {
	if limit <= 0 {
		return math.MaxInt64
	}
	return limit
}

// MostRestrictive picks the active plan with the lowest rate limit, then the
// lowest monthly and daily quotas. Unlimited sorts last.
func MostRestrictive(all []*Plan) (*Plan, error) {
	var active []*Plan
	for _, p := range all {
		if p.Active {
			active = append(active, p)
		}
	}
	if len(active) == 0 {
		return nil, ErrEmptyCatalog
	}
	sort.SliceStable(active, func(i, j int) bool {
		a, b := active[i], active[j]
		if ra, rb := effective(int64(a.RateLimitPerMinute)), effective(int64(b.RateLimitPerMinute)); ra != rb {
			return ra < rb
		}
		if ma, mb := effective(a.MonthlyLimit), effective(b.MonthlyLimit); ma != mb {
			return ma < mb
		}
		if da, db := effective(a.DailyLimit), effective(b.DailyLimit); da != db {
			return da < db
		}
		return a.ID < b.ID
	})
	return active[0], nil
}
