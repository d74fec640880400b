// Package admission decides whether a request carrying an API key may reach the
// upstream service.
//
// The steps run in a fixed order:
//
//  1. an empty credential is rejected as invalid
//  2. the credential hash is looked up
//  3. the key's plan is resolved and the per-minute rate limit applied
//  4. status and quota are checked and usage is recorded, in one critical section
//  5. the request is admitted
//
// A rejection in step 4 releases the rate-limit slot taken in step 3, so only
// admitted requests occupy the window.
package admission

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
)

// Admission describes an admitted request
type Admission struct {
	Key       *keys.APIKey
	Plan      *plans.Plan
	RateLimit ratelimit.Decision
	// NewlyBlocked is set when this request used the last unit of the monthly
	// quota; it is served, and the key is blocked for the ones that follow.
	NewlyBlocked bool
	Notice       string
}

// Pipeline is the single entry point for admission decisions
type Pipeline struct {
	keys    keys.Store
	catalog plans.Catalog
	limiter ratelimit.Limiter
	quota   *QuotaEnforcer
	usage   *UsageRecorder
	notify  notify.Notifier
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewPipeline wires the admission steps
func NewPipeline(store keys.Store, catalog plans.Catalog, limiter ratelimit.Limiter, logger *observability.Logger, metrics *observability.Metrics) *Pipeline {
	return &Pipeline{
		keys:    store,
		catalog: catalog,
		limiter: limiter,
		quota:   NewQuotaEnforcer(store, logger, metrics),
		usage:   NewUsageRecorder(store, logger),
		notify:  notify.Nop{},
		logger:  logger,
		metrics: metrics,
	}
}

// SetNotifier sends a key.blocked event each time a key crosses its monthly quota
func (p *Pipeline) SetNotifier(n notify.Notifier) {
	p.notify = n
}

// Usage returns the recorder, for the reset hook
func (p *Pipeline) Usage() *UsageRecorder {
	return p.usage
}

// Admit runs the pipeline for one request. Policy denials are returned as
// *Rejection; any other error is an internal failure.
func (p *Pipeline) Admit(ctx context.Context, credential string) (adm *Admission, err error) {
	start := time.Now()
	ctx, span := observability.StartSpan(ctx, "admission.admit")
	defer func() {
		result := resultLabel(err)
		p.metrics.ObserveAdmission(result, time.Since(start))
		span.SetAttributes(attribute.String("admission.result", result))
		if _, ok := AsRejection(err); ok {
			observability.EndSpan(span, nil)
			return
		}
		observability.EndSpan(span, err)
	}()

	if credential == "" {
		return nil, &Rejection{Kind: KindInvalidKey, Message: MessageKeyRequired, MissingCredential: true}
	}

	key, err := p.keys.Lookup(ctx, keys.HashKey(credential))
	if errors.Is(err, keys.ErrKeyNotFound) {
		return nil, &Rejection{Kind: KindInvalidKey, Message: MessageInvalidKey}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up api key: %w", err)
	}
	span.SetAttributes(attribute.Int64("key.id", key.ID), attribute.String("key.plan", key.PlanID))

	plan, err := p.catalog.Resolve(ctx, key.PlanID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve plan %s: %w", key.PlanID, err)
	}

	decision, err := p.limiter.Allow(ctx, strconv.FormatInt(key.ID, 10), plan.RateLimitPerMinute)
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		return nil, rateLimited(key.ID, decision)
	}

	res, err := p.quota.CheckAndRecord(ctx, key.ID, plan, p.usage.Apply)
	if err != nil {
		p.release(ctx, decision)
		return nil, fmt.Errorf("failed to check quota: %w", err)
	}
	if res.NewlyBlocked {
		p.notify.Notify(ctx, notify.NewEvent(notify.EventKeyBlocked, res.Key.OwnerID, res.Key.ID, plan.ID, MessageNewlyBlocked))
	}
	if rej := quotaRejection(res, plan); rej != nil {
		if p.release(ctx, decision) && !decision.Unlimited() {
			decision.Remaining++
		}
		rej.KeyID = key.ID
		rej.RateLimit = &decision
		return nil, rej
	}

	adm = &Admission{
		Key:          res.Key,
		Plan:         plan,
		RateLimit:    decision,
		NewlyBlocked: res.NewlyBlocked,
	}
	if res.NewlyBlocked {
		adm.Notice = MessageNewlyBlocked
	}
	return adm, nil
}

// release gives back the slot taken for d and reports whether it did
func (p *Pipeline) release(ctx context.Context, d ratelimit.Decision) bool {
	if err := p.limiter.Release(ctx, d); err != nil {
		p.logger.WithError(err).WithField("key_id", d.Key).Warn("failed to release rate limit slot")
		return false
	}
	return true
}

// quotaRejection maps a refused quota decision to a Rejection; nil when allowed
func quotaRejection(res *QuotaResult, plan *plans.Plan) *Rejection {
	if res.Allowed {
		return nil
	}
	switch {
	case res.Status == keys.StatusRevoked:
		return &Rejection{Kind: KindInvalidKey, Message: MessageInvalidKey}
	case res.Status == keys.StatusSuspended:
		return &Rejection{Kind: KindKeySuspended, Message: MessageSuspended}
	case res.Blocked && res.NewlyBlocked:
		return &Rejection{Kind: KindQuotaExceeded, Message: MessageNewlyBlocked, NewlyBlocked: true, Period: PeriodMonthly}
	case res.Blocked:
		return &Rejection{Kind: KindQuotaExceeded, Message: MessageBlocked, Period: PeriodMonthly}
	case res.DailyExceeded:
		return &Rejection{Kind: KindQuotaExceeded, Message: MessageDailyExceeded, Period: PeriodDaily}
	}
	return &Rejection{Kind: KindInvalidKey, Message: MessageInvalidKey}
}

func resultLabel(err error) string {
	if err == nil {
		return "admitted"
	}
	if rej, ok := AsRejection(err); ok {
		return string(rej.Kind)
	}
	return "error"
}
