package billing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Reconciler applies provider webhook events to local billing and key state.
// Each event is one unit of work: the processed-event record, the entity
// upsert and the derived key changes commit together or not at all.
type Reconciler struct {
	store   Store
	catalog plans.Catalog
	logger  *observability.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewReconciler creates a reconciler
func NewReconciler(store Store, catalog plans.Catalog, logger *observability.Logger, metrics *observability.Metrics) *Reconciler {
	return &Reconciler{
		store:   store,
		catalog: catalog,
		logger:  logger,
		metrics: metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Apply handles one event. Duplicates, stale and unknown events succeed with
// the matching Outcome. On error nothing is recorded, so a redelivery is
// processed from scratch.
func (r *Reconciler) Apply(ctx context.Context, ev *Event) (outcome Outcome, err error) {
	ctx, span := observability.StartSpan(ctx, "billing.reconcile",
		attribute.String("event.id", ev.ID), attribute.String("event.type", string(ev.Type)))
	defer func() {
		label := string(outcome)
		if err != nil {
			label = "error"
		}
		span.SetAttributes(attribute.String("event.outcome", label))
		observability.EndSpan(span, err)
		r.metrics.BillingEvent(string(ev.Type), label)
	}()

	log := r.logger.WithFields(map[string]interface{}{"event_id": ev.ID, "event_type": ev.Type})

	err = r.store.InTx(ctx, func(tx Tx) error {
		if err := tx.RecordEvent(ctx, ev.ID, ev.Type, ev.Created); err != nil {
			return err
		}
		var err error
		outcome, err = r.dispatch(ctx, tx, ev)
		return err
	})
	if errors.Is(err, ErrDuplicateEvent) {
		log.Debug("duplicate billing event")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		log.WithError(err).Error("failed to apply billing event")
		return "", err
	}
	log.WithField("outcome", outcome).Info("billing event processed")
	return outcome, nil
}

func (r *Reconciler) dispatch(ctx context.Context, tx Tx, ev *Event) (Outcome, error) {
	switch ev.Type {
	case EventCheckoutCompleted:
		if ev.Checkout == nil {
			return "", fmt.Errorf("event %s: missing checkout session", ev.ID)
		}
		return r.checkoutCompleted(ctx, tx, ev)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		if ev.Subscription == nil {
			return "", fmt.Errorf("event %s: missing subscription", ev.ID)
		}
		return r.subscriptionChanged(ctx, tx, ev)
	case EventInvoiceCreated, EventInvoiceFinalized, EventInvoicePaymentSucceeded,
		EventInvoicePaymentFailed, EventInvoiceVoided:
		if ev.Invoice == nil {
			return "", fmt.Errorf("event %s: missing invoice", ev.ID)
		}
		return r.invoiceChanged(ctx, tx, ev)
	}
	return OutcomeIgnored, nil
}

func (r *Reconciler) checkoutCompleted(ctx context.Context, tx Tx, ev *Event) (Outcome, error) {
	c := ev.Checkout
	ownerID, ok := ownerFromMetadata(c.Metadata)
	if !ok {
		return "", fmt.Errorf("checkout %s: %w", c.ID, ErrOwnerNotFound)
	}

	if c.CustomerID != "" {
		if err := tx.SaveCustomer(ctx, &Customer{OwnerID: ownerID, ProviderCustomerID: c.CustomerID, Email: c.Email}); err != nil {
			return "", err
		}
	}
	if c.SubscriptionID == "" {
		return OutcomeApplied, nil
	}

	sub, err := tx.SubscriptionByProviderID(ctx, c.SubscriptionID)
	switch {
	case errors.Is(err, ErrSubscriptionNotFound):
		sub = &Subscription{
			OwnerID:                ownerID,
			PlanID:                 r.planFromMetadata(ctx, c.Metadata),
			ProviderSubscriptionID: c.SubscriptionID,
			ProviderCustomerID:     c.CustomerID,
			Status:                 SubscriptionStatusActive,
			LastEventAt:            ev.Created,
		}
		if err := r.activate(ctx, tx, sub); err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	}

	// a subscription event may have arrived first; its state wins
	if _, err := tx.UpdateOwnerKeys(ctx, sub.OwnerID, DeriveKeys(sub.PlanID, sub.Status, CatalogQuota(ctx, r.catalog))); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

func (r *Reconciler) planFromMetadata(ctx context.Context, md map[string]string) string {
	if id := md[MetadataPlanID]; id != "" {
		if _, err := r.catalog.Get(ctx, id); err == nil {
			return id
		}
	}
	return plans.FreePlanID
}

// activate saves sub and cancels the owner's other live subscriptions
func (r *Reconciler) activate(ctx context.Context, tx Tx, sub *Subscription) error {
	if sub.Status == SubscriptionStatusActive {
		others, err := tx.SubscriptionsByOwner(ctx, sub.OwnerID)
		if err != nil {
			return err
		}
		for _, other := range others {
			if other.ID == sub.ID || other.Status == SubscriptionStatusCanceled {
				continue
			}
			other.Status = SubscriptionStatusCanceled
			other.CanceledAt = timePtr(r.now())
			if err := tx.SaveSubscription(ctx, other); err != nil {
				return err
			}
			r.logger.WithFields(map[string]interface{}{
				"owner_id":        other.OwnerID,
				"subscription_id": other.ProviderSubscriptionID,
			}).Info("superseded subscription canceled")
		}
	}
	return tx.SaveSubscription(ctx, sub)
}

func (r *Reconciler) subscriptionChanged(ctx context.Context, tx Tx, ev *Event) (Outcome, error) {
	snap := ev.Subscription
	deleted := ev.Type == EventSubscriptionDeleted

	sub, err := tx.SubscriptionByProviderID(ctx, snap.ID)
	if err != nil && !errors.Is(err, ErrSubscriptionNotFound) {
		return "", err
	}

	if sub != nil && !deleted {
		if sub.Status == SubscriptionStatusCanceled || ev.Created.Before(sub.LastEventAt) {
			r.logger.WithFields(map[string]interface{}{
				"event_id":        ev.ID,
				"subscription_id": snap.ID,
				"status":          sub.Status,
			}).Warn("stale subscription event skipped")
			return OutcomeStale, nil
		}
	}

	if sub == nil {
		ownerID, err := r.subscriptionOwner(ctx, tx, snap)
		if err != nil {
			return "", err
		}
		sub = &Subscription{
			OwnerID:                ownerID,
			PlanID:                 plans.FreePlanID,
			ProviderSubscriptionID: snap.ID,
		}
		if id, ok := snap.Metadata[MetadataPlanID]; ok {
			sub.PlanID = r.planFromMetadata(ctx, map[string]string{MetadataPlanID: id})
		}
	}

	if snap.PriceRef != "" {
		plan, err := r.catalog.ByPriceRef(ctx, snap.PriceRef)
		switch {
		case err == nil:
			sub.PlanID = plan.ID
		case errors.Is(err, plans.ErrPlanNotFound):
			r.logger.WithField("price_ref", snap.PriceRef).Warn("unknown price on subscription, keeping plan")
		default:
			return "", err
		}
	}

	if snap.CustomerID != "" {
		sub.ProviderCustomerID = snap.CustomerID
	}
	if !snap.CurrentPeriodStart.IsZero() {
		sub.CurrentPeriodStart = timePtr(snap.CurrentPeriodStart)
	}
	if !snap.CurrentPeriodEnd.IsZero() {
		sub.CurrentPeriodEnd = timePtr(snap.CurrentPeriodEnd)
	}
	sub.CancelAtPeriodEnd = snap.CancelAtPeriodEnd
	if ev.Created.After(sub.LastEventAt) {
		sub.LastEventAt = ev.Created
	}

	if deleted {
		sub.Status = SubscriptionStatusCanceled
		if sub.CanceledAt == nil {
			at := snap.CanceledAt
			if at.IsZero() {
				at = ev.Created
			}
			sub.CanceledAt = timePtr(at)
		}
	} else {
		sub.Status = NormalizeSubscriptionStatus(snap.Status)
		if sub.Status == SubscriptionStatusCanceled && sub.CanceledAt == nil {
			sub.CanceledAt = timePtr(ev.Created)
		}
	}

	if err := r.activate(ctx, tx, sub); err != nil {
		return "", err
	}
	if _, err := tx.UpdateOwnerKeys(ctx, sub.OwnerID, DeriveKeys(sub.PlanID, sub.Status, CatalogQuota(ctx, r.catalog))); err != nil {
		return "", err
	}
	return OutcomeApplied, nil
}

// subscriptionOwner resolves a subscription tollgate has not seen before
func (r *Reconciler) subscriptionOwner(ctx context.Context, tx Tx, snap *SubscriptionSnapshot) (int64, error) {
	if snap.CustomerID != "" {
		c, err := tx.CustomerByProviderID(ctx, snap.CustomerID)
		if err == nil {
			return c.OwnerID, nil
		}
		if !errors.Is(err, ErrCustomerNotFound) {
			return 0, err
		}
	}
	if id, ok := ownerFromMetadata(snap.Metadata); ok {
		return id, nil
	}
	return 0, fmt.Errorf("subscription %s: %w", snap.ID, ErrSubscriptionNotFound)
}

func (r *Reconciler) invoiceOwner(ctx context.Context, tx Tx, snap *InvoiceSnapshot) (int64, error) {
	if snap.CustomerID != "" {
		c, err := tx.CustomerByProviderID(ctx, snap.CustomerID)
		if err == nil {
			return c.OwnerID, nil
		}
		if !errors.Is(err, ErrCustomerNotFound) {
			return 0, err
		}
	}
	if snap.SubscriptionID != "" {
		sub, err := tx.SubscriptionByProviderID(ctx, snap.SubscriptionID)
		if err == nil {
			return sub.OwnerID, nil
		}
		if !errors.Is(err, ErrSubscriptionNotFound) {
			return 0, err
		}
	}
	if id, ok := ownerFromMetadata(snap.Metadata); ok {
		return id, nil
	}
	return 0, fmt.Errorf("invoice %s: %w", snap.ID, ErrOwnerNotFound)
}

func (r *Reconciler) invoiceChanged(ctx context.Context, tx Tx, ev *Event) (Outcome, error) {
	snap := ev.Invoice

	inv, err := tx.InvoiceByProviderID(ctx, snap.ID)
	if err != nil && !errors.Is(err, ErrInvoiceNotFound) {
		return "", err
	}
	if inv == nil {
		ownerID, err := r.invoiceOwner(ctx, tx, snap)
		if err != nil {
			return "", err
		}
		issued := snap.IssuedAt
		if issued.IsZero() {
			issued = ev.Created
		}
		inv = &Invoice{
			ProviderInvoiceID: snap.ID,
			OwnerID:           ownerID,
			Status:            InvoiceStatusDraft,
			IssuedAt:          issued,
			Items:             snap.Items,
		}
	}

	if snap.SubscriptionID != "" {
		inv.ProviderSubscriptionID = snap.SubscriptionID
	}
	if inv.Status != InvoiceStatusPaid && inv.Status != InvoiceStatusRefunded {
		inv.AmountCents = snap.AmountCents
		inv.Currency = snap.Currency
	}
	if snap.PaymentRef != "" {
		inv.PaymentRef = snap.PaymentRef
	}
	if snap.HostedURL != "" {
		inv.HostedURL = snap.HostedURL
	}

	var keyFn func(*keys.APIKey) error
	switch ev.Type {
	case EventInvoiceCreated, EventInvoiceFinalized:
		next := NormalizeInvoiceStatus(snap.Status)
		if next != InvoiceStatusDraft && next != InvoiceStatusOpen {
			next = InvoiceStatusOpen
		}
		if !inv.Status.settled() && !(inv.Status == InvoiceStatusOpen && next == InvoiceStatusDraft) {
			inv.Status = next
		}
	case EventInvoicePaymentSucceeded:
		if inv.Status != InvoiceStatusRefunded {
			inv.Status = InvoiceStatusPaid
		}
		if inv.PaidAt == nil {
			at := snap.PaidAt
			if at.IsZero() {
				at = ev.Created
			}
			inv.PaidAt = timePtr(at)
		}
		keyFn = reactivateKeys(CatalogQuota(ctx, r.catalog))
	case EventInvoicePaymentFailed:
		switch inv.Status {
		case InvoiceStatusPaid, InvoiceStatusRefunded, InvoiceStatusVoid:
		default:
			inv.Status = InvoiceStatusFailed
			keyFn = suspendKeys
		}
	case EventInvoiceVoided:
		if inv.Status != InvoiceStatusPaid && inv.Status != InvoiceStatusRefunded {
			inv.Status = InvoiceStatusVoid
		}
	}

	if err := tx.SaveInvoice(ctx, inv); err != nil {
		return "", err
	}
	if keyFn != nil {
		n, err := tx.UpdateOwnerKeys(ctx, inv.OwnerID, keyFn)
		if err != nil {
			return "", err
		}
		if n > 0 {
			r.logger.WithFields(map[string]interface{}{
				"owner_id": inv.OwnerID,
				"invoice":  inv.ProviderInvoiceID,
				"keys":     n,
			}).Info("api key status changed by invoice payment")
		}
	}
	return OutcomeApplied, nil
}
