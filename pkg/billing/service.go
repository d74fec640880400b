package billing

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

// DefaultProviderTimeout bounds every payment provider call
const DefaultProviderTimeout = 10 * time.Second

// ServiceConfig configures the billing service
type ServiceConfig struct {
	ProviderTimeout   time.Duration
	DefaultSuccessURL string
	DefaultCancelURL  string
}

// Service runs the account-facing billing operations. The provider is always
// called before local state changes, so a provider failure leaves nothing to undo.
type Service struct {
	store    Store
	catalog  plans.Catalog
	provider Provider
	cfg      ServiceConfig
	logger   *observability.Logger
	metrics  *observability.Metrics
}

// NewService creates a billing service
func NewService(store Store, catalog plans.Catalog, provider Provider, cfg ServiceConfig, logger *observability.Logger, metrics *observability.Metrics) *Service {
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = DefaultProviderTimeout
	}
	return &Service{
		store:    store,
		catalog:  catalog,
		provider: provider,
		cfg:      cfg,
		logger:   logger,
		metrics:  metrics,
	}
}

// call runs one provider operation under the configured timeout and converts
// any failure into a *ProviderError
func (s *Service) call(ctx context.Context, op string, fn func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.ProviderTimeout)
	defer cancel()
	ctx, span := observability.StartSpan(ctx, "billing.provider."+op)

	err := fn(ctx)
	s.metrics.ProviderCall(op, err)
	observability.EndSpan(span, err)
	if err == nil {
		return nil
	}

	var perr *ProviderError
	if !errors.As(err, &perr) {
		perr = &ProviderError{Op: op, Message: err.Error(), Err: err}
	}
	if perr.Op == "" {
		perr.Op = op
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		perr.Code = "timeout"
	}
	s.logger.WithError(perr).WithField("op", op).Warn("payment provider call failed")
	return perr
}

// CheckoutRequest starts a subscription purchase
type CheckoutRequest struct {
	OwnerID    int64
	Email      string
	PlanID     string
	SuccessURL string
	CancelURL  string
}

// StartCheckout creates the provider customer if needed and opens a hosted checkout
func (s *Service) StartCheckout(ctx context.Context, req CheckoutRequest) (*CheckoutSession, error) {
	plan, err := s.catalog.Get(ctx, req.PlanID)
	if errors.Is(err, plans.ErrPlanNotFound) {
		return nil, fmt.Errorf("%w: unknown plan %s", ErrPlanNotPurchasable, req.PlanID)
	}
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan.ID)
	}

	customerID, err := s.ensureCustomer(ctx, req.OwnerID, req.Email)
	if err != nil {
		return nil, err
	}

	params := CheckoutSessionParams{
		CustomerID: customerID,
		PriceRef:   plan.PriceRef,
		SuccessURL: firstNonEmpty(req.SuccessURL, s.cfg.DefaultSuccessURL),
		CancelURL:  firstNonEmpty(req.CancelURL, s.cfg.DefaultCancelURL),
		Metadata: map[string]string{
			MetadataOwnerID: strconv.FormatInt(req.OwnerID, 10),
			MetadataPlanID:  plan.ID,
		},
	}
	if params.SuccessURL == "" || params.CancelURL == "" {
		return nil, &ValidationError{Field: "success_url", Message: "success and cancel URLs are required"}
	}

	var session *CheckoutSession
	err = s.call(ctx, "create_checkout_session", func(ctx context.Context) error {
		var err error
		session, err = s.provider.CreateCheckoutSession(ctx, params)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"owner_id": req.OwnerID, "plan": plan.ID}).Info("checkout started")
	return session, nil
}

func (s *Service) ensureCustomer(ctx context.Context, ownerID int64, email string) (string, error) {
	var existing *Customer
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		existing, err = tx.CustomerByOwner(ctx, ownerID)
		return err
	})
	if err == nil {
		return existing.ProviderCustomerID, nil
	}
	if !errors.Is(err, ErrCustomerNotFound) {
		return "", err
	}

	var customerID string
	err = s.call(ctx, "create_customer", func(ctx context.Context) error {
		var err error
		customerID, err = s.provider.CreateCustomer(ctx, ownerID, email)
		return err
	})
	if err != nil {
		return "", err
	}

	err = s.store.InTx(ctx, func(tx Tx) error {
		return tx.SaveCustomer(ctx, &Customer{OwnerID: ownerID, ProviderCustomerID: customerID, Email: email})
	})
	if err != nil {
		return "", fmt.Errorf("failed to save customer: %w", err)
	}
	return customerID, nil
}

func (s *Service) liveSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	var sub *Subscription
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.CurrentSubscription(ctx, ownerID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if sub.Status == SubscriptionStatusCanceled {
		return nil, ErrSubscriptionNotFound
	}
	return sub, nil
}

// GetSubscription returns the owner's current subscription
func (s *Service) GetSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	var sub *Subscription
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		sub, err = tx.CurrentSubscription(ctx, ownerID)
		return err
	})
	return sub, err
}

// CancelSubscription schedules cancellation at the end of the current period
func (s *Service) CancelSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, ownerID, true)
}

// ReactivateSubscription withdraws a scheduled cancellation
func (s *Service) ReactivateSubscription(ctx context.Context, ownerID int64) (*Subscription, error) {
	return s.setCancelAtPeriodEnd(ctx, ownerID, false)
}

func (s *Service) setCancelAtPeriodEnd(ctx context.Context, ownerID int64, cancel bool) (*Subscription, error) {
	sub, err := s.liveSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}

	err = s.call(ctx, "modify_subscription", func(ctx context.Context) error {
		return s.provider.ModifySubscription(ctx, sub.ProviderSubscriptionID, SubscriptionChange{CancelAtPeriodEnd: &cancel})
	})
	if err != nil {
		return nil, err
	}

	var updated *Subscription
	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		updated, err = tx.SubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		updated.CancelAtPeriodEnd = cancel
		return tx.SaveSubscription(ctx, updated)
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"owner_id": ownerID, "cancel_at_period_end": cancel}).Info("subscription cancellation updated")
	return updated, nil
}

// ChangePlan moves the owner's subscription and keys to planID
func (s *Service) ChangePlan(ctx context.Context, ownerID int64, planID string) (*Subscription, error) {
	plan, err := s.catalog.Get(ctx, planID)
	if errors.Is(err, plans.ErrPlanNotFound) {
		return nil, fmt.Errorf("%w: unknown plan %s", ErrPlanNotPurchasable, planID)
	}
	if err != nil {
		return nil, err
	}
	if !plan.Purchasable() {
		return nil, fmt.Errorf("%w: %s", ErrPlanNotPurchasable, plan.ID)
	}

	sub, err := s.liveSubscription(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if sub.PlanID == plan.ID {
		return sub, nil
	}

	err = s.call(ctx, "modify_subscription", func(ctx context.Context) error {
		return s.provider.ModifySubscription(ctx, sub.ProviderSubscriptionID, SubscriptionChange{PriceRef: plan.PriceRef})
	})
	if err != nil {
		return nil, err
	}

	var updated *Subscription
	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		updated, err = tx.SubscriptionByProviderID(ctx, sub.ProviderSubscriptionID)
		if err != nil {
			return err
		}
		updated.PlanID = plan.ID
		if err := tx.SaveSubscription(ctx, updated); err != nil {
			return err
		}
		_, err = tx.UpdateOwnerKeys(ctx, ownerID, DeriveKeys(plan.ID, updated.Status, CatalogQuota(ctx, s.catalog)))
		return err
	})
	if err != nil {
		return nil, err
	}
	s.logger.WithFields(map[string]interface{}{"owner_id": ownerID, "from": sub.PlanID, "to": plan.ID}).Info("plan changed")
	return updated, nil
}

// RefundRequest refunds part or all of a paid invoice. A nil AmountCents
// refunds whatever remains.
type RefundRequest struct {
	OwnerID     int64
	InvoiceID   int64
	AmountCents *int64
}

// RefundResult is the refund and the invoice after it
type RefundResult struct {
	Refund  *Refund  `json:"refund"`
	Invoice *Invoice `json:"invoice"`
}

// ProcessRefund validates the request, refunds through the provider and then
// records the refund on the invoice
func (s *Service) ProcessRefund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	inv, err := s.GetInvoice(ctx, req.OwnerID, req.InvoiceID)
	if err != nil {
		return nil, err
	}
	if inv.Status != InvoiceStatusPaid {
		return nil, &ValidationError{Field: "invoice", Message: fmt.Sprintf("invoice is %s, only paid invoices can be refunded", inv.Status)}
	}
	if inv.PaymentRef == "" {
		return nil, &ValidationError{Field: "invoice", Message: "invoice has no payment to refund"}
	}

	amount := inv.RefundableCents()
	if req.AmountCents != nil {
		amount = *req.AmountCents
	}
	switch {
	case amount <= 0:
		return nil, &ValidationError{Field: "amount_cents", Message: "must be positive"}
	case amount > inv.AmountCents:
		return nil, &ValidationError{Field: "amount_cents", Message: fmt.Sprintf("exceeds invoice amount %s", inv.Amount().StringFixed(2))}
	case amount > inv.RefundableCents():
		return nil, &ValidationError{Field: "amount_cents", Message: fmt.Sprintf("exceeds refundable amount %s", decimalCents(inv.RefundableCents()))}
	}

	var refund *Refund
	err = s.call(ctx, "create_refund", func(ctx context.Context) error {
		var err error
		refund, err = s.provider.CreateRefund(ctx, inv.PaymentRef, amount)
		return err
	})
	if err != nil {
		return nil, err
	}

	var updated *Invoice
	err = s.store.InTx(ctx, func(tx Tx) error {
		var err error
		updated, err = tx.Invoice(ctx, inv.ID)
		if err != nil {
			return err
		}
		updated.RefundedCents += amount
		if updated.RefundedCents >= updated.AmountCents {
			updated.Status = InvoiceStatusRefunded
		}
		return tx.SaveInvoice(ctx, updated)
	})
	if err != nil {
		// the provider already moved the money; this needs an operator
		s.logger.WithError(err).WithFields(map[string]interface{}{
			"invoice_id": inv.ID,
			"refund_id":  refund.ID,
			"amount":     amount,
		}).Error("refund succeeded at provider but was not recorded")
		return nil, fmt.Errorf("failed to record refund %s: %w", refund.ID, err)
	}

	s.metrics.Refunded(amount)
	s.logger.WithFields(map[string]interface{}{
		"owner_id":   req.OwnerID,
		"invoice_id": inv.ID,
		"amount":     decimalCents(amount),
		"currency":   inv.Currency,
	}).Info("refund processed")
	return &RefundResult{Refund: refund, Invoice: updated}, nil
}

// ListInvoices returns the owner's invoices, newest first
func (s *Service) ListInvoices(ctx context.Context, ownerID int64, limit int) ([]*Invoice, error) {
	var invs []*Invoice
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		invs, err = tx.InvoicesByOwner(ctx, ownerID, limit)
		return err
	})
	return invs, err
}

// GetInvoice returns one of the owner's invoices
func (s *Service) GetInvoice(ctx context.Context, ownerID, invoiceID int64) (*Invoice, error) {
	ctx, span := observability.StartSpan(ctx, "billing.get_invoice", attribute.Int64("invoice.id", invoiceID))
	var inv *Invoice
	err := s.store.View(ctx, func(tx Tx) error {
		var err error
		inv, err = tx.Invoice(ctx, invoiceID)
		return err
	})
	observability.EndSpan(span, err)
	if err != nil {
		return nil, err
	}
	if inv.OwnerID != ownerID {
		return nil, ErrInvoiceNotFound
	}
	return inv, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
