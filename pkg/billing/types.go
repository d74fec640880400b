package billing

import (
	"time"

	"github.com/shopspring/decimal"
)

// SubscriptionStatus is the local subscription state
type SubscriptionStatus string

const (
	SubscriptionStatusActive   SubscriptionStatus = "active"
	SubscriptionStatusPastDue  SubscriptionStatus = "past_due"
	SubscriptionStatusUnpaid   SubscriptionStatus = "unpaid"
	SubscriptionStatusCanceled SubscriptionStatus = "canceled"
)

// NormalizeSubscriptionStatus folds the provider's statuses onto the local set
func NormalizeSubscriptionStatus(providerStatus string) SubscriptionStatus {
	switch providerStatus {
	case "active", "trialing":
		return SubscriptionStatusActive
	case "past_due", "incomplete":
		return SubscriptionStatusPastDue
	case "canceled", "incomplete_expired":
		return SubscriptionStatusCanceled
	}
	return SubscriptionStatusUnpaid
}

// Subscription is an owner's subscription to a plan
type Subscription struct {
	ID                     int64              `json:"id"`
	OwnerID                int64              `json:"owner_id"`
	PlanID                 string             `json:"plan_id"`
	ProviderSubscriptionID string             `json:"provider_subscription_id"`
	ProviderCustomerID     string             `json:"provider_customer_id,omitempty"`
	Status                 SubscriptionStatus `json:"status"`
	CurrentPeriodStart     *time.Time         `json:"current_period_start,omitempty"`
	CurrentPeriodEnd       *time.Time         `json:"current_period_end,omitempty"`
	CancelAtPeriodEnd      bool               `json:"cancel_at_period_end"`
	CanceledAt             *time.Time         `json:"canceled_at,omitempty"`
	// LastEventAt is the creation time of the newest provider event applied
	LastEventAt time.Time `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Clone returns a deep copy
func (s *Subscription) Clone() *Subscription {
	c := *s
	c.CurrentPeriodStart = cloneTime(s.CurrentPeriodStart)
	c.CurrentPeriodEnd = cloneTime(s.CurrentPeriodEnd)
	c.CanceledAt = cloneTime(s.CanceledAt)
	return &c
}

// InvoiceStatus is the local invoice state
type InvoiceStatus string

const (
	InvoiceStatusDraft    InvoiceStatus = "draft"
	InvoiceStatusOpen     InvoiceStatus = "open"
	InvoiceStatusPaid     InvoiceStatus = "paid"
	InvoiceStatusFailed   InvoiceStatus = "failed"
	InvoiceStatusVoid     InvoiceStatus = "void"
	InvoiceStatusRefunded InvoiceStatus = "refunded"
)

// settled statuses are never moved back to draft or open
func (s InvoiceStatus) settled() bool {
	switch s {
	case InvoiceStatusPaid, InvoiceStatusFailed, InvoiceStatusVoid, InvoiceStatusRefunded:
		return true
	}
	return false
}

// NormalizeInvoiceStatus folds the provider's statuses onto the local set
func NormalizeInvoiceStatus(providerStatus string) InvoiceStatus {
	switch providerStatus {
	case "draft":
		return InvoiceStatusDraft
	case "paid":
		return InvoiceStatusPaid
	case "void":
		return InvoiceStatusVoid
	case "uncollectible":
		return InvoiceStatusFailed
	}
	return InvoiceStatusOpen
}

// InvoiceItem is one line of an invoice
type InvoiceItem struct {
	ID          int64      `json:"id"`
	Description string     `json:"description"`
	AmountCents int64      `json:"amount_cents"`
	Quantity    int64      `json:"quantity"`
	PeriodStart *time.Time `json:"period_start,omitempty"`
	PeriodEnd   *time.Time `json:"period_end,omitempty"`
}

// Invoice mirrors a provider invoice
type Invoice struct {
	ID                     int64         `json:"id"`
	ProviderInvoiceID      string        `json:"provider_invoice_id"`
	OwnerID                int64         `json:"owner_id"`
	ProviderSubscriptionID string        `json:"provider_subscription_id,omitempty"`
	AmountCents            int64         `json:"amount_cents"`
	Currency               string        `json:"currency"`
	RefundedCents          int64         `json:"refunded_cents"`
	Status                 InvoiceStatus `json:"status"`
	PaymentRef             string        `json:"-"`
	HostedURL              string        `json:"hosted_url,omitempty"`
	IssuedAt               time.Time     `json:"issued_at"`
	PaidAt                 *time.Time    `json:"paid_at,omitempty"`
	Items                  []InvoiceItem `json:"items,omitempty"`
	CreatedAt              time.Time     `json:"created_at"`
	UpdatedAt              time.Time     `json:"updated_at"`
}

// Clone returns a deep copy
func (i *Invoice) Clone() *Invoice {
	c := *i
	c.PaidAt = cloneTime(i.PaidAt)
	if i.Items != nil {
		c.Items = make([]InvoiceItem, len(i.Items))
		copy(c.Items, i.Items)
	}
	return &c
}

// Amount is the invoice total in major currency units
func (i *Invoice) Amount() decimal.Decimal {
	return decimal.New(i.AmountCents, -2)
}

// Refunded is the refunded total in major currency units
func (i *Invoice) Refunded() decimal.Decimal {
	return decimal.New(i.RefundedCents, -2)
}

// RefundableCents is what can still be refunded
func (i *Invoice) RefundableCents() int64 {
	return i.AmountCents - i.RefundedCents
}

// Customer maps an owner to their provider customer
type Customer struct {
	OwnerID            int64     `json:"owner_id"`
	ProviderCustomerID string    `json:"provider_customer_id"`
	Email              string    `json:"email,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func decimalCents(cents int64) string {
	return decimal.New(cents, -2).StringFixed(2)
}
