package billing

import (
	"strconv"
	"time"
)

// EventType is the closed set of provider events the reconciler understands
type EventType string

const (
	EventCheckoutCompleted       EventType = "checkout.session.completed"
	EventSubscriptionCreated     EventType = "customer.subscription.created"
	EventSubscriptionUpdated     EventType = "customer.subscription.updated"
	EventSubscriptionDeleted     EventType = "customer.subscription.deleted"
	EventInvoiceCreated          EventType = "invoice.created"
	EventInvoiceFinalized        EventType = "invoice.finalized"
	EventInvoicePaymentSucceeded EventType = "invoice.payment_succeeded"
	EventInvoicePaymentFailed    EventType = "invoice.payment_failed"
	EventInvoiceVoided           EventType = "invoice.voided"
)

// Metadata keys set on checkout sessions and subscriptions
const (
	MetadataOwnerID = "owner_id"
	MetadataPlanID  = "plan_id"
)

// Outcome is how an event was handled
type Outcome string

const (
	OutcomeApplied   Outcome = "applied"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeIgnored   Outcome = "ignored"
	OutcomeStale     Outcome = "stale"
)

// Event is a verified provider event translated into provider-neutral snapshots.
// Exactly one snapshot is set for known types.
type Event struct {
	ID           string
	Type         EventType
	Created      time.Time
	Subscription *SubscriptionSnapshot
	Invoice      *InvoiceSnapshot
	Checkout     *CheckoutSnapshot
}

// SubscriptionSnapshot is the subscription object carried by an event
type SubscriptionSnapshot struct {
	ID                 string
	CustomerID         string
	Status             string
	PriceRef           string
	CurrentPeriodStart time.Time
	CurrentPeriodEnd   time.Time
	CancelAtPeriodEnd  bool
	CanceledAt         time.Time
	Metadata           map[string]string
}

// InvoiceSnapshot is the invoice object carried by an event
type InvoiceSnapshot struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	AmountCents    int64
	Currency       string
	Status         string
	PaymentRef     string
	HostedURL      string
	IssuedAt       time.Time
	PaidAt         time.Time
	Items          []InvoiceItem
	Metadata       map[string]string
}

// CheckoutSnapshot is the checkout session carried by an event
type CheckoutSnapshot struct {
	ID             string
	CustomerID     string
	SubscriptionID string
	Email          string
	Metadata       map[string]string
}

// ownerFromMetadata parses the owner id tollgate stamps on provider objects
func ownerFromMetadata(md map[string]string) (int64, bool) {
	raw, ok := md[MetadataOwnerID]
	if !ok {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
