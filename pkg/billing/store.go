package billing

import (
	"context"
	"time"

	"github.com/platinummonkey/tollgate/pkg/keys"
)

// Tx is the unit of work the reconciler and service operate in. Reads of
// subscriptions and invoices inside InTx lock the row until commit.
type Tx interface {
	// RecordEvent marks an event processed; ErrDuplicateEvent when it already was
	RecordEvent(ctx context.Context, id string, eventType EventType, created time.Time) error

	CustomerByOwner(ctx context.Context, ownerID int64) (*Customer, error)
	CustomerByProviderID(ctx context.Context, providerCustomerID string) (*Customer, error)
	SaveCustomer(ctx context.Context, c *Customer) error

	SubscriptionByProviderID(ctx context.Context, providerSubscriptionID string) (*Subscription, error)
	// CurrentSubscription is the owner's newest non-canceled subscription, or
	// their newest one when all are canceled
	CurrentSubscription(ctx context.Context, ownerID int64) (*Subscription, error)
	SubscriptionsByOwner(ctx context.Context, ownerID int64) ([]*Subscription, error)
	// SaveSubscription inserts when ID is zero and updates otherwise
	SaveSubscription(ctx context.Context, s *Subscription) error

	InvoiceByProviderID(ctx context.Context, providerInvoiceID string) (*Invoice, error)
	Invoice(ctx context.Context, id int64) (*Invoice, error)
	InvoicesByOwner(ctx context.Context, ownerID int64, limit int) ([]*Invoice, error)
	// SaveInvoice inserts the invoice and its items when ID is zero; updates
	// leave items alone
	SaveInvoice(ctx context.Context, inv *Invoice) error

	// UpdateOwnerKeys applies fn to the owner's API keys as part of this unit of work
	UpdateOwnerKeys(ctx context.Context, ownerID int64, fn func(*keys.APIKey) error) (int, error)
}

// Store runs units of work against billing state
type Store interface {
	// InTx commits when fn returns nil and discards everything otherwise
	InTx(ctx context.Context, fn func(Tx) error) error
	// View runs read-only fn without row locks
	View(ctx context.Context, fn func(Tx) error) error
}
