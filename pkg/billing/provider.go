package billing

import "context"

// Provider is the payment provider as the billing service sees it
type Provider interface {
	CreateCustomer(ctx context.Context, ownerID int64, email string) (string, error)
	CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error)
	ModifySubscription(ctx context.Context, subscriptionID string, change SubscriptionChange) error
	CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (*Refund, error)
}

// Verifier authenticates a webhook delivery and decodes it
type Verifier interface {
	Verify(payload []byte, signatureHeader string) (*Event, error)
}

// CheckoutSessionParams describes a hosted checkout for one subscription
type CheckoutSessionParams struct {
	CustomerID string
	PriceRef   string
	SuccessURL string
	CancelURL  string
	Metadata   map[string]string
}

// CheckoutSession is where the customer completes payment
type CheckoutSession struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// SubscriptionChange is a partial update; nil/empty fields are left alone
type SubscriptionChange struct {
	CancelAtPeriodEnd *bool
	PriceRef          string
}

// Refund is the provider's record of a refund
type Refund struct {
	ID          string `json:"id"`
	AmountCents int64  `json:"amount_cents"`
	Status      string `json:"status"`
}

// DisabledProvider fails every call. It stands in when no payment provider
// is configured so admission and webhooks keep running.
type DisabledProvider struct{}

func disabled(op string) error {
	return &ProviderError{Op: op, Code: "disabled", Message: "payment provider is not configured"}
}

func (DisabledProvider) CreateCustomer(ctx context.Context, ownerID int64, email string) (string, error) {
	return "", disabled("create_customer")
}

func (DisabledProvider) CreateCheckoutSession(ctx context.Context, params CheckoutSessionParams) (*CheckoutSession, error) {
	return nil, disabled("create_checkout_session")
}

func (DisabledProvider) ModifySubscription(ctx context.Context, subscriptionID string, change SubscriptionChange) error {
	return disabled("modify_subscription")
}

func (DisabledProvider) CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (*Refund, error) {
	return nil, disabled("create_refund")
}
