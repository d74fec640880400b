package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/client"
	"github.com/stripe/stripe-go/v79/webhook"
)

// StripeConfig configures the Stripe adapter
type StripeConfig struct {
	SecretKey     string
	WebhookSecret string
	// Timeout bounds each HTTP request to Stripe
	Timeout time.Duration
	// Backends overrides the API backends, for tests
	Backends *stripe.Backends
}

// StripeProvider implements Provider with the Stripe API
type StripeProvider struct {
	api *client.API
}

// NewStripeProvider creates a provider with a bounded HTTP client
func NewStripeProvider(cfg StripeConfig) (*StripeProvider, error) {
	if cfg.SecretKey == "" {
		return nil, fmt.Errorf("stripe secret key is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultProviderTimeout
	}
	backends := cfg.Backends
	if backends == nil {
		backends = stripe.NewBackends(&http.Client{Timeout: cfg.Timeout})
	}
	return &StripeProvider{api: client.New(cfg.SecretKey, backends)}, nil
}

func stripeError(op string, err error) error {
	var serr *stripe.Error
	if errors.As(err, &serr) {
		return &ProviderError{Op: op, Code: string(serr.Code), Message: serr.Msg, Err: err}
	}
	return &ProviderError{Op: op, Message: err.Error(), Err: err}
}

// CreateCustomer creates a Stripe customer tagged with the owner id
func (p *StripeProvider) CreateCustomer(ctx context.Context, ownerID int64, email string) (string, error) {
	params := &stripe.CustomerParams{}
	params.Context = ctx
	if email != "" {
		params.Email = stripe.String(email)
	}
	params.AddMetadata(MetadataOwnerID, strconv.FormatInt(ownerID, 10))

	cust, err := p.api.Customers.New(params)
	if err != nil {
		return "", stripeError("create_customer", err)
	}
	return cust.ID, nil
}

// CreateCheckoutSession opens a subscription-mode checkout. Metadata is copied
// onto the subscription so later subscription events carry the owner.
func (p *StripeProvider) CreateCheckoutSession(ctx context.Context, in CheckoutSessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:     stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		Customer: stripe.String(in.CustomerID),
		LineItems: []*stripe.CheckoutSessionLineItemParams{
			{Price: stripe.String(in.PriceRef), Quantity: stripe.Int64(1)},
		},
		SuccessURL: stripe.String(in.SuccessURL),
		CancelURL:  stripe.String(in.CancelURL),
		SubscriptionData: &stripe.CheckoutSessionSubscriptionDataParams{
			Metadata: in.Metadata,
		},
	}
	params.Context = ctx
	for k, v := range in.Metadata {
		params.AddMetadata(k, v)
	}

	sess, err := p.api.CheckoutSessions.New(params)
	if err != nil {
		return nil, stripeError("create_checkout_session", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

// ModifySubscription applies a cancellation flag or a price swap
func (p *StripeProvider) ModifySubscription(ctx context.Context, subscriptionID string, change SubscriptionChange) error {
	params := &stripe.SubscriptionParams{}
	params.Context = ctx
	if change.CancelAtPeriodEnd != nil {
		params.CancelAtPeriodEnd = stripe.Bool(*change.CancelAtPeriodEnd)
	}
	if change.PriceRef != "" {
		getParams := &stripe.SubscriptionParams{}
		getParams.Context = ctx
		current, err := p.api.Subscriptions.Get(subscriptionID, getParams)
		if err != nil {
			return stripeError("get_subscription", err)
		}
		if current.Items == nil || len(current.Items.Data) == 0 {
			return &ProviderError{Op: "modify_subscription", Message: "subscription has no items"}
		}
		params.Items = []*stripe.SubscriptionItemsParams{
			{ID: stripe.String(current.Items.Data[0].ID), Price: stripe.String(change.PriceRef)},
		}
		params.ProrationBehavior = stripe.String("create_prorations")
	}

	if _, err := p.api.Subscriptions.Update(subscriptionID, params); err != nil {
		return stripeError("modify_subscription", err)
	}
	return nil
}

// CreateRefund refunds against a charge or payment intent
func (p *StripeProvider) CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (*Refund, error) {
	params := &stripe.RefundParams{Amount: stripe.Int64(amountCents)}
	params.Context = ctx
	if len(paymentRef) > 3 && paymentRef[:3] == "pi_" {
		params.PaymentIntent = stripe.String(paymentRef)
	} else {
		params.Charge = stripe.String(paymentRef)
	}

	ref, err := p.api.Refunds.New(params)
	if err != nil {
		return nil, stripeError("create_refund", err)
	}
	return &Refund{ID: ref.ID, AmountCents: ref.Amount, Status: string(ref.Status)}, nil
}

// StripeVerifier checks Stripe-Signature headers and decodes events
type StripeVerifier struct {
	secret    string
	tolerance time.Duration
}

// NewStripeVerifier creates a verifier for the endpoint secret
func NewStripeVerifier(secret string) *StripeVerifier {
	return &StripeVerifier{secret: secret, tolerance: webhook.DefaultTolerance}
}

// Verify authenticates payload and translates it into an Event
func (v *StripeVerifier) Verify(payload []byte, signatureHeader string) (*Event, error) {
	if v.secret == "" {
		return nil, fmt.Errorf("%w: no webhook secret configured", ErrWebhookSignatureInvalid)
	}
	raw, err := webhook.ConstructEventWithOptions(payload, signatureHeader, v.secret, webhook.ConstructEventOptions{
		Tolerance:                v.tolerance,
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWebhookSignatureInvalid, err)
	}
	return translateEvent(raw)
}

func translateEvent(raw stripe.Event) (*Event, error) {
	ev := &Event{ID: raw.ID, Type: EventType(raw.Type), Created: time.Unix(raw.Created, 0).UTC()}
	if raw.Data == nil {
		return ev, nil
	}

	switch ev.Type {
	case EventCheckoutCompleted:
		var s stripe.CheckoutSession
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode checkout session: %w", err)
		}
		ev.Checkout = checkoutSnapshot(&s)
	case EventSubscriptionCreated, EventSubscriptionUpdated, EventSubscriptionDeleted:
		var s stripe.Subscription
		if err := json.Unmarshal(raw.Data.Raw, &s); err != nil {
			return nil, fmt.Errorf("failed to decode subscription: %w", err)
		}
		ev.Subscription = subscriptionSnapshot(&s)
	case EventInvoiceCreated, EventInvoiceFinalized, EventInvoicePaymentSucceeded,
		EventInvoicePaymentFailed, EventInvoiceVoided:
		var inv stripe.Invoice
		if err := json.Unmarshal(raw.Data.Raw, &inv); err != nil {
			return nil, fmt.Errorf("failed to decode invoice: %w", err)
		}
		ev.Invoice = invoiceSnapshot(&inv)
	}
	return ev, nil
}

func unix(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func checkoutSnapshot(s *stripe.CheckoutSession) *CheckoutSnapshot {
	snap := &CheckoutSnapshot{ID: s.ID, Email: s.CustomerEmail, Metadata: s.Metadata}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
	}
	if s.Subscription != nil {
		snap.SubscriptionID = s.Subscription.ID
	}
	if snap.Email == "" && s.CustomerDetails != nil {
		snap.Email = s.CustomerDetails.Email
	}
	if _, ok := snap.Metadata[MetadataOwnerID]; !ok && s.ClientReferenceID != "" {
		md := make(map[string]string, len(s.Metadata)+1)
		for k, v := range s.Metadata {
			md[k] = v
		}
		md[MetadataOwnerID] = s.ClientReferenceID
		snap.Metadata = md
	}
	return snap
}

func subscriptionSnapshot(s *stripe.Subscription) *SubscriptionSnapshot {
	snap := &SubscriptionSnapshot{
		ID:                 s.ID,
		Status:             string(s.Status),
		CurrentPeriodStart: unix(s.CurrentPeriodStart),
		CurrentPeriodEnd:   unix(s.CurrentPeriodEnd),
		CancelAtPeriodEnd:  s.CancelAtPeriodEnd,
		CanceledAt:         unix(s.CanceledAt),
		Metadata:           s.Metadata,
	}
	if s.Customer != nil {
		snap.CustomerID = s.Customer.ID
	}
	if s.Items != nil && len(s.Items.Data) > 0 && s.Items.Data[0].Price != nil {
		snap.PriceRef = s.Items.Data[0].Price.ID
	}
	return snap
}

func invoiceSnapshot(inv *stripe.Invoice) *InvoiceSnapshot {
	snap := &InvoiceSnapshot{
		ID:          inv.ID,
		AmountCents: inv.Total,
		Currency:    string(inv.Currency),
		Status:      string(inv.Status),
		HostedURL:   inv.HostedInvoiceURL,
		IssuedAt:    unix(inv.Created),
		Metadata:    inv.Metadata,
	}
	if inv.Customer != nil {
		snap.CustomerID = inv.Customer.ID
	}
	if inv.Subscription != nil {
		snap.SubscriptionID = inv.Subscription.ID
	}
	switch {
	case inv.Charge != nil && inv.Charge.ID != "":
		snap.PaymentRef = inv.Charge.ID
	case inv.PaymentIntent != nil && inv.PaymentIntent.ID != "":
		snap.PaymentRef = inv.PaymentIntent.ID
	}
	if inv.StatusTransitions != nil {
		snap.PaidAt = unix(inv.StatusTransitions.PaidAt)
	}
	if inv.Lines != nil {
		for _, line := range inv.Lines.Data {
			item := InvoiceItem{Description: line.Description, AmountCents: line.Amount, Quantity: line.Quantity}
			if item.Quantity == 0 {
				item.Quantity = 1
			}
			if line.Period != nil {
				item.PeriodStart = timePtr(unix(line.Period.Start))
				item.PeriodEnd = timePtr(unix(line.Period.End))
			}
			snap.Items = append(snap.Items, item)
		}
	}
	return snap
}
