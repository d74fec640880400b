// Package billing keeps subscriptions, invoices and API key entitlements in
// step with the payment provider.
//
// # Webhooks
//
// The provider is the source of truth for payment state. Every webhook is
// verified, translated into an Event and handed to the Reconciler, which
// applies it inside one store transaction:
//
//	verifier := billing.NewStripeVerifier(secret)
//	ev, err := verifier.Verify(payload, r.Header.Get("Stripe-Signature"))
//	outcome, err := reconciler.Apply(ctx, ev)
//
// Events are recorded by id before they are applied, so a redelivered event
// reports OutcomeDuplicate and changes nothing. Subscription events older than
// the last applied one, or arriving after a subscription was canceled, report
// OutcomeStale.
//
// # Key entitlements
//
// Subscription status decides the state of the owner's keys (see DeriveKeys):
//
//   - active: keys move to the subscribed plan, suspended keys are restored
//   - past_due, unpaid: keys are suspended
//   - canceled: keys fall back to the free plan
//
// Revoked keys are never touched.
//
// # Service
//
// Service handles the user-initiated side: checkout, cancellation, plan
// changes and refunds. Provider calls run with a timeout and outside any
// store transaction; local state changes only after the provider succeeds.
package billing
