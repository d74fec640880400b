package billing

import (
	"errors"
	"fmt"
)

var (
	ErrWebhookSignatureInvalid = errors.New("webhook signature invalid")
	// ErrDuplicateEvent marks an event id that was already processed
	ErrDuplicateEvent       = errors.New("event already processed")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrInvoiceNotFound      = errors.New("invoice not found")
	ErrOwnerNotFound        = errors.New("owner not found for event")
	ErrCustomerNotFound     = errors.New("customer not found")
	ErrPlanNotPurchasable   = errors.New("plan cannot be purchased")
)

// ValidationError rejects a request before anything is sent to the provider
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ProviderError wraps a failed or timed-out payment provider call. Local state
// is untouched when one is returned.
type ProviderError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *ProviderError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("payment provider %s failed (%s): %s", e.Op, e.Code, e.Message)
	}
	return fmt.Sprintf("payment provider %s failed: %s", e.Op, e.Message)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is one of the billing not-found sentinels
func IsNotFound(err error) bool {
	return errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvoiceNotFound) ||
		errors.Is(err, ErrCustomerNotFound)
}
