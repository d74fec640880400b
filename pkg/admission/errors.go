package admission

import (
	"errors"
	"fmt"
	"time"

	"github.com/platinummonkey/tollgate/pkg/ratelimit"
)

// Kind classifies a policy rejection
type Kind string

const (
	KindInvalidKey        Kind = "invalid_key"
	KindRateLimitExceeded Kind = "rate_limit_exceeded"
	KindQuotaExceeded     Kind = "quota_exceeded"
	KindKeySuspended      Kind = "key_suspended"
)

// Period names the quota a QuotaExceeded rejection refers to
type Period string

const (
	PeriodMonthly Period = "monthly"
	PeriodDaily   Period = "daily"
)

// User-facing rejection messages
const (
	MessageKeyRequired   = "API key required"
	MessageInvalidKey    = "Invalid API key"
	MessageNewlyBlocked  = "Plan limit exceeded. Upgrade your plan to continue using the service"
	MessageBlocked       = "Upgrade your plan to continue using the service"
	MessageDailyExceeded = "Daily request limit reached. Try again tomorrow or upgrade your plan"
	MessageSuspended     = "API key suspended because of a billing problem. Update your payment method to continue"
)

// Rejection is returned by Admit when policy denies a request. Store and
// backend failures are returned as ordinary errors instead.
type Rejection struct {
	Kind         Kind
	Message      string
	RetryAfter   time.Duration
	NewlyBlocked bool
	Period       Period
	KeyID        int64
	// MissingCredential marks an InvalidKey rejection where no key was sent at all
	MissingCredential bool
	// RateLimit is set once the rate limiter ran, for response headers
	RateLimit *ratelimit.Decision
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("%s: %s", r.Kind, r.Message)
}

// AsRejection extracts a *Rejection from err
func AsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

func rateLimited(keyID int64, d ratelimit.Decision) *Rejection {
	return &Rejection{
		Kind:       KindRateLimitExceeded,
		Message:    fmt.Sprintf("Rate limit exceeded. Retry after %d seconds", d.RetryAfterSeconds()),
		RetryAfter: d.RetryAfter,
		KeyID:      keyID,
		RateLimit:  &d,
	}
}
