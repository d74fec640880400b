package middleware

import (
	"context"
	"math"
	"net/http"
	"strconv"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
)

// DefaultKeyHeader is where clients send their API key
const DefaultKeyHeader = "X-API-Key"

// Response headers
const (
	HeaderRateLimitLimit     = "X-RateLimit-Limit"
	HeaderRateLimitRemaining = "X-RateLimit-Remaining"
	HeaderRateLimitReset     = "X-RateLimit-Reset"
	HeaderRetryAfter         = "Retry-After"
	HeaderQuotaNotice        = "X-Quota-Notice"
)

type admissionKey struct{}

// Admitter is satisfied by *admission.Pipeline
type Admitter interface {
	Admit(ctx context.Context, credential string) (*admission.Admission, error)
}

// AdmissionMiddleware puts every request through the admission pipeline before
// it reaches the protected handler
type AdmissionMiddleware struct {
	admitter  Admitter
	keyHeader string
	logger    *observability.Logger
}

// NewAdmissionMiddleware creates the middleware; keyHeader defaults to X-API-Key
func NewAdmissionMiddleware(admitter Admitter, keyHeader string, logger *observability.Logger) *AdmissionMiddleware {
	if keyHeader == "" {
		keyHeader = DefaultKeyHeader
	}
	return &AdmissionMiddleware{admitter: admitter, keyHeader: keyHeader, logger: logger}
}

// Credential returns the raw API key, preferring the key header over a bearer token
func (m *AdmissionMiddleware) Credential(r *http.Request) string {
	if key := r.Header.Get(m.keyHeader); key != "" {
		return key
	}
	return BearerToken(r)
}

// Handler wraps next with admission control
func (m *AdmissionMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		adm, err := m.admitter.Admit(r.Context(), m.Credential(r))
		if err != nil {
			m.reject(w, r, err)
			return
		}

		setRateLimitHeaders(w, adm.RateLimit)
		if adm.Notice != "" {
			w.Header().Set(HeaderQuotaNotice, adm.Notice)
		}

		ctx := context.WithValue(r.Context(), admissionKey{}, adm)
		ctx = observability.WithOwnerID(ctx, adm.Key.OwnerID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (m *AdmissionMiddleware) reject(w http.ResponseWriter, r *http.Request, err error) {
	rej, ok := admission.AsRejection(err)
	if !ok {
		observability.FromContext(r.Context()).WithError(err).Error("admission failed")
		httputil.WriteServiceUnavailable(w, "admission temporarily unavailable")
		return
	}

	body := httputil.ErrorResponse{
		Error:        string(rej.Kind),
		Kind:         string(rej.Kind),
		Message:      rej.Message,
		NewlyBlocked: rej.NewlyBlocked,
	}
	if rej.RateLimit != nil {
		setRateLimitHeaders(w, *rej.RateLimit)
	}
	if rej.Kind == admission.KindRateLimitExceeded {
		secs := int(math.Ceil(rej.RetryAfter.Seconds()))
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set(HeaderRetryAfter, strconv.Itoa(secs))
		w.Header().Set(HeaderRateLimitRemaining, "0")
	}

	observability.FromContext(r.Context()).WithFields(map[string]interface{}{
		"kind":   rej.Kind,
		"key_id": rej.KeyID,
	}).Debug("request rejected")
	httputil.WriteErrorResponse(w, StatusFor(rej), body)
}

// StatusFor maps a rejection to its HTTP status
func StatusFor(rej *admission.Rejection) int {
	switch rej.Kind {
	case admission.KindInvalidKey:
		if rej.MissingCredential {
			return http.StatusUnauthorized
		}
		return http.StatusForbidden
	case admission.KindRateLimitExceeded:
		return http.StatusTooManyRequests
	case admission.KindKeySuspended:
		return http.StatusPaymentRequired
	case admission.KindQuotaExceeded:
		return http.StatusForbidden
	}
	return http.StatusForbidden
}

func setRateLimitHeaders(w http.ResponseWriter, d ratelimit.Decision) {
	if d.Unlimited() {
		return
	}
	h := w.Header()
	h.Set(HeaderRateLimitLimit, strconv.Itoa(d.Limit))
	h.Set(HeaderRateLimitRemaining, strconv.Itoa(d.Remaining))
	if !d.ResetAt.IsZero() {
		h.Set(HeaderRateLimitReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
}

// AdmissionFromContext returns the admission stored by the middleware
func AdmissionFromContext(ctx context.Context) (*admission.Admission, bool) {
	adm, ok := ctx.Value(admissionKey{}).(*admission.Admission)
	return adm, ok
}
