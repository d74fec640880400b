package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
)

type admitFunc func(ctx context.Context, credential string) (*admission.Admission, error)

func (f admitFunc) Admit(ctx context.Context, credential string) (*admission.Admission, error) {
	return f(ctx, credential)
}

var okHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
	adm, ok := AdmissionFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("X-Key-ID", strconv.FormatInt(adm.Key.ID, 10))
	w.WriteHeader(http.StatusOK)
})

func serve(t *testing.T, h http.Handler, header, value string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/v1/lookup", nil)
	if header != "" {
		req.Header.Set(header, value)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestAdmissionMiddleware_CredentialSources(t *testing.T) {
	var got string
	m := NewAdmissionMiddleware(admitFunc(func(_ context.Context, credential string) (*admission.Admission, error) {
		got = credential
		return &admission.Admission{Key: &keys.APIKey{ID: 1}}, nil
	}), "", observability.NopLogger())

	serve(t, m.Handler(okHandler), "X-API-Key", "tg_header")
	assert.Equal(t, "tg_header", got)

	serve(t, m.Handler(okHandler), "Authorization", "Bearer tg_bearer")
	assert.Equal(t, "tg_bearer", got)

	serve(t, m.Handler(okHandler), "Authorization", "Basic dXNlcg==")
	assert.Equal(t, "", got)
}

func TestAdmissionMiddleware_RejectionStatuses(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
	}{
		{"missing key", &admission.Rejection{Kind: admission.KindInvalidKey, Message: admission.MessageKeyRequired, MissingCredential: true}, http.StatusUnauthorized},
		{"missing flag decides, not the message", &admission.Rejection{Kind: admission.KindInvalidKey, Message: admission.MessageKeyRequired}, http.StatusForbidden},
		{"invalid key", &admission.Rejection{Kind: admission.KindInvalidKey, Message: admission.MessageInvalidKey}, http.StatusForbidden},
		{"rate limited", &admission.Rejection{Kind: admission.KindRateLimitExceeded, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests},
		{"quota", &admission.Rejection{Kind: admission.KindQuotaExceeded, Message: admission.MessageBlocked}, http.StatusForbidden},
		{"suspended", &admission.Rejection{Kind: admission.KindKeySuspended, Message: admission.MessageSuspended}, http.StatusPaymentRequired},
		{"backend down", errors.New("connection refused"), http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewAdmissionMiddleware(admitFunc(func(context.Context, string) (*admission.Admission, error) {
				return nil, tt.err
			}), "", observability.NopLogger())

			w := serve(t, m.Handler(okHandler), "X-API-Key", "tg_x")
			assert.Equal(t, tt.status, w.Code)
		})
	}
}

func TestAdmissionMiddleware_RateLimitHeaders(t *testing.T) {
	reset := time.Date(2026, 5, 1, 9, 1, 0, 0, time.UTC)
	m := NewAdmissionMiddleware(admitFunc(func(context.Context, string) (*admission.Admission, error) {
		d := ratelimit.Decision{Limit: 10, ResetAt: reset, RetryAfter: 1500 * time.Millisecond}
		return nil, &admission.Rejection{Kind: admission.KindRateLimitExceeded, Message: "Rate limit exceeded", RetryAfter: d.RetryAfter, RateLimit: &d}
	}), "", observability.NopLogger())

	w := serve(t, m.Handler(okHandler), "X-API-Key", "tg_x")

	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "2", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "10", w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "0", w.Header().Get(HeaderRateLimitRemaining))
	assert.Equal(t, strconv.FormatInt(reset.Unix(), 10), w.Header().Get(HeaderRateLimitReset))

	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "rate_limit_exceeded", body.Kind)
	assert.Equal(t, 2, body.RetryAfter)
}

func newPipeline(t *testing.T, plan *plans.Plan, monthlyUsage int64) (*admission.Pipeline, string) {
	t.Helper()
	ctx := context.Background()
	catalog, err := plans.NewRegistry(append(plans.Defaults(), plan))
	require.NoError(t, err)
	store := keys.NewMemoryStore()
	issued, err := keys.NewIssuer(store).Issue(ctx, 7, plan.ID, "middleware")
	require.NoError(t, err)
	if monthlyUsage > 0 {
		_, err = store.Update(ctx, issued.Key.ID, func(k *keys.APIKey) error {
			k.MonthlyUsage = monthlyUsage
			return nil
		})
		require.NoError(t, err)
	}
	limiter := ratelimit.NewSlidingWindow(observability.NopLogger())
	return admission.NewPipeline(store, catalog, limiter, observability.NopLogger(), nil), issued.RawKey
}

func TestAdmissionMiddleware_WithPipeline(t *testing.T) {
	plan := &plans.Plan{ID: "tiny", Tier: plans.TierCustom, RateLimitPerMinute: 5, MonthlyLimit: 3, Active: true}
	pipeline, raw := newPipeline(t, plan, 1)
	h := NewAdmissionMiddleware(pipeline, "", observability.NopLogger()).Handler(okHandler)

	w := serve(t, h, "X-API-Key", raw)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "5", w.Header().Get(HeaderRateLimitLimit))
	assert.Equal(t, "4", w.Header().Get(HeaderRateLimitRemaining))
	assert.NotEmpty(t, w.Header().Get(HeaderRateLimitReset))
	assert.Empty(t, w.Header().Get(HeaderQuotaNotice))

	// usage 2 -> 3 reaches the limit; this request still goes through
	w = serve(t, h, "X-API-Key", raw)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, admission.MessageNewlyBlocked, w.Header().Get(HeaderQuotaNotice))

	w = serve(t, h, "X-API-Key", raw)
	assert.Equal(t, http.StatusForbidden, w.Code)
	// the rejected request gave its slot back; only the two admitted ones count
	assert.Equal(t, "3", w.Header().Get(HeaderRateLimitRemaining))
	var body httputil.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "quota_exceeded", body.Kind)
	assert.Equal(t, admission.MessageBlocked, body.Message)
	assert.False(t, body.NewlyBlocked)

	w = serve(t, h, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAdmissionMiddleware_UnlimitedPlanHasNoRateHeaders(t *testing.T) {
	plan := &plans.Plan{ID: "open", Tier: plans.TierCustom, Active: true}
	pipeline, raw := newPipeline(t, plan, 0)
	h := NewAdmissionMiddleware(pipeline, "X-Custom-Key", observability.NopLogger()).Handler(okHandler)

	w := serve(t, h, "X-Custom-Key", raw)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, w.Header().Get(HeaderRateLimitLimit))
}
