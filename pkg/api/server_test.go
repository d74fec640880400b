package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
)

const adminToken = "admin-secret"

type stubProvider struct {
	err     error
	refunds int
}

func (p *stubProvider) CreateCustomer(ctx context.Context, ownerID int64, email string) (string, error) {
	if p.err != nil {
		return "", p.err
	}
	return "cus_" + strconv.FormatInt(ownerID, 10), nil
}

func (p *stubProvider) CreateCheckoutSession(ctx context.Context, params billing.CheckoutSessionParams) (*billing.CheckoutSession, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &billing.CheckoutSession{ID: "cs_1", URL: "https://checkout.example.com/cs_1"}, nil
}

func (p *stubProvider) ModifySubscription(ctx context.Context, id string, change billing.SubscriptionChange) error {
	return p.err
}

func (p *stubProvider) CreateRefund(ctx context.Context, paymentRef string, amountCents int64) (*billing.Refund, error) {
	p.refunds++
	if p.err != nil {
		return nil, p.err
	}
	return &billing.Refund{ID: "re_1", AmountCents: amountCents, Status: "succeeded"}, nil
}

// verifierFunc adapts a function to billing.Verifier
type verifierFunc func(payload []byte, header string) (*billing.Event, error)

func (f verifierFunc) Verify(payload []byte, header string) (*billing.Event, error) {
	return f(payload, header)
}

// jsonVerifier trusts any payload carrying the header "valid" and decodes it as an Event
func jsonVerifier(payload []byte, header string) (*billing.Event, error) {
	if header != "valid" {
		return nil, billing.ErrWebhookSignatureInvalid
	}
	var ev billing.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	return &ev, nil
}

type testServer struct {
	server   *Server
	keys     keys.Store
	provider *stubProvider
	notes    *noteRecorder
}

type noteRecorder struct {
	events []*notify.Event
}

func (n *noteRecorder) Notify(_ context.Context, ev *notify.Event) {
	n.events = append(n.events, ev)
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	all := plans.Defaults()
	for _, p := range all {
		if p.ID == plans.ProPlanID {
			p.PriceRef = "price_pro"
		}
	}
	catalog, err := plans.NewRegistry(all)
	require.NoError(t, err)

	logger := observability.NopLogger()
	ks := keys.NewMemoryStore()
	store := billing.NewMemoryStore(ks)
	provider := &stubProvider{}
	notes := &noteRecorder{}
	svc := billing.NewService(store, catalog, provider, billing.ServiceConfig{
		ProviderTimeout:   time.Second,
		DefaultSuccessURL: "https://app.example.com/ok",
		DefaultCancelURL:  "https://app.example.com/cancel",
	}, logger, nil)

	server := NewServer(Dependencies{
		Billing:    svc,
		Reconciler: billing.NewReconciler(store, catalog, logger, nil),
		Verifier:   verifierFunc(jsonVerifier),
		Keys:       ks,
		Usage:      admission.NewUsageRecorder(ks, logger),
		Catalog:    catalog,
		Logger:     logger,
		Notifier:   notes,
		AdminToken: adminToken,
	})
	return &testServer{server: server, keys: ks, provider: provider, notes: notes}
}

func (ts *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Authorization", "Bearer "+adminToken)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) webhook(t *testing.T, ev *billing.Event) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(ev)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", bytes.NewReader(payload))
	req.Header.Set(StripeSignatureHeader, "valid")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	return rec
}

var eventTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func checkoutEvent(id string, ownerID int64) *billing.Event {
	md := map[string]string{billing.MetadataPlanID: plans.ProPlanID}
	if ownerID > 0 {
		md[billing.MetadataOwnerID] = strconv.FormatInt(ownerID, 10)
	}
	return &billing.Event{
		ID:      id,
		Type:    billing.EventCheckoutCompleted,
		Created: eventTime,
		Checkout: &billing.CheckoutSnapshot{
			ID: "cs_1", CustomerID: "cus_7", SubscriptionID: "sub_1", Metadata: md,
		},
	}
}

func paidEvent(id string) *billing.Event {
	return &billing.Event{
		ID:      id,
		Type:    billing.EventInvoicePaymentSucceeded,
		Created: eventTime.Add(time.Hour),
		Invoice: &billing.InvoiceSnapshot{
			ID: "in_1", CustomerID: "cus_7", SubscriptionID: "sub_1",
			AmountCents: 2900, Currency: "usd", Status: "paid", PaymentRef: "ch_1",
		},
	}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, dest interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), dest))
}

func TestWebhook(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.webhook(t, checkoutEvent("evt_1", 7))
	require.Equal(t, http.StatusOK, rec.Code)
	var body webhookResponse
	decode(t, rec, &body)
	assert.Equal(t, billing.OutcomeApplied, body.Outcome)

	rec = ts.webhook(t, checkoutEvent("evt_1", 7))
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &body)
	assert.Equal(t, billing.OutcomeDuplicate, body.Outcome)
}

func TestWebhookBadSignature(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/billing/webhook", strings.NewReader(`{}`))
	req.Header.Set(StripeSignatureHeader, "forged")
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookApplyFailureAsksForRedelivery(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.webhook(t, checkoutEvent("evt_1", 0))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	// nothing was recorded, so the corrected redelivery applies
	rec = ts.webhook(t, checkoutEvent("evt_1", 7))
	var body webhookResponse
	decode(t, rec, &body)
	assert.Equal(t, billing.OutcomeApplied, body.Outcome)
}

func TestAccountRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/accounts/7/keys", nil)
	rec := httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/usage/reset", strings.NewReader(`{"kind":"daily"}`))
	req.Header.Set("Authorization", "Bearer wrong")
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// plans and webhooks are public
	rec = httptest.NewRecorder()
	ts.server.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/plans", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartCheckout(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/accounts/7/checkout", CheckoutRequest{PlanID: plans.ProPlanID, Email: "a@example.com"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var session billing.CheckoutSession
	decode(t, rec, &session)
	assert.Equal(t, "https://checkout.example.com/cs_1", session.URL)

	rec = ts.do(t, http.MethodPost, "/accounts/7/checkout", CheckoutRequest{PlanID: plans.FreePlanID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/accounts/7/checkout", `{"email":"not-an-email"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	var errBody struct {
		Details map[string]string `json:"details"`
	}
	decode(t, rec, &errBody)
	assert.Contains(t, errBody.Details, "plan_id")
	assert.Contains(t, errBody.Details, "email")

	rec = ts.do(t, http.MethodPost, "/accounts/7/checkout", `{"plan_id":"pro","coupon":"x"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/accounts/abc/checkout", CheckoutRequest{PlanID: plans.ProPlanID})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCheckoutProviderFailure(t *testing.T) {
	ts := newTestServer(t)
	ts.provider.err = errors.New("stripe down")
	rec := ts.do(t, http.MethodPost, "/accounts/7/checkout", CheckoutRequest{PlanID: plans.ProPlanID})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestSubscriptionLifecycle(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/accounts/7/subscription", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	require.Equal(t, http.StatusOK, ts.webhook(t, checkoutEvent("evt_1", 7)).Code)

	rec = ts.do(t, http.MethodPost, "/accounts/7/subscription/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var sub billing.Subscription
	decode(t, rec, &sub)
	assert.True(t, sub.CancelAtPeriodEnd)
	assert.Equal(t, billing.SubscriptionStatusActive, sub.Status)

	rec = ts.do(t, http.MethodPost, "/accounts/7/subscription/reactivate", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sub)
	assert.False(t, sub.CancelAtPeriodEnd)

	rec = ts.do(t, http.MethodPut, "/accounts/7/subscription/plan", ChangePlanRequest{PlanID: plans.EnterprisePlanID})
	assert.Equal(t, http.StatusBadRequest, rec.Code, "enterprise has no price and cannot be bought")
}

func TestRefunds(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.webhook(t, checkoutEvent("evt_1", 7)).Code)
	require.Equal(t, http.StatusOK, ts.webhook(t, paidEvent("evt_2")).Code)

	rec := ts.do(t, http.MethodGet, "/accounts/7/invoices", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var invs []billing.Invoice
	decode(t, rec, &invs)
	require.Len(t, invs, 1)
	path := "/accounts/7/invoices/" + strconv.FormatInt(invs[0].ID, 10)

	rec = ts.do(t, http.MethodGet, "/accounts/8/invoices/"+strconv.FormatInt(invs[0].ID, 10), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, http.MethodPost, path+"/refund", map[string]int64{"amount_cents": 5000})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, 0, ts.provider.refunds)

	ts.provider.err = errors.New("stripe down")
	rec = ts.do(t, http.MethodPost, path+"/refund", map[string]int64{"amount_cents": 900})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	ts.provider.err = nil
	rec = ts.do(t, http.MethodPost, path+"/refund", map[string]int64{"amount_cents": 900})
	require.Equal(t, http.StatusOK, rec.Code)
	var res billing.RefundResult
	decode(t, rec, &res)
	assert.Equal(t, int64(900), res.Invoice.RefundedCents)
	assert.Equal(t, billing.InvoiceStatusPaid, res.Invoice.Status)

	rec = ts.do(t, http.MethodPost, path+"/refund", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &res)
	assert.Equal(t, billing.InvoiceStatusRefunded, res.Invoice.Status)
}

func TestIssueAndManageKeys(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/accounts/7/keys", IssueKeyRequest{Name: "ci"})
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued keys.IssuedKey
	decode(t, rec, &issued)
	assert.True(t, strings.HasPrefix(issued.RawKey, keys.KeyPrefix))
	assert.Equal(t, plans.FreePlanID, issued.Key.PlanID)
	assert.NotContains(t, rec.Body.String(), "key_hash")

	rec = ts.do(t, http.MethodGet, "/accounts/7/keys", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []keys.APIKey
	decode(t, rec, &list)
	require.Len(t, list, 1)

	keyPath := "/admin/keys/" + strconv.FormatInt(issued.Key.ID, 10)
	rec = ts.do(t, http.MethodPost, keyPath+"/unblock", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = ts.do(t, http.MethodPost, keyPath+"/revoke", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var revoked keys.APIKey
	decode(t, rec, &revoked)
	assert.Equal(t, keys.StatusRevoked, revoked.Status)
	require.Len(t, ts.notes.events, 1)
	assert.Equal(t, notify.EventKeyRevoked, ts.notes.events[0].Type)
	assert.Equal(t, revoked.ID, ts.notes.events[0].KeyID)

	rec = ts.do(t, http.MethodPost, "/admin/keys/999/revoke", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestIssueKeyFollowsSubscription(t *testing.T) {
	ts := newTestServer(t)
	require.Equal(t, http.StatusOK, ts.webhook(t, checkoutEvent("evt_1", 7)).Code)

	rec := ts.do(t, http.MethodPost, "/accounts/7/keys", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	var issued keys.IssuedKey
	decode(t, rec, &issued)
	assert.Equal(t, plans.ProPlanID, issued.Key.PlanID)

	pastDue := &billing.Event{
		ID:      "evt_2",
		Type:    billing.EventSubscriptionUpdated,
		Created: eventTime.Add(time.Hour),
		Subscription: &billing.SubscriptionSnapshot{
			ID: "sub_1", CustomerID: "cus_7", Status: "past_due", PriceRef: "price_pro",
		},
	}
	require.Equal(t, http.StatusOK, ts.webhook(t, pastDue).Code)

	rec = ts.do(t, http.MethodPost, "/accounts/7/keys", nil)
	require.Equal(t, http.StatusCreated, rec.Code)
	decode(t, rec, &issued)
	assert.Equal(t, keys.StatusSuspended, issued.Key.Status)

	stored, err := ts.keys.Get(context.Background(), issued.Key.ID)
	require.NoError(t, err)
	assert.Equal(t, keys.StatusSuspended, stored.Status)
}

func TestUnblockAndResetUsage(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	issued, err := keys.NewIssuer(ts.keys).Issue(ctx, 7, plans.FreePlanID, "")
	require.NoError(t, err)
	_, err = ts.keys.Update(ctx, issued.Key.ID, func(k *keys.APIKey) error {
		k.Status = keys.StatusBlocked
		k.MonthlyUsage = 100
		return nil
	})
	require.NoError(t, err)

	rec := ts.do(t, http.MethodPost, "/admin/usage/reset", ResetUsageRequest{Kind: "weekly"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, http.MethodPost, "/admin/keys/"+strconv.FormatInt(issued.Key.ID, 10)+"/unblock", UnblockRequest{ResetMonthly: true})
	require.Equal(t, http.StatusOK, rec.Code)
	var key keys.APIKey
	decode(t, rec, &key)
	assert.Equal(t, keys.StatusActive, key.Status)
	assert.Equal(t, int64(0), key.MonthlyUsage)
	require.Len(t, ts.notes.events, 1)
	assert.Equal(t, notify.EventKeyUnblocked, ts.notes.events[0].Type)
	assert.Equal(t, int64(7), ts.notes.events[0].OwnerID)

	rec = ts.do(t, http.MethodPost, "/admin/usage/reset", ResetUsageRequest{Kind: keys.UsageDaily})
	require.Equal(t, http.StatusOK, rec.Code)
	var reset resetUsageResponse
	decode(t, rec, &reset)
	assert.Equal(t, keys.UsageDaily, reset.Kind)
}

func TestListPlans(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/plans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []plans.Plan
	decode(t, rec, &list)
	assert.Len(t, list, 3)
}
