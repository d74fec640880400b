package observability

import (
	"database/sql"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMetrics_RegistersCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	require.NotNil(t, metrics)

	// registering twice on the same registry must panic on duplicates
	assert.Panics(t, func() { NewMetrics(registry) })
}

func TestMetrics_AdmissionAndBilling(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	metrics.ObserveAdmission("admitted", 2*time.Millisecond)
	metrics.ObserveAdmission("admitted", time.Millisecond)
	metrics.ObserveAdmission("rate_limit_exceeded", time.Millisecond)
	metrics.QuotaBlocked()
	metrics.BillingEvent("invoice.payment_succeeded", "applied")
	metrics.ProviderCall("create_refund", nil)
	metrics.ProviderCall("create_refund", errors.New("timeout"))
	metrics.Refunded(250)
	metrics.PlanCacheLookup(true)
	metrics.PlanCacheLookup(false)
	metrics.RateLimiterError("redis", "fail_open")

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.AdmissionDecisionsTotal.WithLabelValues("admitted")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.AdmissionDecisionsTotal.WithLabelValues("rate_limit_exceeded")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.QuotaBlocksTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.BillingEventsTotal.WithLabelValues("invoice.payment_succeeded", "applied")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderCallsTotal.WithLabelValues("create_refund", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ProviderCallsTotal.WithLabelValues("create_refund", "error")))
	assert.Equal(t, 250.0, testutil.ToFloat64(metrics.RefundedCentsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCacheHitsTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PlanCacheMissesTotal))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RateLimiterErrorsTotal.WithLabelValues("redis", "fail_open")))
}

func TestMetrics_NilIsNoop(t *testing.T) {
	var metrics *Metrics
	assert.NotPanics(t, func() {
		metrics.ObserveAdmission("admitted", time.Millisecond)
		metrics.QuotaBlocked()
		metrics.BillingEvent("x", "y")
		metrics.ProviderCall("op", nil)
		metrics.Refunded(1)
		metrics.PlanCacheLookup(true)
		metrics.RateLimiterError("memory", "reject")
		metrics.RecordDBStats(sql.DBStats{})
	})
}

func TestMetrics_RecordDBStats(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	metrics.RecordDBStats(sql.DBStats{InUse: 3, Idle: 2, WaitCount: 9})

	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.DBConnectionsActive))
	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.DBConnectionsIdle))
	assert.Equal(t, 9.0, testutil.ToFloat64(metrics.DBConnectionsWaitCount))
}

func TestHTTPMetricsMiddleware_UsesRouteTemplate(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())

	router := mux.NewRouter()
	router.Use(HTTPMetricsMiddleware(metrics))
	router.HandleFunc("/accounts/{owner}/invoices", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
		_, _ = w.Write([]byte("hello"))
	}).Methods(http.MethodGet)

	for _, owner := range []string{"1", "2"} {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/accounts/"+owner+"/invoices", nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}

	assert.Equal(t, 2.0, testutil.ToFloat64(
		metrics.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/accounts/{owner}/invoices", "418")))
}

func TestHTTPMetricsMiddleware_UnroutedRequest(t *testing.T) {
	metrics := NewMetrics(prometheus.NewRegistry())
	handler := HTTPMetricsMiddleware(metrics)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/v1/lookup", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues(http.MethodPost, "other", "200")))
}

func TestRegisterMetricsEndpoint(t *testing.T) {
	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	metrics.QuotaBlocked()

	serveMux := http.NewServeMux()
	RegisterMetricsEndpoint(serveMux, registry)

	rec := httptest.NewRecorder()
	serveMux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(body), "tollgate_quota_blocks_total 1"))
}
