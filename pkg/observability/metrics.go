package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics.
//
// Every recording method is safe to call on a nil *Metrics so components can
// run without instrumentation in tests.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPResponseSize    *prometheus.HistogramVec

	// Admission metrics
	AdmissionDecisionsTotal *prometheus.CounterVec
	AdmissionDuration       prometheus.Histogram
	QuotaBlocksTotal        prometheus.Counter
	RateLimiterErrorsTotal  *prometheus.CounterVec

	// Billing metrics
	BillingEventsTotal *prometheus.CounterVec
	ProviderCallsTotal *prometheus.CounterVec
	RefundedCentsTotal prometheus.Counter

	// Outbound notification metrics
	NotificationsTotal *prometheus.CounterVec

	// Plan cache metrics
	PlanCacheHitsTotal   prometheus.Counter
	PlanCacheMissesTotal prometheus.Counter

	// Database metrics
	DBConnectionsActive    prometheus.Gauge
	DBConnectionsIdle      prometheus.Gauge
	DBConnectionsWaitCount prometheus.Gauge
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		HTTPResponseSize: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tollgate_http_response_size_bytes",
				Help:    "HTTP response size in bytes",
				Buckets: prometheus.ExponentialBuckets(100, 10, 8),
			},
			[]string{"method", "route"},
		),

		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_admission_decisions_total",
				Help: "Admission decisions by result",
			},
			[]string{"result"},
		),
		AdmissionDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tollgate_admission_duration_seconds",
				Help:    "Time spent deciding whether to admit a request",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
			},
		),
		QuotaBlocksTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_quota_blocks_total",
				Help: "Keys blocked after exhausting their monthly quota",
			},
		),
		RateLimiterErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_rate_limiter_errors_total",
				Help: "Rate limiter backend errors",
			},
			[]string{"backend", "action"},
		),

		BillingEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_billing_events_total",
				Help: "Billing webhook events by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		ProviderCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_provider_calls_total",
				Help: "Payment provider calls by operation and status",
			},
			[]string{"op", "status"},
		),
		RefundedCentsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_refunded_cents_total",
				Help: "Amount refunded through the billing service, in minor units",
			},
		),

		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tollgate_notifications_total",
				Help: "Outbound key lifecycle notifications by event type and result",
			},
			[]string{"type", "result"},
		),

		PlanCacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_plan_cache_hits_total",
				Help: "Plan catalog cache hits",
			},
		),
		PlanCacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "tollgate_plan_cache_misses_total",
				Help: "Plan catalog cache misses",
			},
		),

		DBConnectionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_active",
				Help: "Number of in-use database connections",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBConnectionsWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "tollgate_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPResponseSize,
		m.AdmissionDecisionsTotal,
		m.AdmissionDuration,
		m.QuotaBlocksTotal,
		m.RateLimiterErrorsTotal,
		m.BillingEventsTotal,
		m.ProviderCallsTotal,
		m.RefundedCentsTotal,
		m.NotificationsTotal,
		m.PlanCacheHitsTotal,
		m.PlanCacheMissesTotal,
		m.DBConnectionsActive,
		m.DBConnectionsIdle,
		m.DBConnectionsWaitCount,
	)

	return m
}

// ObserveAdmission records one admission decision
func (m *Metrics) ObserveAdmission(result string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.AdmissionDecisionsTotal.WithLabelValues(result).Inc()
	m.AdmissionDuration.Observe(elapsed.Seconds())
}

// QuotaBlocked counts a key that just transitioned to blocked
func (m *Metrics) QuotaBlocked() {
	if m == nil {
		return
	}
	m.QuotaBlocksTotal.Inc()
}

// RateLimiterError counts a limiter backend failure; action is "fail_open" or "reject"
func (m *Metrics) RateLimiterError(backend, action string) {
	if m == nil {
		return
	}
	m.RateLimiterErrorsTotal.WithLabelValues(backend, action).Inc()
}

// BillingEvent records a processed webhook event
func (m *Metrics) BillingEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.BillingEventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ProviderCall records a payment provider round trip
func (m *Metrics) ProviderCall(op string, err error) {
	if m == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	m.ProviderCallsTotal.WithLabelValues(op, status).Inc()
}

// Refunded adds a completed refund amount
func (m *Metrics) Refunded(cents int64) {
	if m == nil {
		return
	}
	m.RefundedCentsTotal.Add(float64(cents))
}

// Notification records an outbound notification; result is "delivered",
// "failed" or "dropped"
func (m *Metrics) Notification(eventType, result string) {
	if m == nil {
		return
	}
	m.NotificationsTotal.WithLabelValues(eventType, result).Inc()
}

// PlanCacheLookup records a plan cache hit or miss
func (m *Metrics) PlanCacheLookup(hit bool) {
	if m == nil {
		return
	}
	if hit {
		m.PlanCacheHitsTotal.Inc()
		return
	}
	m.PlanCacheMissesTotal.Inc()
}

// RecordDBStats copies connection pool statistics into the gauges
func (m *Metrics) RecordDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsActive.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBConnectionsWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture status code and size
type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += n
	return n, err
}

// routeLabel uses the matched mux template so proxied paths do not explode label cardinality.
func routeLabel(r *http.Request) string {
	if route := mux.CurrentRoute(r); route != nil {
		if tpl, err := route.GetPathTemplate(); err == nil {
			return tpl
		}
	}
	return "other"
}

// HTTPMetricsMiddleware instruments HTTP requests with Prometheus metrics
func HTTPMetricsMiddleware(metrics *Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			rw := &responseWriter{
				ResponseWriter: w,
				statusCode:     http.StatusOK,
			}

			next.ServeHTTP(rw, r)

			if metrics == nil {
				return
			}
			route := routeLabel(r)
			status := strconv.Itoa(rw.statusCode)

			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			metrics.HTTPResponseSize.WithLabelValues(r.Method, route).Observe(float64(rw.bytesWritten))
		})
	}
}

// RegisterMetricsEndpoint registers the /metrics endpoint
func RegisterMetricsEndpoint(mux *http.ServeMux, registry *prometheus.Registry) {
	mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
}
