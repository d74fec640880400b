// Package observability provides logging, metrics, tracing, health checks and
// graceful shutdown for tollgate binaries.
//
// # Logging
//
// Logger wraps logrus with a JSON formatter:
//
//	logger := observability.NewLogger(observability.InfoLevel, os.Stdout)
//	logger.WithField("key_id", key.ID).Info("key blocked")
//
// Request-scoped loggers carry the request id and owner id:
//
//	observability.FromContext(ctx).Warn("rejected")
//
// Raw API keys are never logged; use the key id or prefix.
//
// # Metrics
//
// NewMetrics registers the Prometheus collectors on a dedicated registry. Recording
// methods accept a nil *Metrics.
//
//	metrics := observability.NewMetrics(registry)
//	metrics.ObserveAdmission("admitted", elapsed)
//
// # Tracing
//
// InitOTel installs OTLP gRPC trace and metric providers. StartSpan and EndSpan wrap
// the tollgate tracer.
//
// # Health and shutdown
//
// HealthChecker serves /health/live and /health/ready. ShutdownManager drains the
// HTTP servers and then stops registered components.
package observability
