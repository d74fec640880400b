package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/api"
	"github.com/platinummonkey/tollgate/pkg/audit"
	"github.com/platinummonkey/tollgate/pkg/billing"
	"github.com/platinummonkey/tollgate/pkg/config"
	tghttp "github.com/platinummonkey/tollgate/pkg/httputil"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/middleware"
	"github.com/platinummonkey/tollgate/pkg/notify"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/plans"
	"github.com/platinummonkey/tollgate/pkg/ratelimit"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

// app is the wired gateway
type app struct {
	cfg      *config.Config
	logger   *observability.Logger
	registry *prometheus.Registry
	metrics  *observability.Metrics

	db      *sql.DB
	dialect storage.Dialect
	redis   *redis.Client

	keys     keys.Store
	billing  billing.Store
	catalog  plans.Catalog
	limiter  ratelimit.Limiter
	pipeline *admission.Pipeline

	handler http.Handler
	health  http.Handler

	closers []closer
}

type closer struct {
	name string
	fn   func(context.Context) error
}

func (a *app) onClose(name string, fn func(context.Context) error) {
	a.closers = append(a.closers, closer{name: name, fn: fn})
}

// newApp connects storage and builds the handler tree. Background work
// (limiter sweeps, plan reloads) stops when ctx is canceled.
func newApp(ctx context.Context, cfg *config.Config, logger *observability.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	if cfg.Observability.MetricsEnabled {
		a.metrics = observability.NewMetrics(a.registry)
	}

	if err := a.openStorage(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if err := a.buildCatalog(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if err := a.buildLimiter(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	if err := a.buildHandlers(ctx); err != nil {
		a.close(context.Background())
		return nil, err
	}
	return a, nil
}

func (a *app) openStorage(ctx context.Context) error {
	db, dialect, err := storage.Open(ctx, a.cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	if db == nil {
		ks := keys.NewMemoryStore()
		a.keys = ks
		a.billing = billing.NewMemoryStore(ks)
		a.logger.Warn("using in-memory storage; state is lost on restart")
		return nil
	}

	a.db = db
	a.dialect = dialect
	a.onClose("database", func(context.Context) error { return db.Close() })
	if err := storage.Migrate(ctx, db, dialect); err != nil {
		return err
	}
	ks := keys.NewSQLStore(db, dialect)
	a.keys = ks
	a.billing = billing.NewSQLStore(db, dialect, ks)
	a.logger.WithField("dialect", dialect.Name).Info("storage ready")
	return nil
}

func (a *app) buildCatalog(ctx context.Context) error {
	switch {
	case a.cfg.Admission.PlansFile != "":
		reg, err := plans.NewRegistry(plans.Defaults())
		if err != nil {
			return err
		}
		watcher, err := plans.WatchFile(ctx, a.cfg.Admission.PlansFile, reg, a.logger)
		if err != nil {
			return err
		}
		a.onClose("plans watcher", func(context.Context) error { return watcher.Close() })
		a.catalog = reg
	case a.db != nil:
		src := plans.NewSQLSource(a.db, a.dialect)
		if err := src.Seed(ctx, plans.Defaults()); err != nil {
			return err
		}
		a.catalog = plans.NewCachedCatalog(src, a.cfg.Admission.PlanCache, a.metrics)
	default:
		reg, err := plans.NewRegistry(plans.Defaults())
		if err != nil {
			return err
		}
		a.catalog = reg
	}
	return nil
}

func (a *app) buildLimiter(ctx context.Context) error {
	if a.cfg.Admission.LimiterBackend == config.LimiterRedis {
		client, err := storage.NewRedisClient(ctx, a.cfg.Storage)
		if err != nil {
			return err
		}
		a.redis = client
		a.onClose("redis", func(context.Context) error { return client.Close() })
		a.limiter = ratelimit.NewRedisSlidingWindow(client, ratelimit.RedisConfig{
			Prefix:   a.cfg.Admission.LimiterPrefix,
			FailOpen: a.cfg.Admission.LimiterFailOpen,
		}, a.logger, a.metrics)
		return nil
	}

	window := ratelimit.NewSlidingWindow(a.logger)
	if a.cfg.Admission.CleanupInterval > 0 {
		window.StartCleanup(ctx, a.cfg.Admission.CleanupInterval)
	}
	a.limiter = window
	return nil
}

func (a *app) provider(ctx context.Context) (billing.Provider, billing.Verifier, error) {
	if !a.cfg.Billing.Enabled() {
		a.logger.Warn("stripe is not configured; billing operations are disabled")
		return billing.DisabledProvider{}, billing.NewStripeVerifier(""), nil
	}
	if !a.anyPurchasable(ctx) {
		a.logger.Warn("no plan has a price_ref; checkout will reject every plan")
	}
	p, err := billing.NewStripeProvider(billing.StripeConfig{
		SecretKey:     a.cfg.Billing.StripeSecretKey,
		WebhookSecret: a.cfg.Billing.StripeWebhookSecret,
		Timeout:       a.cfg.Billing.ProviderTimeout,
	})
	if err != nil {
		return nil, nil, err
	}
	return p, billing.NewStripeVerifier(a.cfg.Billing.StripeWebhookSecret), nil
}

func (a *app) anyPurchasable(ctx context.Context) bool {
	all, err := a.catalog.List(ctx)
	if err != nil {
		return true
	}
	for _, p := range all {
		if p.Purchasable() {
			return true
		}
	}
	return false
}

func (a *app) auditLog() (audit.Logger, error) {
	if a.cfg.Audit.Dir == "" {
		return audit.Nop{}, nil
	}
	l, err := audit.NewFileLogger(audit.FileLoggerConfig{
		Dir:      a.cfg.Audit.Dir,
		MaxSize:  int64(a.cfg.Audit.MaxSizeMB) << 20,
		MaxFiles: a.cfg.Audit.MaxFiles,
	})
	if err != nil {
		return nil, err
	}
	a.onClose("audit log", func(context.Context) error { return l.Close() })
	return l, nil
}

func (a *app) notifier(ctx context.Context) notify.Notifier {
	if !a.cfg.Notify.Enabled() {
		return notify.Nop{}
	}
	d := notify.NewDispatcher(notify.Config{
		URL:       a.cfg.Notify.URL,
		Secret:    a.cfg.Notify.Secret,
		Timeout:   a.cfg.Notify.Timeout,
		QueueSize: a.cfg.Notify.QueueSize,
		Retry:     notify.RetryConfig{MaxAttempts: a.cfg.Notify.MaxAttempts},
	}, a.logger, a.metrics)
	d.Start(ctx)
	return d
}

func (a *app) buildHandlers(ctx context.Context) error {
	provider, verifier, err := a.provider(ctx)
	if err != nil {
		return err
	}

	auditLog, err := a.auditLog()
	if err != nil {
		return err
	}
	notifier := a.notifier(ctx)
	a.pipeline = admission.NewPipeline(a.keys, a.catalog, a.limiter, a.logger, a.metrics)
	a.pipeline.SetNotifier(notifier)
	service := billing.NewService(a.billing, a.catalog, provider, billing.ServiceConfig{
		ProviderTimeout:   a.cfg.Billing.ProviderTimeout,
		DefaultSuccessURL: a.cfg.Billing.SuccessURL,
		DefaultCancelURL:  a.cfg.Billing.CancelURL,
	}, a.logger, a.metrics)

	server := api.NewServer(api.Dependencies{
		Billing:    service,
		Reconciler: billing.NewReconciler(a.billing, a.catalog, a.logger, a.metrics),
		Verifier:   verifier,
		Keys:       a.keys,
		Usage:      a.pipeline.Usage(),
		Catalog:    a.catalog,
		Logger:     a.logger,
		Notifier:   notifier,
		Audit:      auditLog,
		AdminToken: a.cfg.Server.AdminToken,
	})

	upstream, err := a.upstream()
	if err != nil {
		return err
	}
	gate := middleware.NewAdmissionMiddleware(a.pipeline, a.cfg.Admission.KeyHeader, a.logger)

	// gateway routes match first; everything else is metered traffic
	router := server.Router()
	router.Use(observability.HTTPMetricsMiddleware(a.metrics))
	router.PathPrefix("/").Handler(gate.Handler(upstream))

	chain := tghttp.Chain(
		tghttp.RecoveryMiddleware,
		tghttp.RequestIDMiddleware(a.logger),
		tghttp.LoggingMiddleware,
		tghttp.MaxBytesMiddleware(a.cfg.Server.MaxBodyBytes),
	)
	a.handler = otelhttp.NewHandler(chain(router), "tollgate",
		otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
			if route := mux.CurrentRoute(r); route != nil {
				if tpl, err := route.GetPathTemplate(); err == nil {
					return r.Method + " " + tpl
				}
			}
			return r.Method
		}))

	health := http.NewServeMux()
	observability.RegisterHealthRoutes(health, observability.NewHealthChecker(a.db, a.redis, version,
		a.redis != nil && !a.cfg.Admission.LimiterFailOpen))
	if a.metrics != nil {
		observability.RegisterMetricsEndpoint(health, a.registry)
	}
	a.health = health
	return nil
}

// upstream proxies admitted traffic. Without an upstream URL tollgate runs as
// an admission service and answers admitted requests itself.
func (a *app) upstream() (http.Handler, error) {
	if a.cfg.Server.UpstreamURL == "" {
		return http.HandlerFunc(admittedResponse), nil
	}
	target, err := url.Parse(a.cfg.Server.UpstreamURL)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %w", err)
	}
	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.Transport = otelhttp.NewTransport(http.DefaultTransport)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		observability.FromContext(r.Context()).WithError(err).Warn("upstream request failed")
		tghttp.WriteBadGateway(w, "upstream unavailable")
	}
	return proxy, nil
}

type admittedBody struct {
	Admitted bool   `json:"admitted"`
	KeyID    int64  `json:"key_id"`
	OwnerID  int64  `json:"owner_id"`
	PlanID   string `json:"plan_id"`
}

func admittedResponse(w http.ResponseWriter, r *http.Request) {
	adm, ok := middleware.AdmissionFromContext(r.Context())
	if !ok {
		tghttp.WriteInternalError(w)
		return
	}
	_ = tghttp.WriteSuccess(w, admittedBody{
		Admitted: true,
		KeyID:    adm.Key.ID,
		OwnerID:  adm.Key.OwnerID,
		PlanID:   adm.Plan.ID,
	})
}

// recordDBStats samples pool statistics until ctx is done
func (a *app) recordDBStats(ctx context.Context, interval time.Duration) {
	if a.db == nil || a.metrics == nil {
		return
	}
	go func() {
		defer observability.RecoverPanic(a.logger, "db stats")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				a.metrics.RecordDBStats(a.db.Stats())
			}
		}
	}()
}

// close releases resources in reverse order of acquisition
func (a *app) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		c := a.closers[i]
		if err := c.fn(ctx); err != nil {
			a.logger.WithError(err).WithField("resource", c.name).Warn("failed to close")
		}
	}
	a.closers = nil
}
