// Command tollgate is a metered API gateway. It admits requests against API
// keys, plan rate limits and monthly quotas, proxies admitted traffic to an
// upstream and keeps key entitlements in sync with Stripe billing.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/observability"
)

// version is set at build time with -ldflags "-X main.version=..."
var version = "dev"

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.InfoLevel, os.Stderr).WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout)

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("tollgate exited with error")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	providers, err := observability.InitOTel(ctx, otelConfig(cfg), logger)
	if err != nil {
		return err
	}

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		_ = observability.ShutdownOTel(context.Background(), providers, logger)
		return err
	}
	a.recordDBStats(ctx, 15*time.Second)

	server := &http.Server{
		Addr:         net.JoinHostPort(cfg.Server.Host, cfg.Server.Port),
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
	healthServer := &http.Server{
		Addr:              net.JoinHostPort(cfg.Server.Host, cfg.Server.HealthPort),
		Handler:           a.health,
		ReadHeaderTimeout: 5 * time.Second,
	}

	sm := observability.NewShutdownManager(logger, cfg.Server.ShutdownTimeout, server, healthServer)
	sm.RegisterShutdownFunc("background workers", func(context.Context) error {
		cancel()
		return nil
	})
	sm.RegisterShutdownFunc("resources", func(ctx context.Context) error {
		a.close(ctx)
		return nil
	})
	sm.RegisterShutdownFunc("opentelemetry", func(ctx context.Context) error {
		return observability.ShutdownOTel(ctx, providers, logger)
	})

	serveErr := make(chan error, 2)
	for _, srv := range []*http.Server{server, healthServer} {
		srv := srv
		go func() {
			defer observability.RecoverPanic(logger, "http server")
			logger.WithField("addr", srv.Addr).Info("listening")
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				serveErr <- err
			}
		}()
	}

	logger.WithFields(map[string]interface{}{
		"version":  version,
		"storage":  cfg.Storage.Type,
		"limiter":  cfg.Admission.LimiterBackend,
		"upstream": cfg.Server.UpstreamURL,
		"billing":  cfg.Billing.Enabled(),
	}).Info("tollgate started")

	waitCtx, stop := context.WithCancel(ctx)
	defer stop()
	failed := make(chan error, 1)
	go func() {
		select {
		case err := <-serveErr:
			failed <- err
			stop()
		case <-waitCtx.Done():
		}
	}()

	if err := sm.WaitForShutdown(waitCtx); err != nil {
		return err
	}
	select {
	case err := <-failed:
		return err
	default:
		return nil
	}
}

func otelConfig(cfg *config.Config) observability.OTelConfig {
	oc := cfg.Observability.OTel()
	if oc.ServiceVersion == "" {
		oc.ServiceVersion = version
	}
	return oc
}
