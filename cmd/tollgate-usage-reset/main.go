// Command tollgate-usage-reset clears per-key usage counters on a schedule.
// Daily counters reset every day; monthly counters reset on the first of the
// month and keys blocked for quota are unblocked with them.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/platinummonkey/tollgate/pkg/admission"
	"github.com/platinummonkey/tollgate/pkg/config"
	"github.com/platinummonkey/tollgate/pkg/keys"
	"github.com/platinummonkey/tollgate/pkg/observability"
	"github.com/platinummonkey/tollgate/pkg/storage"
)

var (
	dailySchedule   = flag.String("daily-schedule", "0 0 * * *", "Cron schedule for daily usage reset")
	monthlySchedule = flag.String("monthly-schedule", "0 0 1 * *", "Cron schedule for monthly usage reset and quota unblock")
	runOnce         = flag.Bool("run-once", false, "Reset once and exit")
	kind            = flag.String("kind", "monthly", "Counters to reset with -run-once: daily, monthly or all")
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig()
	if err != nil {
		observability.NewLogger(observability.InfoLevel, os.Stderr).WithError(err).Error("failed to load configuration")
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.Observability.LogLevel, os.Stdout).WithField("component", "usage-reset")

	if err := run(cfg, logger); err != nil {
		logger.WithError(err).Error("usage reset failed")
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	if cfg.Storage.Type == storage.TypeMemory {
		return fmt.Errorf("usage reset needs persistent storage; set TOLLGATE_STORAGE_TYPE")
	}
	loc, err := time.LoadLocation(cfg.Admission.UsageResetTZ)
	if err != nil {
		return fmt.Errorf("invalid usage reset timezone: %w", err)
	}

	ctx := context.Background()
	db, dialect, err := storage.Open(ctx, cfg.Storage)
	if err != nil {
		return err
	}
	defer db.Close()
	if err := storage.Migrate(ctx, db, dialect); err != nil {
		return err
	}

	recorder := admission.NewUsageRecorder(keys.NewSQLStore(db, dialect), logger)

	if *runOnce {
		k := keys.UsageKind(*kind)
		if !k.Valid() {
			return fmt.Errorf("invalid -kind %q", *kind)
		}
		return reset(ctx, recorder, k, logger)
	}

	c := cron.New(cron.WithLocation(loc), cron.WithChain(cron.Recover(cronLogger{logger})))
	if _, err := c.AddFunc(*dailySchedule, func() {
		_ = reset(context.Background(), recorder, keys.UsageDaily, logger)
	}); err != nil {
		return fmt.Errorf("failed to schedule daily reset: %w", err)
	}
	if _, err := c.AddFunc(*monthlySchedule, func() {
		_ = reset(context.Background(), recorder, keys.UsageMonthly, logger)
	}); err != nil {
		return fmt.Errorf("failed to schedule monthly reset: %w", err)
	}

	c.Start()
	logger.WithFields(map[string]interface{}{
		"daily":    *dailySchedule,
		"monthly":  *monthlySchedule,
		"timezone": loc.String(),
	}).Info("usage reset scheduler started")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan
	logger.Info("shutting down")

	// wait for a running reset to finish
	<-c.Stop().Done()
	return nil
}

func reset(ctx context.Context, recorder *admission.UsageRecorder, k keys.UsageKind, logger *observability.Logger) error {
	start := time.Now()
	n, err := recorder.ResetAll(ctx, k)
	log := logger.WithFields(map[string]interface{}{
		"kind":        string(k),
		"keys":        n,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	if err != nil {
		log.WithError(err).Error("usage reset failed")
		return err
	}
	log.Info("usage reset completed")
	return nil
}

// cronLogger adapts the structured logger to cron.Logger
type cronLogger struct {
	logger *observability.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).Info(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(pairs(keysAndValues)).WithError(err).Error(msg)
}

func pairs(kv []interface{}) map[string]interface{} {
	fields := make(map[string]interface{}, len(kv)/2)
	for i := 0; i+1 < len(kv); i += 2 {
		fields[fmt.Sprint(kv[i])] = kv[i+1]
	}
	return fields
}
