package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

// Request headers set on every delivery
const (
	HeaderEvent     = "X-Tollgate-Event"
	HeaderEventID   = "X-Tollgate-Event-ID"
	HeaderSignature = "X-Tollgate-Signature"
)

// Config configures an HTTP dispatcher
type Config struct {
	URL       string
	Secret    string
	Timeout   time.Duration
	QueueSize int
	Retry     RetryConfig
}

// Dispatcher posts events to one endpoint from a background worker
type Dispatcher struct {
	url     string
	secret  string
	client  *http.Client
	policy  *RetryPolicy
	queue   chan *Event
	logger  *observability.Logger
	metrics *observability.Metrics

	// sleep waits between attempts; replaced in tests
	sleep func(ctx context.Context, d time.Duration) error

	startOnce sync.Once
	done      chan struct{}
}

// NewDispatcher creates a dispatcher. Call Start to begin delivering.
func NewDispatcher(cfg Config, logger *observability.Logger, metrics *observability.Metrics) *Dispatcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	return &Dispatcher{
		url:    cfg.URL,
		secret: cfg.Secret,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		policy:  NewRetryPolicy(cfg.Retry),
		queue:   make(chan *Event, cfg.QueueSize),
		logger:  logger.WithField("component", "notify"),
		metrics: metrics,
		sleep:   sleepCtx,
		done:    make(chan struct{}),
	}
}

// Notify queues ev, dropping it when the queue is full
func (d *Dispatcher) Notify(_ context.Context, ev *Event) {
	select {
	case d.queue <- ev:
	default:
		d.metrics.Notification(string(ev.Type), "dropped")
		d.logger.WithFields(map[string]interface{}{
			"event_id": ev.ID,
			"type":     string(ev.Type),
		}).Warn("notification queue full, dropping event")
	}
}

// Start runs the delivery worker until ctx is done. Queued events still
// pending at that point are discarded.
func (d *Dispatcher) Start(ctx context.Context) {
	d.startOnce.Do(func() {
		go d.run(ctx)
	})
}

// Done is closed when the worker has exited
func (d *Dispatcher) Done() <-chan struct{} {
	return d.done
}

func (d *Dispatcher) run(ctx context.Context) {
	defer close(d.done)
	defer observability.RecoverPanic(d.logger, "notification worker")
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-d.queue:
			d.deliver(ctx, ev)
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, ev *Event) {
	log := d.logger.WithFields(map[string]interface{}{
		"event_id": ev.ID,
		"type":     string(ev.Type),
		"key_id":   ev.KeyID,
	})
	for attempt := 1; ; attempt++ {
		err := d.send(ctx, ev)
		if err == nil {
			d.metrics.Notification(string(ev.Type), "delivered")
			log.WithField("attempts", attempt).Info("notification delivered")
			return
		}
		if !d.policy.ShouldRetry(attempt, err) {
			d.metrics.Notification(string(ev.Type), "failed")
			log.WithError(err).WithField("attempts", attempt).Error("notification delivery failed")
			return
		}
		log.WithError(err).WithField("attempt", attempt).Warn("notification delivery failed, retrying")
		if d.sleep(ctx, d.policy.NextRetryDelay(attempt)) != nil {
			return
		}
	}
}

func (d *Dispatcher) send(ctx context.Context, ev *Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return permanentError{fmt.Errorf("failed to marshal event: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return permanentError{fmt.Errorf("failed to create request: %w", err)}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(ev.Type))
	req.Header.Set(HeaderEventID, ev.ID)
	if d.secret != "" {
		req.Header.Set(HeaderSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send notification: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return permanentError{fmt.Errorf("notification rejected with status %d", resp.StatusCode)}
	default:
		return fmt.Errorf("notification endpoint returned status %d", resp.StatusCode)
	}
}

// Sign returns the signature header value for payload
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a signature header produced by Sign
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
