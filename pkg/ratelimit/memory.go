package ratelimit

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/platinummonkey/tollgate/pkg/observability"
)

type window struct {
	mu      sync.Mutex
	entries []entry // ordered by time
	dead    bool    // swept; callers must look the window up again
}

type entry struct {
	at  time.Time
	seq uint64
}

// prune drops entries at or before start
func (w *window) prune(start time.Time) {
	i := 0
	for i < len(w.entries) && !w.entries[i].at.After(start) {
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
	}
}

// SlidingWindow is the in-process Limiter. Windows are locked individually; the
// map lock is only held to find or create a window.
type SlidingWindow struct {
	mu      sync.Mutex
	windows map[string]*window
	seq     uint64
	now     func() time.Time
	logger  *observability.Logger
}

// Option configures a limiter
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides the time source
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

func buildOptions(opts []Option) options {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewSlidingWindow creates an in-memory limiter
func NewSlidingWindow(logger *observability.Logger, opts ...Option) *SlidingWindow {
	o := buildOptions(opts)
	return &SlidingWindow{
		windows: make(map[string]*window),
		now:     o.now,
		logger:  logger,
	}
}

// lockWindow returns the key's window, locked
func (l *SlidingWindow) lockWindow(key string) (*window, uint64) {
	for {
		l.mu.Lock()
		w, ok := l.windows[key]
		if !ok {
			w = &window{}
			l.windows[key] = w
		}
		l.seq++
		seq := l.seq
		l.mu.Unlock()

		w.mu.Lock()
		if !w.dead {
			return w, seq
		}
		w.mu.Unlock()
	}
}

// Allow admits or rejects one request for key
func (l *SlidingWindow) Allow(ctx context.Context, key string, limit int) (Decision, error) {
	if limit <= 0 {
		return Decision{Key: key, Allowed: true, Limit: limit}, nil
	}

	w, seq := l.lockWindow(key)
	defer w.mu.Unlock()

	now := l.now()
	w.prune(now.Add(-Window))

	d := Decision{Key: key, Limit: limit}
	if len(w.entries) >= limit {
		oldest := w.entries[0].at
		d.RetryAfter = retryAfter(now, oldest)
		d.ResetAt = oldest.Add(Window)
		return d, nil
	}

	w.entries = append(w.entries, entry{at: now, seq: seq})
	d.Allowed = true
	d.Remaining = limit - len(w.entries)
	d.ResetAt = w.entries[0].at.Add(Window)
	d.slot = strconv.FormatUint(seq, 10)
	return d, nil
}

// Release removes the entry recorded by d
func (l *SlidingWindow) Release(ctx context.Context, d Decision) error {
	if !d.Allowed || d.slot == "" {
		return nil
	}
	seq, err := strconv.ParseUint(d.slot, 10, 64)
	if err != nil {
		return nil
	}

	w, _ := l.lockWindow(d.Key)
	defer w.mu.Unlock()
	for i, e := range w.entries {
		if e.seq == seq {
			w.entries = append(w.entries[:i], w.entries[i+1:]...)
			break
		}
	}
	return nil
}

// Cleanup deletes windows with no live entries and returns how many were removed
func (l *SlidingWindow) Cleanup() int {
	start := l.now().Add(-Window)

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, w := range l.windows {
		w.mu.Lock()
		w.prune(start)
		if len(w.entries) == 0 {
			w.dead = true
			delete(l.windows, key)
			removed++
		}
		w.mu.Unlock()
	}
	return removed
}

// Len returns the number of tracked windows
func (l *SlidingWindow) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.windows)
}

// StartCleanup sweeps idle windows every interval until ctx is done
func (l *SlidingWindow) StartCleanup(ctx context.Context, interval time.Duration) {
	go func() {
		defer observability.RecoverPanic(l.logger, "rate limiter sweep")
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := l.Cleanup(); n > 0 {
					l.logger.WithField("windows", n).Debug("swept idle rate windows")
				}
			}
		}
	}()
}
