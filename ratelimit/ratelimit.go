// Package ratelimit provides sliding-window admission control in two
// flavors: an in-process window keyed by arbitrary strings (script
// executions) and a distributed counter window over the coordination store
// (webhook deliveries, shared across instances).
package ratelimit

import (
	"context"
	"encoding/base64"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/log"
)

// DefaultWindow is the admission window when none is configured.
const DefaultWindow = time.Minute

// webhookKeyPrefix namespaces distributed webhook counters.
const webhookKeyPrefix = "rate_limit:webhook:"

// Window is an in-process sliding-window limiter. Safe for concurrent use.
// The zero value is not usable; construct with NewWindow.
type Window struct {
	window time.Duration
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string][]time.Time
}

// NewWindow creates an in-process limiter with the given window size.
func NewWindow(window time.Duration) *Window {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Window{
		window:  window,
		now:     time.Now,
		buckets: make(map[string][]time.Time),
	}
}

// WithClock overrides the time source. Intended for tests.
func (w *Window) WithClock(now func() time.Time) *Window {
	w.now = now
	return w
}

// Admit purges entries older than the window for key, then admits the call
// iff the remaining count is below limit. On admission the current
// timestamp is recorded. limit <= 0 admits unconditionally.
func (w *Window) Admit(key string, limit int) bool {
	if limit <= 0 {
		return true
	}

	now := w.now()
	cutoff := now.Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	stamps := w.buckets[key]
	kept := stamps[:0]
	for _, ts := range stamps {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= limit {
		w.buckets[key] = kept
		return false
	}

	w.buckets[key] = append(kept, now)
	return true
}

// Pending returns the current in-window count for key.
func (w *Window) Pending(key string) int {
	cutoff := w.now().Add(-w.window)

	w.mu.Lock()
	defer w.mu.Unlock()

	n := 0
	for _, ts := range w.buckets[key] {
		if ts.After(cutoff) {
			n++
		}
	}
	return n
}

// Forget drops all state for key.
func (w *Window) Forget(key string) {
	w.mu.Lock()
	delete(w.buckets, key)
	w.mu.Unlock()
}

// Distributed is a counter-with-reset limiter over the coordination store,
// shared by all instances. Admission fails closed on store errors: a
// delivery denied by an unreachable store is retried later, never dispatched
// unchecked.
type Distributed struct {
	coord  *coord.Client
	logger *log.Logger
	window time.Duration
}

// NewDistributed creates a cross-instance limiter with the given window.
func NewDistributed(c *coord.Client, logger *log.Logger, window time.Duration) *Distributed {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Distributed{
		coord:  c,
		logger: logger.Named("ratelimit"),
		window: window,
	}
}

// AdmitURL admits one webhook dispatch to the target URL iff the
// cluster-wide count within the window stays at or below limit.
// The URL is base64-encoded into the counter key.
func (d *Distributed) AdmitURL(ctx context.Context, url string, limit int) bool {
	if limit <= 0 {
		return true
	}

	key := webhookKeyPrefix + base64.URLEncoding.EncodeToString([]byte(url))
	count, err := d.coord.IncrWithWindow(ctx, key, d.window)
	if err != nil {
		d.logger.Warn("admission check failed, denying",
			zap.String("url", url),
			zap.Error(err))
		return false
	}
	return count <= int64(limit)
}
