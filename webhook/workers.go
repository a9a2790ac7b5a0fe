package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
	"github.com/zral/mongo-crud-api-sub001/metrics"
	"github.com/zral/mongo-crud-api-sub001/ratelimit"
	"github.com/zral/mongo-crud-api-sub001/retryq"
	"github.com/zral/mongo-crud-api-sub001/store"
	"github.com/zral/mongo-crud-api-sub001/types"
)

// Worker defaults.
const (
	DefaultConcurrency       = 5
	DefaultReadBlock         = 5 * time.Second
	DefaultLockTTL           = 30 * time.Second
	DefaultMaxRetries        = 3
	DefaultRetryDelay        = time.Second
	DefaultMaxRetryDelay     = time.Minute
	DefaultRateLimit         = 60
	DefaultBackoffMultiplier = 2.0
	DefaultReclaimInterval   = time.Minute
)

// Failure log bounds.
const (
	failureLogPrefix = "webhook_failures:"
	failureLogCap    = 100
	failureLogTTL    = 24 * time.Hour
)

// fencePrefix namespaces per-delivery fence locks.
const fencePrefix = "webhook:"

// WorkerConfig tunes the delivery worker pool.
type WorkerConfig struct {
	InstanceID  string
	Concurrency int
	HTTPTimeout time.Duration
	UserAgent   string

	// LockTTL is the per-delivery fence lifetime. Must outlive one HTTP
	// attempt or a slow endpoint lets a second worker in.
	LockTTL time.Duration

	// Defaults applied when a subscription leaves the field unset.
	MaxRetries        int
	RetryDelay        time.Duration
	MaxRetryDelay     time.Duration
	BackoffMultiplier float64
	RateLimit         int

	// Window is the admission window for the distributed rate limiter.
	Window time.Duration

	ReadBlock time.Duration

	// ReclaimInterval is how often stale pending entries (claimed by a
	// consumer that died before acking) are taken over by this instance.
	ReclaimInterval time.Duration
}

func (c *WorkerConfig) fill() {
	if c.Concurrency <= 0 {
		c.Concurrency = DefaultConcurrency
	}
	if c.HTTPTimeout <= 0 {
		c.HTTPTimeout = DefaultHTTPTimeout
	}
	if c.LockTTL <= 0 {
		c.LockTTL = DefaultLockTTL
	}
	if c.LockTTL < c.HTTPTimeout {
		c.LockTTL = c.HTTPTimeout
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelay <= 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.MaxRetryDelay <= 0 {
		c.MaxRetryDelay = DefaultMaxRetryDelay
	}
	if c.BackoffMultiplier <= 0 {
		c.BackoffMultiplier = DefaultBackoffMultiplier
	}
	if c.RateLimit <= 0 {
		c.RateLimit = DefaultRateLimit
	}
	if c.Window <= 0 {
		c.Window = ratelimit.DefaultWindow
	}
	if c.ReadBlock <= 0 {
		c.ReadBlock = DefaultReadBlock
	}
	if c.ReclaimInterval <= 0 {
		c.ReclaimInterval = DefaultReclaimInterval
	}
}

// Workers is the delivery worker pool. Each worker claims jobs from the
// consumer group, fences the delivery, checks cluster-wide admission, and
// POSTs through the per-URL breaker. A failed delivery re-enters the durable
// stream before its claimed entry is acked, so a crash mid-retry leaves the
// entry pending for the reclaimer instead of losing it.
type Workers struct {
	cfg     WorkerConfig
	queue   *Queue
	store   SubscriptionSource
	coord   *coord.Client
	locks   *lock.Manager
	limiter *ratelimit.Distributed
	sender  *Sender
	metrics *metrics.Metrics
	logger  *log.Logger

	wg sync.WaitGroup
}

// NewWorkers wires the delivery worker pool.
func NewWorkers(logger *log.Logger, cfg WorkerConfig, queue *Queue, subs SubscriptionSource, c *coord.Client, m *metrics.Metrics) *Workers {
	cfg.fill()

	return &Workers{
		cfg:     cfg,
		queue:   queue,
		store:   subs,
		coord:   c,
		locks:   lock.NewManager(c, logger, cfg.InstanceID).WithPrefix(fencePrefix),
		limiter: ratelimit.NewDistributed(c, logger, cfg.Window),
		sender:  NewSender(cfg.InstanceID, cfg.HTTPTimeout, cfg.UserAgent),
		metrics: m,
		logger:  logger.Named("delivery"),
	}
}

// Run starts the pool and blocks until ctx is canceled, then waits for
// in-flight deliveries to finish.
func (w *Workers) Run(ctx context.Context) error {
	if err := w.queue.EnsureGroup(ctx); err != nil {
		return err
	}

	w.logger.Info("starting delivery workers", zap.Int("concurrency", w.cfg.Concurrency))

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.reclaim(ctx)
	}()

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.observeQueue(ctx)
	}()

	for i := 0; i < w.cfg.Concurrency; i++ {
		consumer := fmt.Sprintf("%s-worker-%d", w.cfg.InstanceID, i)
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consume(ctx, consumer)
		}()
	}

	<-ctx.Done()
	w.wg.Wait()
	_ = w.sender.Close()
	w.logger.Info("delivery workers stopped")
	return nil
}

// consume is one worker's claim loop.
func (w *Workers) consume(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		entries, err := w.queue.Read(ctx, consumer, 1, w.cfg.ReadBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("stream read failed", zap.String("consumer", consumer), zap.Error(err))
			// Avoid a tight loop while the store is down.
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		w.handle(ctx, entries)
	}
}

// handle runs claimed entries and acks each only when processing reached a
// safe point: delivered, buried, dropped, or re-enqueued. An entry left
// unacked stays pending and is picked up by the reclaimer.
func (w *Workers) handle(ctx context.Context, entries []Entry) {
	for _, e := range entries {
		if !w.process(ctx, &e.Job) {
			w.logger.Warn("entry left pending for reclaim", zap.String("stream_id", e.StreamID))
			continue
		}
		if err := w.queue.Ack(ctx, e.StreamID); err != nil {
			w.logger.Error("ack failed", zap.String("stream_id", e.StreamID), zap.Error(err))
		}
	}
}

// reclaim periodically takes over pending entries whose consumer went quiet
// for at least the fence TTL, so a crashed instance cannot strand deliveries.
func (w *Workers) reclaim(ctx context.Context) {
	consumer := w.cfg.InstanceID + "-reclaimer"
	ticker := time.NewTicker(w.cfg.ReclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			entries, err := w.queue.Claim(ctx, consumer, w.cfg.LockTTL, 10)
			if err != nil {
				w.logger.Error("reclaim failed", zap.Error(err))
				continue
			}
			if len(entries) > 0 {
				w.logger.Info("reclaimed stale deliveries", zap.Int("count", len(entries)))
			}
			w.handle(ctx, entries)
		}
	}
}

// process runs one delivery attempt end to end. The return value tells the
// caller whether the claimed entry may be acked: true when the job reached a
// safe terminal state or was re-enqueued, false when it must stay pending.
func (w *Workers) process(ctx context.Context, job *types.DeliveryJob) bool {
	logger := w.logger.With(
		zap.String("delivery_id", job.DeliveryID),
		zap.String("subscription_id", job.SubscriptionID),
		zap.Int("attempt", job.Attempt))

	// Honor the job's due time (initial delay or retry backoff).
	if wait := time.Until(job.NotBefore); wait > 0 {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(wait):
		}
	}

	sub, err := w.store.GetWebhook(ctx, job.SubscriptionID)
	if errors.Is(err, store.ErrNotFound) {
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Warn("subscription gone, dropping delivery")
		return true
	}
	if err != nil {
		logger.Error("subscription lookup failed", zap.Error(err))
		return w.postpone(ctx, job, err)
	}
	if !sub.Enabled {
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("subscription disabled, dropping delivery")
		return true
	}

	// Fence the delivery so a redelivered stream entry cannot double-post.
	fence, err := w.locks.Acquire(ctx, job.SubscriptionID+":"+job.DeliveryID, w.cfg.LockTTL)
	if err != nil {
		logger.Error("fence acquire failed", zap.Error(err))
		return w.postpone(ctx, job, err)
	}
	if fence == nil {
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeSkipped).Inc()
		logger.Debug("delivery already in flight elsewhere, skipping")
		return true
	}
	defer func() { _, _ = fence.Release(ctx) }()
	w.metrics.LocksAcquired.Inc()

	if !w.limiter.AdmitURL(ctx, sub.URL, w.rateLimit(sub)) {
		logger.Warn("delivery rate limited", zap.String("url", sub.URL))
		return w.postpone(ctx, job, fmt.Errorf("rate limit exceeded for %s", sub.URL))
	}

	start := time.Now()
	err = w.sender.Send(ctx, sub, job)
	w.metrics.DeliverySeconds.Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeDelivered).Inc()
		logger.Info("delivered", zap.Duration("took", time.Since(start)))
		return true
	case terminal(err):
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		logger.Error("terminal delivery failure", zap.Error(err))
		w.recordFailure(ctx, job, err)
		return w.queue.Bury(ctx, job, err.Error()) == nil
	default:
		w.recordFailure(ctx, job, err)
		return w.scheduleRetry(ctx, job, sub, err)
	}
}

// scheduleRetry re-enqueues the job on the durable stream with its attempt
// counter advanced, or buries it when its attempts ran out. Attempts advance
// only here, after an actual POST failed, so the total attempt count is
// exactly 1 + maxRetries regardless of how many times the entry was
// deferred or redelivered.
func (w *Workers) scheduleRetry(ctx context.Context, job *types.DeliveryJob, sub *types.WebhookSubscription, cause error) bool {
	maxRetries := w.cfg.MaxRetries
	backoff := retryq.Backoff{
		Base:       w.cfg.RetryDelay,
		Max:        w.cfg.MaxRetryDelay,
		Multiplier: w.cfg.BackoffMultiplier,
	}
	if sub != nil {
		if sub.MaxRetries != nil {
			maxRetries = *sub.MaxRetries
		}
		if sub.RetryDelay != 0 {
			backoff.Base = sub.RetryDelay
		}
		if sub.MaxRetryDelay != 0 {
			backoff.Max = sub.MaxRetryDelay
		}
	}

	if job.Attempt >= maxRetries {
		w.metrics.Deliveries.WithLabelValues(metrics.OutcomeFailed).Inc()
		w.logger.Error("delivery retries exhausted",
			zap.String("delivery_id", job.DeliveryID),
			zap.String("subscription_id", job.SubscriptionID),
			zap.Int("attempts", job.Attempt+1),
			zap.String("last_error", cause.Error()))
		return w.queue.Bury(ctx, job, cause.Error()) == nil
	}

	next := *job
	next.Attempt = job.Attempt + 1
	next.NotBefore = time.Now().Add(backoff.Delay(job.Attempt))
	next.LastError = cause.Error()

	if err := w.queue.Enqueue(ctx, &next); err != nil {
		w.logger.Error("retry enqueue failed, leaving entry pending",
			zap.String("delivery_id", job.DeliveryID),
			zap.Error(err))
		return false
	}
	w.metrics.Retries.Inc()
	w.logger.Warn("delivery failed, retry queued",
		zap.String("delivery_id", job.DeliveryID),
		zap.Int("next_attempt", next.Attempt+1),
		zap.Time("not_before", next.NotBefore))
	return true
}

// postpone re-enqueues the job unchanged after a transient obstacle (rate
// limit, store hiccup). No POST happened, so the attempt counter does not
// advance.
func (w *Workers) postpone(ctx context.Context, job *types.DeliveryJob, cause error) bool {
	next := *job
	next.NotBefore = time.Now().Add(w.cfg.RetryDelay)
	next.LastError = cause.Error()
	if err := w.queue.Enqueue(ctx, &next); err != nil {
		w.logger.Error("postpone enqueue failed, leaving entry pending",
			zap.String("delivery_id", job.DeliveryID),
			zap.Error(err))
		return false
	}
	return true
}

func (w *Workers) rateLimit(sub *types.WebhookSubscription) int {
	if sub.MaxRequestsPerMinute != 0 {
		return sub.MaxRequestsPerMinute
	}
	return w.cfg.RateLimit
}

// recordFailure appends to the subscription's rolling failure log.
func (w *Workers) recordFailure(ctx context.Context, job *types.DeliveryJob, cause error) {
	entry := types.DeliveryFailure{
		DeliveryID: job.DeliveryID,
		Attempt:    job.Attempt + 1,
		Error:      cause.Error(),
		StatusCode: statusCode(cause),
		FailedAt:   time.Now().UTC(),
	}
	b, err := json.Marshal(entry)
	if err != nil {
		return
	}
	key := failureLogPrefix + job.SubscriptionID
	if err := w.coord.PushCapped(ctx, key, string(b), failureLogCap, failureLogTTL); err != nil {
		w.logger.Warn("failure log write failed",
			zap.String("subscription_id", job.SubscriptionID),
			zap.Error(err))
	}
}

// observeQueue refreshes the queue gauges on a fixed interval.
func (w *Workers) observeQueue(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if depth, err := w.queue.Depth(ctx); err == nil {
				w.metrics.QueueDepth.Set(float64(depth))
			}
			if pending, err := w.queue.PendingCount(ctx); err == nil {
				w.metrics.QueuePending.Set(float64(pending))
			}
		}
	}
}

// FailureLog reads the newest failures recorded for a subscription.
func FailureLog(ctx context.Context, c *coord.Client, subscriptionID string) ([]types.DeliveryFailure, error) {
	raw, err := c.Range(ctx, failureLogPrefix+subscriptionID, failureLogCap)
	if err != nil {
		return nil, err
	}
	out := make([]types.DeliveryFailure, 0, len(raw))
	for _, r := range raw {
		var f types.DeliveryFailure
		if err := json.Unmarshal([]byte(r), &f); err != nil {
			continue
		}
		out = append(out, f)
	}
	return out, nil
}
