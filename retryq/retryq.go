// Package retryq implements an in-memory delay queue with exponential
// backoff and a max-attempts cap. A single sweeper goroutine scans the
// queue on a fixed tick and redispatches entries whose time has come.
//
// The queue is per-instance and holds script retries. Webhook delivery
// retries do not pass through it; they re-enter the durable cross-instance
// stream with a not-before timestamp, reusing only the Backoff schedule.
package retryq

import (
	"container/heap"
	"context"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/log"
)

// DefaultTick is the sweep interval.
const DefaultTick = 5 * time.Second

// MaxJitter is the upper bound of the uniform jitter added to each delay to
// prevent a retry herd.
const MaxJitter = time.Second

// Backoff computes retry delays.
type Backoff struct {
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
}

// Delay returns min(Max, Base * Multiplier^attempts) plus uniform jitter.
func (b Backoff) Delay(attempts int) time.Duration {
	mult := b.Multiplier
	if mult <= 0 {
		mult = 2
	}
	d := time.Duration(float64(b.Base) * math.Pow(mult, float64(attempts)))
	if d > b.Max || d < 0 {
		d = b.Max
	}
	return d + time.Duration(rand.Int63n(int64(MaxJitter)))
}

// Job is one queued retry entry.
type Job struct {
	ID        string
	Payload   any
	Attempts  int
	NextAt    time.Time
	LastError string

	maxRetries int
	backoff    Backoff
	index      int // heap bookkeeping
}

// Redispatch re-executes a due job. A non-nil error reschedules the job
// with backoff until its attempts cap.
type Redispatch func(ctx context.Context, job *Job) error

// Terminal is invoked when a job is dropped after exhausting its attempts.
type Terminal func(job *Job)

// Queue is the delay queue. Safe for concurrent Add while running.
type Queue struct {
	logger     *log.Logger
	tick       time.Duration
	redispatch Redispatch
	terminal   Terminal
	now        func() time.Time

	mu   sync.Mutex
	jobs jobHeap
}

// Config wires a Queue.
type Config struct {
	// Tick is the sweep interval (default 5s).
	Tick time.Duration
	// Redispatch handles due jobs. Required.
	Redispatch Redispatch
	// Terminal handles dropped jobs. Optional.
	Terminal Terminal
}

// New creates a Queue.
func New(logger *log.Logger, cfg Config) *Queue {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	q := &Queue{
		logger:     logger.Named("retryq"),
		tick:       cfg.Tick,
		redispatch: cfg.Redispatch,
		terminal:   cfg.Terminal,
		now:        time.Now,
	}
	heap.Init(&q.jobs)
	return q
}

// WithClock overrides the time source. Intended for tests.
func (q *Queue) WithClock(now func() time.Time) *Queue {
	q.now = now
	return q
}

// Add schedules a failed job for retry. attempts is the number of attempts
// already made; the job is dropped immediately when the cap is already
// exhausted.
func (q *Queue) Add(id string, payload any, attempts, maxRetries int, backoff Backoff, lastError string) {
	job := &Job{
		ID:         id,
		Payload:    payload,
		Attempts:   attempts,
		LastError:  lastError,
		maxRetries: maxRetries,
		backoff:    backoff,
	}

	if attempts >= maxRetries {
		q.drop(job)
		return
	}

	job.NextAt = q.now().Add(backoff.Delay(attempts))

	q.mu.Lock()
	heap.Push(&q.jobs, job)
	q.mu.Unlock()

	q.logger.Debug("retry scheduled",
		zap.String("job_id", id),
		zap.Int("attempts", attempts),
		zap.Time("next_at", job.NextAt))
}

// Len returns the number of queued entries.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.jobs.Len()
}

// Run sweeps the queue on the configured tick until ctx is canceled.
// Blocking; start in its own goroutine.
func (q *Queue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			q.Sweep(ctx)
		}
	}
}

// Sweep redispatches every due entry once. Exposed for deterministic tests.
func (q *Queue) Sweep(ctx context.Context) {
	now := q.now()

	for {
		q.mu.Lock()
		if q.jobs.Len() == 0 || q.jobs[0].NextAt.After(now) {
			q.mu.Unlock()
			return
		}
		job := heap.Pop(&q.jobs).(*Job)
		q.mu.Unlock()

		job.Attempts++
		if err := q.redispatch(ctx, job); err != nil {
			job.LastError = err.Error()
			if job.Attempts >= job.maxRetries {
				q.drop(job)
				continue
			}
			job.NextAt = q.now().Add(job.backoff.Delay(job.Attempts))
			q.mu.Lock()
			heap.Push(&q.jobs, job)
			q.mu.Unlock()
		}
	}
}

// drop emits the terminal-failure event for an exhausted job.
func (q *Queue) drop(job *Job) {
	q.logger.Warn("retries exhausted, dropping job",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.String("last_error", job.LastError))
	if q.terminal != nil {
		q.terminal(job)
	}
}

// jobHeap orders jobs by NextAt.
type jobHeap []*Job

func (h jobHeap) Len() int            { return len(h) }
func (h jobHeap) Less(i, j int) bool  { return h[i].NextAt.Before(h[j].NextAt) }
func (h jobHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *jobHeap) Push(x any)         { j := x.(*Job); j.index = len(*h); *h = append(*h, j) }
func (h *jobHeap) Pop() any {
	old := *h
	n := len(old)
	j := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return j
}
