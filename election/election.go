// Package election implements single-holder leader election per named
// service, built on the distributed lock. The leader renews its lease on a
// configurable interval capped at TTL/2; one missed renewal is tolerated,
// two consecutive misses force a
// local resignation so a partitioned leader steps down before its lease can
// be claimed elsewhere.
//
// Downstream components subscribe to leadership transitions through the
// Events channel at construction time. There is no process-wide event bus.
package election

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/lock"
	"github.com/zral/mongo-crud-api-sub001/log"
)

// Prefix namespaces leadership keys in the coordination store.
const Prefix = "leader:"

// State is a leadership transition delivered on the Events channel.
type State int

// Leadership transitions.
const (
	// Acquired means this instance became leader.
	Acquired State = iota
	// Lost means renewal failed and leadership was forfeited.
	Lost
	// Resigned means leadership was released gracefully.
	Resigned
)

func (s State) String() string {
	switch s {
	case Acquired:
		return "acquired"
	case Lost:
		return "lost"
	case Resigned:
		return "resigned"
	}
	return "unknown"
}

// Status is the operator-facing view of an election.
type Status struct {
	Service    string    `json:"service"`
	Leader     bool      `json:"leader"`
	LeaderID   string    `json:"leaderId,omitempty"`
	AcquiredAt time.Time `json:"acquiredAt,omitempty"`
}

// Config tunes an Elector.
type Config struct {
	// TTL is the lease lifetime.
	TTL time.Duration
	// RenewInterval is how often the leader renews its lease. Clamped to
	// at most TTL/2 so one missed renewal cannot lose the lease.
	RenewInterval time.Duration
	// RetryInterval is how often a non-leader attempts the election.
	RetryInterval time.Duration
}

// Elector runs the election loop for one named service.
type Elector struct {
	service string
	cfg     Config
	locks   *lock.Manager
	logger  *log.Logger
	events  chan State

	mu         sync.Mutex
	current    *lock.Lock
	acquiredAt time.Time

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New creates an Elector for the named service. The lock manager is
// re-namespaced under the leadership prefix.
func New(service string, locks *lock.Manager, logger *log.Logger, cfg Config) *Elector {
	if cfg.TTL <= 0 {
		cfg.TTL = 30 * time.Second
	}
	if cfg.RenewInterval <= 0 || cfg.RenewInterval > cfg.TTL/2 {
		cfg.RenewInterval = cfg.TTL / 2
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = cfg.TTL / 3
	}
	return &Elector{
		service: service,
		cfg:     cfg,
		locks:   locks.WithPrefix(Prefix),
		logger:  logger.Named("election").With(zap.String("service", service)),
		events:  make(chan State, 8),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Events returns the leadership transition channel. The channel is buffered;
// transitions beyond the buffer are discarded with a warning.
func (e *Elector) Events() <-chan State {
	return e.events
}

// IsLeader reports whether this instance currently holds leadership.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.current != nil
}

// Status reports the current leadership view, querying the store for the
// holder when this instance is not the leader.
func (e *Elector) Status(ctx context.Context) Status {
	e.mu.Lock()
	leader := e.current != nil
	acquiredAt := e.acquiredAt
	e.mu.Unlock()

	st := Status{Service: e.service, Leader: leader}
	if leader {
		st.AcquiredAt = acquiredAt
	}
	if info, err := e.locks.Inspect(ctx, e.service); err == nil && info != nil {
		st.LeaderID = info.Owner
	}
	return st
}

// Run drives the election until ctx is canceled or Stop is called.
// Blocking; start in its own goroutine.
func (e *Elector) Run(ctx context.Context) {
	defer close(e.done)

	// First attempt happens immediately, not after a full retry interval.
	e.tryAcquire(ctx)

	for {
		if e.IsLeader() {
			if !e.renewLoop(ctx) {
				return
			}
			continue
		}

		select {
		case <-ctx.Done():
			e.resign(context.Background())
			return
		case <-e.stop:
			e.resign(context.Background())
			return
		case <-time.After(e.cfg.RetryInterval):
			e.tryAcquire(ctx)
		}
	}
}

// Stop ends the loop and resigns gracefully. Blocks until Run returns.
func (e *Elector) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })
	<-e.done
}

// renewLoop renews the lease on the configured interval while leadership
// holds. Returns false when Run should exit.
func (e *Elector) renewLoop(ctx context.Context) bool {
	ticker := time.NewTicker(e.cfg.RenewInterval)
	defer ticker.Stop()

	misses := 0
	for {
		select {
		case <-ctx.Done():
			e.resign(context.Background())
			return false
		case <-e.stop:
			e.resign(context.Background())
			return false
		case <-ticker.C:
			e.mu.Lock()
			current := e.current
			e.mu.Unlock()
			if current == nil {
				return true
			}

			err := current.Extend(ctx, e.cfg.TTL)
			switch {
			case err == nil:
				misses = 0
			case errors.Is(err, lock.ErrNotHeld):
				// The lease is gone; someone else may already hold it.
				e.lose()
				return true
			default:
				misses++
				e.logger.Warn("lease renewal failed",
					zap.Int("consecutive_misses", misses),
					zap.Error(err))
				if misses >= 2 {
					e.lose()
					return true
				}
			}
		}
	}
}

// tryAcquire attempts one election round.
func (e *Elector) tryAcquire(ctx context.Context) {
	l, err := e.locks.Acquire(ctx, e.service, e.cfg.TTL)
	if err != nil {
		e.logger.Warn("election attempt failed", zap.Error(err))
		return
	}
	if l == nil {
		return
	}

	e.mu.Lock()
	e.current = l
	e.acquiredAt = time.Now()
	e.mu.Unlock()

	e.logger.Info("leadership acquired", zap.Duration("ttl", e.cfg.TTL))
	e.emit(Acquired)
}

// lose drops leadership after failed renewal.
func (e *Elector) lose() {
	e.mu.Lock()
	e.current = nil
	e.acquiredAt = time.Time{}
	e.mu.Unlock()

	e.logger.Warn("leadership lost")
	e.emit(Lost)
}

// resign releases leadership gracefully.
func (e *Elector) resign(ctx context.Context) {
	e.mu.Lock()
	current := e.current
	e.current = nil
	e.acquiredAt = time.Time{}
	e.mu.Unlock()

	if current == nil {
		return
	}
	if _, err := current.Release(ctx); err != nil {
		e.logger.Warn("resignation release failed", zap.Error(err))
	}
	e.logger.Info("leadership resigned")
	e.emit(Resigned)
}

func (e *Elector) emit(s State) {
	select {
	case e.events <- s:
	default:
		e.logger.Warn("leadership event dropped", zap.String("state", s.String()))
	}
}
