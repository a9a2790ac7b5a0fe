// Package lock implements a named distributed mutex over the coordination
// store. Each acquisition is fenced by a unique token so a holder whose TTL
// expired cannot release or extend a lock someone else now owns.
//
// Acquire fails closed on store errors. Release fails open: the error is
// logged and local state is cleared so the owning instance cannot deadlock
// itself during a store outage; the key then falls to TTL expiry.
package lock

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/zral/mongo-crud-api-sub001/coord"
	"github.com/zral/mongo-crud-api-sub001/log"
)

// DefaultPrefix namespaces general-purpose lock keys.
const DefaultPrefix = "lock:"

// ErrNotHeld is returned by Extend after the lock was released or lost.
var ErrNotHeld = errors.New("lock: not held")

// Manager acquires locks on behalf of one instance.
type Manager struct {
	coord      *coord.Client
	logger     *log.Logger
	instanceID string
	prefix     string
}

// Info describes the current holder of a lock key.
type Info struct {
	Key   string        `json:"key"`
	Owner string        `json:"owner"`
	TTL   time.Duration `json:"ttl"`
	Mine  bool          `json:"mine"`
}

// NewManager creates a lock manager for the given instance.
func NewManager(c *coord.Client, logger *log.Logger, instanceID string) *Manager {
	return &Manager{
		coord:      c,
		logger:     logger.Named("lock"),
		instanceID: instanceID,
		prefix:     DefaultPrefix,
	}
}

// WithPrefix returns a manager using a different key namespace, e.g.
// "cron_lock:" for per-tick fences.
func (m *Manager) WithPrefix(prefix string) *Manager {
	clone := *m
	clone.prefix = prefix
	return &clone
}

// Lock is one successful acquisition. Safe for concurrent use; Release and
// Extend are idempotent with respect to loss of ownership.
type Lock struct {
	mgr      *Manager
	key      string
	token    string
	released atomic.Bool
}

// Acquire attempts to take the named lock with the given TTL.
// Returns (nil, nil) when the lock is held by someone else; a non-nil error
// only for store failures (fail-closed).
func (m *Manager) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("lock: ttl must be positive, got %v", ttl)
	}

	full := m.prefix + key
	token := m.newToken()

	ok, err := m.coord.SetIfAbsent(ctx, full, token, ttl)
	if err != nil {
		return nil, fmt.Errorf("lock: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, nil
	}

	m.logger.Debug("lock acquired",
		zap.String("key", key),
		zap.Duration("ttl", ttl))

	return &Lock{mgr: m, key: full, token: token}, nil
}

// newToken composes the fencing token: instance id, acquire time, nonce.
func (m *Manager) newToken() string {
	return fmt.Sprintf("%s:%d:%s", m.instanceID, time.Now().UnixNano(), uuid.NewString()[:8])
}

// Inspect reports the holder of a lock key, or nil when the key is free.
func (m *Manager) Inspect(ctx context.Context, key string) (*Info, error) {
	full := m.prefix + key

	owner, err := m.coord.Get(ctx, full)
	if errors.Is(err, coord.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	ttl, err := m.coord.TTL(ctx, full)
	if err != nil {
		return nil, err
	}

	instance := owner
	if i := strings.IndexByte(owner, ':'); i > 0 {
		instance = owner[:i]
	}

	return &Info{
		Key:   key,
		Owner: instance,
		TTL:   ttl,
		Mine:  instance == m.instanceID,
	}, nil
}

// Held returns all lock keys currently present under this manager's prefix.
func (m *Manager) Held(ctx context.Context) ([]string, error) {
	keys, err := m.coord.Scan(ctx, m.prefix+"*")
	if err != nil {
		return nil, err
	}
	for i, k := range keys {
		keys[i] = strings.TrimPrefix(k, m.prefix)
	}
	return keys, nil
}

// Release gives the lock back. Returns true when this call deleted the key,
// false when the lock was already gone or owned by someone else. A store
// error clears local state anyway and returns false so the caller cannot
// wedge on a dead store.
func (l *Lock) Release(ctx context.Context) (bool, error) {
	if l.released.Swap(true) {
		return false, nil
	}

	ok, err := l.mgr.coord.CompareAndDelete(ctx, l.key, l.token)
	if err != nil {
		l.mgr.logger.Warn("lock release failed, clearing local state",
			zap.String("key", l.key),
			zap.Error(err))
		return false, nil
	}
	return ok, nil
}

// Extend resets the lock TTL. Returns ErrNotHeld when the lock was lost or
// already released.
func (l *Lock) Extend(ctx context.Context, ttl time.Duration) error {
	if l.released.Load() {
		return ErrNotHeld
	}

	ok, err := l.mgr.coord.CompareAndExpire(ctx, l.key, l.token, ttl)
	if err != nil {
		return fmt.Errorf("lock: extend %s: %w", l.key, err)
	}
	if !ok {
		l.released.Store(true)
		return ErrNotHeld
	}
	return nil
}

// Token exposes the fencing token for callers that propagate it downstream.
func (l *Lock) Token() string {
	return l.token
}
