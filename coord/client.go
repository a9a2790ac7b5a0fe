// Package coord wraps the coordination store (Redis) behind the small set
// of atomic primitives the backplane needs: SET-if-absent with TTL,
// scripted compare-and-delete / compare-and-expire, windowed INCR, scan,
// and a capped list for the delivery failure log.
//
// One Client is created at process init and passed by reference to every
// component; it is closed exactly once at shutdown.
package coord

import (
	"context"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("coord: key not found")

// compareAndDelete deletes the key only when its value matches the caller's
// token. Scripted server-side to close the read-compare-delete race.
var compareAndDelete = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end
`)

// compareAndExpire resets the TTL only when the value matches.
var compareAndExpire = goredis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end
`)

// incrWithWindow increments a counter and attaches the window expiry only
// when this increment created the key, so the window never slides on later
// increments.
var incrWithWindow = goredis.NewScript(`
local n = redis.call("incr", KEYS[1])
if n == 1 then
	redis.call("pexpire", KEYS[1], ARGV[1])
end
return n
`)

// Client is the shared coordination-store handle.
type Client struct {
	rdb *goredis.Client
}

// New creates a Client from a Redis connection URL.
// Format: redis://[:password@]host:port[/db]
func New(url string) (*Client, error) {
	if url == "" {
		return nil, errors.New("coord: connection URL is required")
	}
	opts, err := goredis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("coord: invalid URL: %w", err)
	}
	return &Client{rdb: goredis.NewClient(opts)}, nil
}

// NewFromClient wraps an existing go-redis client. Intended for tests.
func NewFromClient(rdb *goredis.Client) *Client {
	return &Client{rdb: rdb}
}

// SetIfAbsent performs an atomic SET NX PX. Returns true when the key was
// set by this call.
func (c *Client) SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := c.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("coord: setnx %s: %w", key, err)
	}
	return ok, nil
}

// CompareAndDelete deletes key only if its current value equals value.
// Returns true when a deletion happened.
func (c *Client) CompareAndDelete(ctx context.Context, key, value string) (bool, error) {
	n, err := compareAndDelete.Run(ctx, c.rdb, []string{key}, value).Int()
	if err != nil {
		return false, fmt.Errorf("coord: compare-and-delete %s: %w", key, err)
	}
	return n == 1, nil
}

// CompareAndExpire extends the TTL of key only if its current value equals
// value. Returns true when the TTL was reset.
func (c *Client) CompareAndExpire(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	n, err := compareAndExpire.Run(ctx, c.rdb, []string{key}, value, ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("coord: compare-and-expire %s: %w", key, err)
	}
	return n == 1, nil
}

// Get returns the value of key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, goredis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("coord: get %s: %w", key, err)
	}
	return v, nil
}

// TTL returns the remaining lifetime of key. Zero when the key has no
// expiry; negative when the key does not exist.
func (c *Client) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := c.rdb.PTTL(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("coord: pttl %s: %w", key, err)
	}
	return d, nil
}

// Delete removes key unconditionally.
func (c *Client) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("coord: del %s: %w", key, err)
	}
	return nil
}

// IncrWithWindow increments the counter at key and, when this increment
// created the key, attaches the window as its expiry. Returns the counter
// value after the increment. This is the distributed sliding-window
// primitive used by webhook admission.
func (c *Client) IncrWithWindow(ctx context.Context, key string, window time.Duration) (int64, error) {
	n, err := incrWithWindow.Run(ctx, c.rdb, []string{key}, window.Milliseconds()).Int64()
	if err != nil {
		return 0, fmt.Errorf("coord: incr %s: %w", key, err)
	}
	return n, nil
}

// Scan returns all keys matching pattern. Iterates the keyspace with
// cursor-based SCAN, never KEYS.
func (c *Client) Scan(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := c.rdb.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("coord: scan %s: %w", pattern, err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// PushCapped prepends value to the list at key, trims the list to cap
// entries, and refreshes the list TTL. Backs the rolling failure log.
func (c *Client) PushCapped(ctx context.Context, key, value string, cap int64, ttl time.Duration) error {
	pipe := c.rdb.TxPipeline()
	pipe.LPush(ctx, key, value)
	pipe.LTrim(ctx, key, 0, cap-1)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("coord: push %s: %w", key, err)
	}
	return nil
}

// Range returns up to count entries from the list at key, newest first.
func (c *Client) Range(ctx context.Context, key string, count int64) ([]string, error) {
	vals, err := c.rdb.LRange(ctx, key, 0, count-1).Result()
	if err != nil {
		return nil, fmt.Errorf("coord: lrange %s: %w", key, err)
	}
	return vals, nil
}

// Ping checks store liveness. Used by the health endpoint.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("coord: ping: %w", err)
	}
	return nil
}

// Redis exposes the underlying client for stream operations owned by the
// webhook queue. Other components must go through the Client methods.
func (c *Client) Redis() *goredis.Client {
	return c.rdb
}

// Close releases the connection pool.
func (c *Client) Close() error {
	return c.rdb.Close()
}
