package redisclient

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

//go:embed scripts/release_lock.lua
var releaseLockScript string

// ErrLockNotAcquired is returned when a lock stays held by another owner
// for the whole wait window.
var ErrLockNotAcquired = errors.New("lock not acquired")

const lockRetryInterval = 50 * time.Millisecond

type Client struct {
	rdb           *redis.Client
	releaseScript *redis.Script
}

// NewClient creates a new Redis client with Lua scripts loaded
func NewClient(addr, password string, db int) (*Client, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}

	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}, nil
}

// GetClient returns the underlying Redis client
func (c *Client) GetClient() *redis.Client {
	return c.rdb
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// AcquireLock tries to take a distributed lock once. The token identifies
// the holder; only the same token can release the lock.
func (c *Client) AcquireLock(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	return c.rdb.SetNX(ctx, fmt.Sprintf("lock:%s", key), token, ttl).Result()
}

// ReleaseLock releases a lock via compare-and-delete. Releasing a lock that
// expired and was taken over by another holder is a no-op.
func (c *Client) ReleaseLock(ctx context.Context, key, token string) error {
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{fmt.Sprintf("lock:%s", key)}, token).Result()
	if err != nil {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

// WithLock runs fn while holding the named lock, retrying acquisition until
// wait elapses. Returns ErrLockNotAcquired if the lock never frees up. The
// TTL bounds how long a crashed holder can block others.
func (c *Client) WithLock(ctx context.Context, key string, ttl, wait time.Duration, fn func(ctx context.Context) error) error {
	token := uuid.NewString()
	deadline := time.Now().Add(wait)

	for {
		ok, err := c.AcquireLock(ctx, key, token, ttl)
		if err != nil {
			return fmt.Errorf("acquire lock %s: %w", key, err)
		}
		if ok {
			break
		}
		if time.Now().After(deadline) {
			return ErrLockNotAcquired
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryInterval):
		}
	}

	defer func() {
		// Release on a fresh context so a canceled request still unlocks.
		releaseCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = c.ReleaseLock(releaseCtx, key, token)
	}()

	return fn(ctx)
}

// Locker binds WithLock to a fixed TTL and wait window so callers only name
// the resource they are serializing on.
type Locker struct {
	client *Client
	ttl    time.Duration
	wait   time.Duration
}

// NewLocker returns a Locker using ttl for lock expiry and wait as the
// acquisition deadline.
func (c *Client) NewLocker(ttl, wait time.Duration) *Locker {
	return &Locker{client: c, ttl: ttl, wait: wait}
}

func (l *Locker) WithLock(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	return l.client.WithLock(ctx, key, l.ttl, l.wait, fn)
}

// GetCachedMovie returns the cached movie payload, or nil on a cache miss.
func (c *Client) GetCachedMovie(ctx context.Context, movieID int64) ([]byte, error) {
	data, err := c.rdb.Get(ctx, movieCacheKey(movieID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// CacheMovie stores a movie payload with TTL.
func (c *Client) CacheMovie(ctx context.Context, movieID int64, payload []byte, ttl time.Duration) error {
	return c.rdb.Set(ctx, movieCacheKey(movieID), payload, ttl).Err()
}

// InvalidateMovie drops a movie from the cache.
func (c *Client) InvalidateMovie(ctx context.Context, movieID int64) error {
	return c.rdb.Del(ctx, movieCacheKey(movieID)).Err()
}

func movieCacheKey(movieID int64) string {
	return fmt.Sprintf("movie:%d", movieID)
}
