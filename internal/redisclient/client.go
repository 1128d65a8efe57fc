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

	return NewClientWithRedis(rdb), nil
}

// NewClientWithRedis wraps an existing go-redis client
func NewClientWithRedis(rdb *redis.Client) *Client {
	return &Client{
		rdb:           rdb,
		releaseScript: redis.NewScript(releaseLockScript),
	}
}

// Close closes the Redis connection
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping checks Redis is reachable
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// SetIdempotencyKey remembers key for ttl
func (c *Client) SetIdempotencyKey(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Set(ctx, idempotencyKey(key), time.Now().Unix(), ttl).Err()
}

// CheckIdempotencyKey checks if an idempotency key exists
func (c *Client) CheckIdempotencyKey(ctx context.Context, key string) (bool, error) {
	result, err := c.rdb.Exists(ctx, idempotencyKey(key)).Result()
	if err != nil {
		return false, err
	}
	return result > 0, nil
}

// Lock is a held distributed lock. Only the holder's token can release it.
type Lock struct {
	key   string
	token string
}

// AcquireLock tries to take lockKey for ttl. It returns nil without error
// when someone else holds the lock.
func (c *Client) AcquireLock(ctx context.Context, lockKey string, ttl time.Duration) (*Lock, error) {
	lock := &Lock{key: fmt.Sprintf("lock:%s", lockKey), token: uuid.New().String()}

	ok, err := c.rdb.SetNX(ctx, lock.key, lock.token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", lockKey, err)
	}
	if !ok {
		return nil, nil
	}
	return lock, nil
}

// ReleaseLock deletes the lock if it is still owned by lock's token
func (c *Client) ReleaseLock(ctx context.Context, lock *Lock) error {
	if lock == nil {
		return nil
	}
	_, err := c.releaseScript.Run(ctx, c.rdb, []string{lock.key}, lock.token).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("release lock script failed: %w", err)
	}
	return nil
}

func idempotencyKey(key string) string {
	return fmt.Sprintf("idempotency:%s", key)
}
