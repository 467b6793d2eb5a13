// Package cache is a typed wrapper over Redis: the Cache Layer that
// backs the Context Loader's hot path (and, through it, the Dual
// Writer's cache append). Non-string values are JSON-encoded on write and
// decoded on read, mirroring the original context manager's
// dataclass-as-dict convention.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("cache: key not found")

// Cache wraps a *redis.Client with the handful of operations the
// runtime needs: scalar get/set with TTL, list (context window)
// operations, and hash operations (session metadata).
type Cache struct {
	rdb *redis.Client
}

// Options configures the underlying redis.Client.
type Options struct {
	Address  string
	Password string
	DB       int
}

// New dials a Redis client. Connection is lazy; Ping verifies it.
func New(opts Options) *Cache {
	return &Cache{rdb: redis.NewClient(&redis.Options{
		Addr:     opts.Address,
		Password: opts.Password,
		DB:       opts.DB,
	})}
}

// Ping verifies connectivity, used by the server's startup check.
func (c *Cache) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// Close releases the underlying connection pool.
func (c *Cache) Close() error {
	return c.rdb.Close()
}

// Set JSON-encodes v (unless it is already a string) and stores it
// with the given TTL. A zero TTL means no expiry.
func (c *Cache) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	payload, err := encode(v)
	if err != nil {
		return fmt.Errorf("cache encode %s: %w", key, err)
	}
	if err := c.rdb.Set(ctx, key, payload, ttl).Err(); err != nil {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Get decodes the value stored at key into dst (a pointer).
func (c *Cache) Get(ctx context.Context, key string, dst any) error {
	raw, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache get %s: %w", key, err)
	}
	return decode(raw, dst)
}

// Delete removes a key; absence is not an error.
func (c *Cache) Delete(ctx context.Context, key string) error {
	if err := c.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

// Expire refreshes a key's TTL, used on every context cache hit so
// active sessions don't cool off mid-conversation.
func (c *Cache) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
		return fmt.Errorf("cache expire %s: %w", key, err)
	}
	return nil
}

// RPush appends JSON-encoded values to a list and refreshes its TTL.
func (c *Cache) RPush(ctx context.Context, key string, ttl time.Duration, values ...any) error {
	encoded := make([]any, len(values))
	for i, v := range values {
		payload, err := encode(v)
		if err != nil {
			return fmt.Errorf("cache encode list member: %w", err)
		}
		encoded[i] = payload
	}
	if err := c.rdb.RPush(ctx, key, encoded...).Err(); err != nil {
		return fmt.Errorf("cache rpush %s: %w", key, err)
	}
	if ttl > 0 {
		if err := c.rdb.Expire(ctx, key, ttl).Err(); err != nil {
			return fmt.Errorf("cache expire %s: %w", key, err)
		}
	}
	return nil
}

// LRange returns elements [start, stop] of a list, decoding each into
// a json.RawMessage for the caller to unmarshal into its own type.
func (c *Cache) LRange(ctx context.Context, key string, start, stop int64) ([]json.RawMessage, error) {
	raw, err := c.rdb.LRange(ctx, key, start, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("cache lrange %s: %w", key, err)
	}
	out := make([]json.RawMessage, len(raw))
	for i, s := range raw {
		out[i] = json.RawMessage(s)
	}
	return out, nil
}

// LLen returns the length of a list key.
func (c *Cache) LLen(ctx context.Context, key string) (int64, error) {
	n, err := c.rdb.LLen(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("cache llen %s: %w", key, err)
	}
	return n, nil
}

// LTrim trims a list to the given inclusive range, used to cap the
// cached context window at its configured size.
func (c *Cache) LTrim(ctx context.Context, key string, start, stop int64) error {
	if err := c.rdb.LTrim(ctx, key, start, stop).Err(); err != nil {
		return fmt.Errorf("cache ltrim %s: %w", key, err)
	}
	return nil
}

// HSet stores a JSON-encoded value under a hash field.
func (c *Cache) HSet(ctx context.Context, key, field string, v any) error {
	payload, err := encode(v)
	if err != nil {
		return fmt.Errorf("cache encode hash field: %w", err)
	}
	if err := c.rdb.HSet(ctx, key, field, payload).Err(); err != nil {
		return fmt.Errorf("cache hset %s/%s: %w", key, field, err)
	}
	return nil
}

// HGet decodes a single hash field into dst.
func (c *Cache) HGet(ctx context.Context, key, field string, dst any) error {
	raw, err := c.rdb.HGet(ctx, key, field).Result()
	if errors.Is(err, redis.Nil) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("cache hget %s/%s: %w", key, field, err)
	}
	return decode(raw, dst)
}

// HGetAll returns every field in a hash as raw JSON payloads.
func (c *Cache) HGetAll(ctx context.Context, key string) (map[string]json.RawMessage, error) {
	raw, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("cache hgetall %s: %w", key, err)
	}
	out := make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		out[k] = json.RawMessage(v)
	}
	return out, nil
}

func encode(v any) (string, error) {
	if s, ok := v.(string); ok {
		return s, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func decode(raw string, dst any) error {
	if s, ok := dst.(*string); ok {
		*s = raw
		return nil
	}
	return json.Unmarshal([]byte(raw), dst)
}
