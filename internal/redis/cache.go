package redisclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a JSON read-through cache. Every key belongs to a scope, the
// part before the first ":" or the whole key for single records. Each
// scope has a generation counter. Invalidating a scope bumps it, which
// orphans every entry written under the old generation at once.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewCache(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Cache{client: client, ttl: ttl, prefix: "cache"}
}

// Get returns the cached value, or on a miss the generation the caller
// must hand to Set.
func (c *Cache) Get(ctx context.Context, key string, dst any) (bool, int64, error) {
	scope, rest := splitKey(key)

	gen, err := c.generation(ctx, scope)
	if err != nil {
		return false, 0, err
	}

	full := c.entryKey(scope, gen, rest)
	data, err := c.client.Get(ctx, full).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, gen, nil
	}
	if err != nil {
		return false, 0, fmt.Errorf("cache get %s: %w", key, err)
	}

	if err := json.Unmarshal(data, dst); err != nil {
		// unreadable entry, treat as a miss and drop it
		_ = c.client.Del(ctx, full).Err()
		return false, gen, nil
	}
	return true, gen, nil
}

// setIfCurrent writes the entry only while the scope is still at the
// generation the reader saw. A live generation counter is kept for twice
// the entry TTL after its last use, so when it lapses back to zero no
// entry from an older generation can still exist.
var setIfCurrent = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if (cur or "0") ~= ARGV[1] then
  return 0
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
if cur then
  redis.call("PEXPIRE", KEYS[1], ARGV[4])
end
return 1
`)

// Set stores v under gen. The write is dropped when the scope has been
// invalidated since the Get that produced gen.
func (c *Cache) Set(ctx context.Context, key string, gen int64, v any) error {
	scope, rest := splitKey(key)

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("cache marshal %s: %w", key, err)
	}

	err = setIfCurrent.Run(ctx, c.client,
		[]string{c.versionKey(scope), c.entryKey(scope, gen, rest)},
		gen, data, c.ttl.Milliseconds(), 2*c.ttl.Milliseconds(),
	).Err()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("cache set %s: %w", key, err)
	}
	return nil
}

// Invalidate bumps the generation of every scope named by keys.
func (c *Cache) Invalidate(ctx context.Context, keys ...string) error {
	seen := make(map[string]bool, len(keys))
	pipe := c.client.TxPipeline()
	for _, key := range keys {
		scope, _ := splitKey(key)
		if seen[scope] {
			continue
		}
		seen[scope] = true
		pipe.Incr(ctx, c.versionKey(scope))
		pipe.PExpire(ctx, c.versionKey(scope), 2*c.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("cache invalidate %v: %w", keys, err)
	}
	return nil
}

func (c *Cache) generation(ctx context.Context, scope string) (int64, error) {
	gen, err := c.client.Get(ctx, c.versionKey(scope)).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		return 0, fmt.Errorf("cache version %s: %w", scope, err)
	}
	return gen, nil
}

func splitKey(key string) (scope, rest string) {
	scope, rest, _ = strings.Cut(key, ":")
	return scope, rest
}

func (c *Cache) versionKey(scope string) string {
	return fmt.Sprintf("%s:ver:%s", c.prefix, scope)
}

func (c *Cache) entryKey(scope string, gen int64, rest string) string {
	return fmt.Sprintf("%s:%s:v%d:%s", c.prefix, scope, gen, rest)
}
