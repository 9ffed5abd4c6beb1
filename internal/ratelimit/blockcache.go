package ratelimit

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// BlockCache is the fast-path block lookup consulted before touching the
// store. Implementations must treat errors as cache misses; the persisted
// record remains authoritative.
type BlockCache interface {
	// Blocked reports whether callerID has an active cached block. The
	// returned expiry may be zero for indefinite blocks.
	Blocked(ctx context.Context, callerID string) (reason string, until time.Time, ok bool)
	SetBlocked(ctx context.Context, callerID, reason string, ttl time.Duration)
	ClearBlocked(ctx context.Context, callerID string)
}

const blockKeyPrefix = "voice:block:"

// RedisBlockCache shares block state across gateway restarts and instances.
type RedisBlockCache struct {
	rdb *redis.Client
}

func NewRedisBlockCache(rdb *redis.Client) *RedisBlockCache {
	return &RedisBlockCache{rdb: rdb}
}

func (c *RedisBlockCache) Blocked(ctx context.Context, callerID string) (string, time.Time, bool) {
	key := blockKeyPrefix + callerID
	reason, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		// Miss or transport error: fall through to the store.
		return "", time.Time{}, false
	}
	var until time.Time
	if ttl, err := c.rdb.TTL(ctx, key).Result(); err == nil && ttl > 0 {
		until = time.Now().Add(ttl)
	}
	return reason, until, true
}

func (c *RedisBlockCache) SetBlocked(ctx context.Context, callerID, reason string, ttl time.Duration) {
	key := blockKeyPrefix + callerID
	if reason == "" {
		reason = "blocked"
	}
	_ = c.rdb.Set(ctx, key, reason, ttl).Err()
}

func (c *RedisBlockCache) ClearBlocked(ctx context.Context, callerID string) {
	_ = c.rdb.Del(ctx, blockKeyPrefix+callerID).Err()
}

// NopBlockCache disables the fast path; admission then always consults the store.
type NopBlockCache struct{}

func (NopBlockCache) Blocked(context.Context, string) (string, time.Time, bool) {
	return "", time.Time{}, false
}
func (NopBlockCache) SetBlocked(context.Context, string, string, time.Duration) {}
func (NopBlockCache) ClearBlocked(context.Context, string)                      {}
