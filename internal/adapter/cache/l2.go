package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/menglacorp/mengla-collector/internal/domain"
)

// L2 wraps a Redis client for the `mengla:data:*` keyspace (spec §3).
// Grounded on the teacher's internal/service/ratelimiter.RedisLuaLimiter:
// fail-open on Redis errors rather than surfacing a hard outage, since a
// cache miss always has a fallback (L3, then upstream).
type L2 struct {
	rdb *redis.Client
	log *slog.Logger
}

func NewL2(rdb *redis.Client, log *slog.Logger) *L2 {
	return &L2{rdb: rdb, log: log}
}

// DataKey renders the `mengla:data:<action>:<cat_id|"all">:<granularity>:<period_key>` key.
func DataKey(k domain.IdentityKey) string {
	return fmt.Sprintf("mengla:data:%s:%s:%s:%s", k.Action, k.CacheCatSegment(), k.Granularity, k.PeriodKey)
}

func (l *L2) Get(ctx context.Context, key domain.IdentityKey) (any, bool) {
	raw, err := l.rdb.Get(ctx, DataKey(key)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			l.log.Warn("l2 cache get failed, treating as miss", "key", key.RequestKey(), "error", err)
		}
		return nil, false
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		l.log.Warn("l2 cache value corrupt, treating as miss", "key", key.RequestKey(), "error", err)
		return nil, false
	}
	return value, true
}

func (l *L2) Set(ctx context.Context, key domain.IdentityKey, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("op=cache.L2.Set marshal: %w", err)
	}
	if err := l.rdb.Set(ctx, DataKey(key), raw, L2TTL(key.Granularity)).Err(); err != nil {
		l.log.Warn("l2 cache set failed", "key", key.RequestKey(), "error", err)
		return nil
	}
	return nil
}

func (l *L2) Invalidate(ctx context.Context, key domain.IdentityKey) {
	if err := l.rdb.Del(ctx, DataKey(key)).Err(); err != nil {
		l.log.Warn("l2 cache invalidate failed", "key", key.RequestKey(), "error", err)
	}
}

// L2TTL re-exports domain.L2TTL under the cache package for readability at
// call sites that already import cache but not domain directly.
func L2TTL(g domain.Granularity) time.Duration { return domain.L2TTL(g) }

// PurgeByPrefix deletes every key under prefix using SCAN+DEL (spec §6:
// POST /admin/data/purge, "Redis purge uses SCAN+DEL on prefix mengla:*").
func PurgeByPrefix(ctx context.Context, rdb *redis.Client, prefix string) (int, error) {
	var cursor uint64
	var deleted int
	for {
		keys, next, err := rdb.Scan(ctx, cursor, prefix+"*", 500).Result()
		if err != nil {
			return deleted, fmt.Errorf("op=cache.PurgeByPrefix scan: %w", err)
		}
		if len(keys) > 0 {
			n, err := rdb.Del(ctx, keys...).Result()
			if err != nil {
				return deleted, fmt.Errorf("op=cache.PurgeByPrefix del: %w", err)
			}
			deleted += int(n)
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return deleted, nil
}
