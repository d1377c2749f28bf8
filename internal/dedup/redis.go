package dedup

import (
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const redisKeyKnownIDs = "opsgate:dedup:known_set"

// RedisTracker — множество известных идентичностей в Redis Set с теплым
// in-memory кэшем. Кэш ускоряет чистые повторы внутри процесса; источником
// правды остается Redis, так что несколько продюсеров могут делить одно
// множество. Окно гонки SISMEMBER→SADD не закрыто — подавление дубликатов
// остается best-effort.
type RedisTracker struct {
	rdb    *redis.Client
	logger *zap.Logger

	mu    sync.RWMutex
	cache map[string]struct{}
}

var _ Tracker = (*RedisTracker)(nil)

func NewRedisTracker(rdb *redis.Client, logger *zap.Logger) *RedisTracker {
	return &RedisTracker{
		rdb:    rdb,
		logger: logger.Named("dedup-redis"),
		cache:  make(map[string]struct{}),
	}
}

// Init прогревает кэш текущим состоянием множества при старте сервиса.
func (t *RedisTracker) Init(ctx context.Context) error {
	ids, err := t.rdb.SMembers(ctx, redisKeyKnownIDs).Result()
	if err != nil {
		return fmt.Errorf("dedup: failed to warm cache: %w", err)
	}

	t.mu.Lock()
	for _, id := range ids {
		t.cache[id] = struct{}{}
	}
	t.mu.Unlock()

	t.logger.Info("dedup cache warmed", zap.Int("known", len(ids)))
	return nil
}

func (t *RedisTracker) IsKnown(ctx context.Context, id string) (bool, error) {
	t.mu.RLock()
	_, ok := t.cache[id]
	t.mu.RUnlock()
	if ok {
		return true, nil
	}

	known, err := t.rdb.SIsMember(ctx, redisKeyKnownIDs, id).Result()
	if err != nil {
		return false, fmt.Errorf("dedup: redis check failed: %w", err)
	}
	if known {
		t.mu.Lock()
		t.cache[id] = struct{}{}
		t.mu.Unlock()
	}
	return known, nil
}

func (t *RedisTracker) MarkKnown(ctx context.Context, id string) error {
	// Сквозная запись: сначала Redis, потом кэш
	if err := t.rdb.SAdd(ctx, redisKeyKnownIDs, id).Err(); err != nil {
		return fmt.Errorf("dedup: redis mark failed: %w", err)
	}
	t.mu.Lock()
	t.cache[id] = struct{}{}
	t.mu.Unlock()
	return nil
}

func (t *RedisTracker) Reset(ctx context.Context) error {
	if err := t.rdb.Del(ctx, redisKeyKnownIDs).Err(); err != nil {
		return fmt.Errorf("dedup: redis reset failed: %w", err)
	}
	t.mu.Lock()
	t.cache = make(map[string]struct{})
	t.mu.Unlock()
	t.logger.Info("dedup state reset")
	return nil
}
