package calls

import (
	"context"
	"errors"
	"fmt"
	"time"

	"callcore/internal/apperr"
	"callcore/pkg/utils"

	"github.com/redis/go-redis/v9"
)

// RedisRefIndex maps provider call refs to call IDs in Redis.
// Entries expire after ttl; a call's webhooks stop long before that.
type RedisRefIndex struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisRefIndex(rdb *redis.Client, ttl time.Duration) *RedisRefIndex {
	if ttl <= 0 {
		ttl = 48 * time.Hour
	}
	return &RedisRefIndex{rdb: rdb, ttl: ttl}
}

func refKey(providerRef string) string { return "calls:ref:" + providerRef }

func activeKey(ownerUserID string) string { return "calls:active:" + ownerUserID }

func (r *RedisRefIndex) Put(ctx context.Context, providerRef, callID string) error {
	if err := r.rdb.Set(ctx, refKey(providerRef), callID, r.ttl).Err(); err != nil {
		return apperr.Upstream("calls: redis set ref", err)
	}
	return nil
}

func (r *RedisRefIndex) Lookup(ctx context.Context, providerRef string) (string, error) {
	id, err := r.rdb.Get(ctx, refKey(providerRef)).Result()
	if errors.Is(err, redis.Nil) {
		return "", fmt.Errorf("calls: provider ref %s: %w", providerRef, apperr.ErrNotFound)
	}
	if err != nil {
		return "", apperr.Upstream("calls: redis get ref", err)
	}
	return id, nil
}

// RedisGate caps concurrent calls per owner with a Redis slot counter.
// The slot TTL bounds leaks when a process dies before the terminal transition.
type RedisGate struct {
	rdb   *redis.Client
	limit int
	ttl   time.Duration
}

func NewRedisGate(rdb *redis.Client, limit int, ttl time.Duration) *RedisGate {
	if ttl <= 0 {
		ttl = 2 * time.Hour
	}
	return &RedisGate{rdb: rdb, limit: limit, ttl: ttl}
}

func (g *RedisGate) Acquire(ctx context.Context, ownerUserID string) (bool, error) {
	return utils.AcquireSlot(ctx, g.rdb, activeKey(ownerUserID), g.limit, g.ttl)
}

func (g *RedisGate) Release(ctx context.Context, ownerUserID string) error {
	return utils.ReleaseSlot(ctx, g.rdb, activeKey(ownerUserID))
}
