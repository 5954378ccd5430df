package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"chat-engine/internal/core/ports"
)

var _ ports.DedupRepository = (*RedisRepository)(nil)

const dedupKeyPrefix = "dedup:msg:"

// RedisRepository caches processed inbound event keys so repeated webhook
// deliveries are answered without touching MariaDB. The inbound unique key
// stays authoritative when the cache is empty or down.
type RedisRepository struct {
	rdb    redis.Cmdable
	prefix string
}

// NewRedisRepository wraps a connected client
func NewRedisRepository(rdb redis.Cmdable) *RedisRepository {
	return &RedisRepository{rdb: rdb, prefix: dedupKeyPrefix}
}

// IsDuplicate reports whether eventID ("<instance id>:<provider message id>")
// was marked and has not expired yet
func (r *RedisRepository) IsDuplicate(ctx context.Context, eventID string) (bool, error) {
	_, err := r.rdb.Get(ctx, r.prefix+eventID).Result()
	switch {
	case errors.Is(err, redis.Nil):
		return false, nil
	case err != nil:
		return false, fmt.Errorf("redis get %s: %w", eventID, err)
	}
	return true, nil
}

// MarkProcessed stores eventID for ttl. An existing mark keeps its first
// timestamp and TTL.
func (r *RedisRepository) MarkProcessed(ctx context.Context, eventID string, ttl time.Duration) error {
	if err := r.rdb.SetNX(ctx, r.prefix+eventID, time.Now().UTC().Format(time.RFC3339), ttl).Err(); err != nil {
		return fmt.Errorf("redis setnx %s: %w", eventID, err)
	}
	return nil
}

// Ping reports whether Redis is reachable
func (r *RedisRepository) Ping(ctx context.Context) error {
	return r.rdb.Ping(ctx).Err()
}
