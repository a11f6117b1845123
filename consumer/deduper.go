package consumer

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const dedupeKeyPrefix = "relay:dedupe:"

// RedisDeduper remembers change events whose notification has already been
// stored, so redeliveries are acknowledged without a second write. A key is
// only written after the store succeeded; a lost or missing key costs a
// duplicate notification, never a dropped one.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
func NewRedisDeduper(client *redis.Client, ttl time.Duration) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl}
}

// Seen reports whether key was marked as stored.
func (r *RedisDeduper) Seen(ctx context.Context, key string) (bool, error) {
	n, err := r.client.Exists(ctx, dedupeKeyPrefix+key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Mark records that the notification for key has been stored.
func (r *RedisDeduper) Mark(ctx context.Context, key string) error {
	return r.client.Set(ctx, dedupeKeyPrefix+key, 1, r.ttl).Err()
}
