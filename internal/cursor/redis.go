package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore persists watermarks in a shared key-value store. Deployments
// running several admin instances behind one feed server use this so the
// watermark survives instance churn.
type RedisStore struct {
	cli *redis.Client
	ttl time.Duration
}

// NewRedisStore wraps a configured redis client. A zero ttl keeps watermarks
// forever.
func NewRedisStore(cli *redis.Client, ttl time.Duration) *RedisStore {
	return &RedisStore{cli: cli, ttl: ttl}
}

// Load returns the persisted watermark for the channel.
func (s *RedisStore) Load(ctx context.Context, channel string) (time.Time, bool, error) {
	value, err := s.cli.Get(ctx, Key(channel)).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	mark, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("cursor: corrupt watermark for %s: %w", channel, err)
	}
	return mark, true, nil
}

// Save writes the watermark for the channel.
func (s *RedisStore) Save(ctx context.Context, channel string, mark time.Time) error {
	return s.cli.Set(ctx, Key(channel), mark.UTC().Format(time.RFC3339Nano), s.ttl).Err()
}
