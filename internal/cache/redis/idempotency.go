package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/alanyoungcy/titanhub/internal/domain"
)

// IdempotencyStore implements domain.IdempotencyStore with SET NX keys, so a
// signal id processed by one hub instance is seen by every other.
type IdempotencyStore struct {
	rdb *redis.Client
}

// NewIdempotencyStore creates an IdempotencyStore backed by the given Client.
func NewIdempotencyStore(c *Client) *IdempotencyStore {
	return &IdempotencyStore{rdb: c.Underlying()}
}

func idempotencyKey(key string) string {
	return keyPrefix + "idem:" + key
}

// Claim records key for ttl. It returns false if the key was already claimed.
func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, idempotencyKey(key), time.Now().UnixMilli(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis: claim %s: %w", key, err)
	}
	return ok, nil
}

// Seen reports whether key has been claimed and not yet expired.
func (s *IdempotencyStore) Seen(ctx context.Context, key string) (bool, error) {
	n, err := s.rdb.Exists(ctx, idempotencyKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: seen %s: %w", key, err)
	}
	return n > 0, nil
}

var _ domain.IdempotencyStore = (*IdempotencyStore)(nil)
