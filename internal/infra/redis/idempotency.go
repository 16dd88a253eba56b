package redis

import (
	"context"
	"time"

	"subscription-commerce/internal/domain/ports/repository"
)

var _ repository.IdempotencyStore = (*IdempotencyStore)(nil)

// IdempotencyStore remembers processed keys with SETNX so replayed webhook
// deliveries are recognized across instances.
type IdempotencyStore struct {
	client RedisClient
	prefix string
}

func NewIdempotencyStore(client RedisClient) *IdempotencyStore {
	return &IdempotencyStore{client: client, prefix: "idem:"}
}

func (s *IdempotencyStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return s.client.SetNX(ctx, s.prefix+key, time.Now().UTC().Format(time.RFC3339), ttl)
}

func (s *IdempotencyStore) Release(ctx context.Context, key string) error {
	return s.client.Del(ctx, s.prefix+key)
}
