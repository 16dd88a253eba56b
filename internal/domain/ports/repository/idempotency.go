package repository

import (
	"context"
	"time"
)

// IdempotencyStore remembers keys (webhook delivery ids) for a while.
type IdempotencyStore interface {
	// Claim returns true if the key was not seen within ttl and is now held.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	// Release forgets a claimed key so a retried delivery is processed again.
	Release(ctx context.Context, key string) error
}
