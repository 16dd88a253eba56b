package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/repository"
	"subscription-commerce/internal/infra/metrics"
	red "subscription-commerce/internal/infra/redis"
)

var _ repository.ProductRepository = (*productRepoCacheDecorator)(nil)

// productRepoCacheDecorator serves catalog reads from Redis. Reads inside a
// transaction and all writes go to the inner repository; writes drop the
// cached entry.
type productRepoCacheDecorator struct {
	inner repository.ProductRepository
	cache red.RedisClient
	ttl   time.Duration
	log   *zerolog.Logger
}

func NewProductRepoCacheDecorator(inner repository.ProductRepository, cache red.RedisClient, ttl time.Duration, logger *zerolog.Logger) repository.ProductRepository {
	if ttl <= 0 {
		ttl = time.Hour
	}
	l := logger.With().Str("component", "ProductCache").Logger()
	return &productRepoCacheDecorator{inner: inner, cache: cache, ttl: ttl, log: &l}
}

func productKey(id int64) string { return fmt.Sprintf("product:%d", id) }

func (d *productRepoCacheDecorator) FindByID(ctx context.Context, tx repository.Tx, id int64) (*model.Product, error) {
	if tx != nil {
		return d.inner.FindByID(ctx, tx, id)
	}
	key := productKey(id)
	val, err := d.cache.Get(ctx, key)
	if err == nil {
		var p model.Product
		if json.Unmarshal([]byte(val), &p) == nil {
			metrics.IncCacheRequest("product", "hit")
			return &p, nil
		}
	} else if !errors.Is(err, red.Nil) {
		metrics.IncCacheRequest("product", "error")
		d.log.Warn().Err(err).Int64("product_id", id).Msg("product cache read failed")
	}

	metrics.IncCacheRequest("product", "miss")
	p, err := d.inner.FindByID(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if b, err := json.Marshal(p); err == nil {
		if err := d.cache.Set(ctx, key, b, d.ttl); err != nil {
			d.log.Warn().Err(err).Int64("product_id", id).Msg("product cache write failed")
		}
	}
	return p, nil
}

func (d *productRepoCacheDecorator) Save(ctx context.Context, tx repository.Tx, p *model.Product) error {
	if err := d.inner.Save(ctx, tx, p); err != nil {
		return err
	}
	d.invalidate(ctx, p.ID)
	return nil
}

func (d *productRepoCacheDecorator) DecrementStock(ctx context.Context, tx repository.Tx, id int64) (bool, error) {
	ok, err := d.inner.DecrementStock(ctx, tx, id)
	if err == nil && ok {
		d.invalidate(ctx, id)
	}
	return ok, err
}

func (d *productRepoCacheDecorator) invalidate(ctx context.Context, id int64) {
	if err := d.cache.Del(ctx, productKey(id)); err != nil {
		d.log.Warn().Err(err).Int64("product_id", id).Msg("product cache invalidation failed")
	}
}
