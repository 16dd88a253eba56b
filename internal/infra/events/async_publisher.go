package events

import (
	"context"
	"time"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
	"subscription-commerce/internal/infra/metrics"
	"subscription-commerce/internal/infra/worker"
)

var _ adapter.EventPublisher = (*AsyncPublisher)(nil)

// AsyncPublisher moves broker writes off the request path. Publish only
// fails when the queue is full or closed; write errors are logged by the pool.
type AsyncPublisher struct {
	inner   adapter.EventPublisher
	pool    *worker.Pool
	timeout time.Duration
}

func NewAsyncPublisher(inner adapter.EventPublisher, pool *worker.Pool, timeout time.Duration) *AsyncPublisher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &AsyncPublisher{inner: inner, pool: pool, timeout: timeout}
}

func (p *AsyncPublisher) Publish(_ context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	batch := append([]model.Event(nil), events...)
	err := p.pool.Submit(func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, p.timeout)
		defer cancel()
		if err := p.inner.Publish(ctx, batch...); err != nil {
			metrics.AddEventsPublished("error", len(batch))
			return err
		}
		metrics.AddEventsPublished("ok", len(batch))
		return nil
	})
	if err != nil {
		metrics.AddEventsPublished("dropped", len(batch))
	}
	return err
}
