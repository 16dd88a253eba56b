package adapter

import (
	"context"

	"subscription-commerce/internal/domain/model"
)

// EventPublisher hands committed domain events to downstream consumers
// (mail and messaging senders).
type EventPublisher interface {
	Publish(ctx context.Context, events ...model.Event) error
}
