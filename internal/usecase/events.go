package usecase

import (
	"context"

	"github.com/rs/zerolog"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
)

type noopPublisher struct{}

func (noopPublisher) Publish(context.Context, ...model.Event) error { return nil }

func publisherOrNoop(p adapter.EventPublisher) adapter.EventPublisher {
	if p == nil {
		return noopPublisher{}
	}
	return p
}

// publish is called after commit; a failure is logged and otherwise ignored.
func publish(ctx context.Context, log *zerolog.Logger, p adapter.EventPublisher, events ...model.Event) {
	if len(events) == 0 {
		return
	}
	if err := p.Publish(ctx, events...); err != nil {
		log.Warn().Err(err).Int("count", len(events)).Str("type", string(events[0].Type)).Msg("event publish failed")
	}
}
