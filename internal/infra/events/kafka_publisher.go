package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"

	"subscription-commerce/internal/domain/model"
	"subscription-commerce/internal/domain/ports/adapter"
)

var _ adapter.EventPublisher = (*KafkaPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes domain events as JSON. Messages are keyed by invoice
// id so every event of one invoice lands on the same partition in order.
type KafkaPublisher struct {
	w   messageWriter
	log *zerolog.Logger
}

func NewKafkaPublisher(brokers []string, topic string, logger *zerolog.Logger) *KafkaPublisher {
	w := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		BatchTimeout: 50 * time.Millisecond,
	}
	return newKafkaPublisher(w, logger)
}

func newKafkaPublisher(w messageWriter, logger *zerolog.Logger) *KafkaPublisher {
	l := logger.With().Str("component", "KafkaPublisher").Logger()
	return &KafkaPublisher{w: w, log: &l}
}

func (p *KafkaPublisher) Publish(ctx context.Context, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(events))
	for _, ev := range events {
		value, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal %s event: %w", ev.Type, err)
		}
		msgs = append(msgs, kafka.Message{
			Key:   []byte(strconv.FormatInt(ev.InvoiceID, 10)),
			Value: value,
			Time:  ev.OccurredAt,
			Headers: []kafka.Header{
				{Key: "x-event-type", Value: []byte(ev.Type)},
				{Key: "x-event-version", Value: []byte("1")},
			},
		})
	}
	if err := p.w.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("write %d events: %w", len(msgs), err)
	}
	p.log.Debug().Int("count", len(msgs)).Msg("events published")
	return nil
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}

// LogPublisher stands in for the broker when none is configured.
type LogPublisher struct {
	log *zerolog.Logger
}

func NewLogPublisher(logger *zerolog.Logger) *LogPublisher {
	l := logger.With().Str("component", "LogPublisher").Logger()
	return &LogPublisher{log: &l}
}

func (p *LogPublisher) Publish(_ context.Context, events ...model.Event) error {
	for _, ev := range events {
		p.log.Info().
			Str("type", string(ev.Type)).
			Int64("invoice_id", ev.InvoiceID).
			Int64("user_id", ev.UserID).
			Msg("event")
	}
	return nil
}
