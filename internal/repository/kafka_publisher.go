package repository

import (
	"context"

	"kitchenpulse/internal/domain/models"
	"kitchenpulse/internal/domain/repository"
	pkgkafka "kitchenpulse/pkg/kafka"
)

// BatchPublisher is the part of pkg/kafka.Producer the publisher uses.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, topic string, messages []pkgkafka.Message) error
	Close() error
}

// KafkaPublisher publishes estimate and rush changes for dispatch consumers.
// Estimates are keyed by order id and rush indexes by restaurant id so each
// key stays ordered within its partition.
type KafkaPublisher struct {
	producer       BatchPublisher
	estimatesTopic string
	rushTopic      string
}

func NewKafkaPublisher(producer BatchPublisher, estimatesTopic, rushTopic string) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, estimatesTopic: estimatesTopic, rushTopic: rushTopic}
}

func (p *KafkaPublisher) PublishEstimates(ctx context.Context, est []models.OrderEstimate) error {
	if len(est) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(est))
	for _, e := range est {
		msgs = append(msgs, pkgkafka.Message{Key: []byte(e.OrderID), Value: e})
	}
	return p.producer.PublishBatch(ctx, p.estimatesTopic, msgs)
}

func (p *KafkaPublisher) PublishRushIndexes(ctx context.Context, idx []models.RushIndex) error {
	if len(idx) == 0 {
		return nil
	}
	msgs := make([]pkgkafka.Message, 0, len(idx))
	for _, r := range idx {
		msgs = append(msgs, pkgkafka.Message{Key: []byte(r.RestaurantID), Value: r})
	}
	return p.producer.PublishBatch(ctx, p.rushTopic, msgs)
}

func (p *KafkaPublisher) Close() error { return p.producer.Close() }

var _ repository.EventPublisher = (*KafkaPublisher)(nil)
