package kafka

import (
	"context"
	"errors"

	"github.com/IBM/sarama"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

var errPublisherNotReady = errors.New("kafka outbox publisher has no producer")

// OutboxTopicPublisher отправляет сообщения outbox в Kafka в виде Envelope.
type OutboxTopicPublisher struct {
	producer *Producer
	// topic фиксирует topic для всех сообщений; пустой — маршрутизация через TopicFor.
	topic string
}

// NewOutboxPublisher создаёт публикатор для outbox.Worker.
func NewOutboxPublisher(producer *Producer, topic string) domain.OutboxPublisher {
	return &OutboxTopicPublisher{producer: producer, topic: topic}
}

// Publish отправляет сообщение. Ключ — id агрегата, поэтому события одного заказа не переупорядочиваются.
func (p *OutboxTopicPublisher) Publish(ctx context.Context, event domain.OutboxMessage) error {
	if p == nil || p.producer == nil {
		return errPublisherNotReady
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	return p.producer.PublishEvent(p.topicFor(event), partitionKey(event), NewEnvelope(event),
		sarama.RecordHeader{Key: []byte(HeaderEventType), Value: []byte(event.EventType)},
		sarama.RecordHeader{Key: []byte(HeaderMessageID), Value: []byte(event.ID)},
	)
}

func (p *OutboxTopicPublisher) topicFor(event domain.OutboxMessage) string {
	if p.topic != "" {
		return p.topic
	}
	return TopicFor(event.AggregateType)
}

func partitionKey(event domain.OutboxMessage) string {
	if event.AggregateID != "" {
		return event.AggregateID
	}
	return event.ID
}

var _ domain.OutboxPublisher = (*OutboxTopicPublisher)(nil)
