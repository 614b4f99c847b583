package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
)

var errNotReplayable = errors.New("dlq message has no replayable payload")

// replayTarget — куда и что переотправить.
type replayTarget struct {
	topic     string
	key       string
	eventType string
	value     json.RawMessage
	permanent bool
}

// decodeDeadLetter понимает два формата storefront.dlq:
// kafka.DeadLetter от consumer'а и конверт outbox с outbox.DeadLetter в payload.
func decodeDeadLetter(value []byte) (replayTarget, error) {
	var letter kafka.DeadLetter
	if err := json.Unmarshal(value, &letter); err == nil && letter.OriginalValue != "" {
		return fromConsumerLetter(letter)
	}

	var envelope kafka.Envelope
	if err := json.Unmarshal(value, &envelope); err != nil || len(envelope.Payload) == 0 {
		return replayTarget{}, errNotReplayable
	}
	return fromOutboxLetter(envelope)
}

// fromConsumerLetter возвращает исходное сообщение байт в байт.
// Без original_topic топик выводится из типа агрегата в конверте.
func fromConsumerLetter(letter kafka.DeadLetter) (replayTarget, error) {
	original := json.RawMessage(letter.OriginalValue)
	if !json.Valid(original) {
		return replayTarget{}, fmt.Errorf("original value at %s/%d is not JSON", letter.OriginalTopic, letter.OriginalOffset)
	}

	target := replayTarget{
		topic:     strings.TrimSpace(letter.OriginalTopic),
		key:       letter.OriginalKey,
		value:     original,
		permanent: letter.Permanent,
	}
	var envelope kafka.Envelope
	if json.Unmarshal(original, &envelope) == nil {
		target.eventType = envelope.EventType
		if target.topic == "" {
			target.topic = kafka.TopicFor(envelope.AggregateType)
		}
	}
	if target.topic == "" {
		target.topic = kafka.TopicOrderEvents
	}
	return target, nil
}

// fromOutboxLetter собирает новый конверт из события, которое outbox-воркер не смог опубликовать.
func fromOutboxLetter(envelope kafka.Envelope) (replayTarget, error) {
	var dead outbox.DeadLetter
	if err := json.Unmarshal(envelope.Payload, &dead); err != nil {
		return replayTarget{}, fmt.Errorf("decode outbox dlq payload: %w", err)
	}
	if len(dead.Payload) == 0 {
		return replayTarget{}, errors.New("outbox dlq payload does not contain original event payload")
	}

	rebuilt := kafka.Envelope{
		ID:            coalesce(dead.OutboxID, envelope.ID),
		AggregateType: coalesce(dead.AggregateType, envelope.AggregateType),
		AggregateID:   coalesce(dead.AggregateID, envelope.AggregateID),
		EventType:     coalesce(dead.EventType, envelope.EventType),
		Payload:       dead.Payload,
		PublishedAt:   time.Now().UTC(),
	}
	encoded, err := json.Marshal(rebuilt)
	if err != nil {
		return replayTarget{}, fmt.Errorf("encode replay envelope: %w", err)
	}

	return replayTarget{
		topic:     kafka.TopicFor(rebuilt.AggregateType),
		key:       coalesce(rebuilt.AggregateID, rebuilt.ID),
		eventType: rebuilt.EventType,
		value:     encoded,
	}, nil
}

// coalesce возвращает первое непустое значение.
func coalesce(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return value
		}
	}
	return ""
}
