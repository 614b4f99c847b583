package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
)

type offsetClient interface {
	GetOffset(topic string, partition int32, time int64) (int64, error)
	Partitions(topic string) ([]int32, error)
	Close() error
}

type partitionConsumer interface {
	Messages() <-chan *sarama.ConsumerMessage
	Errors() <-chan *sarama.ConsumerError
	Close() error
}

type partitionSource interface {
	ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error)
	Close() error
}

// saramaSource сужает sarama.PartitionConsumer до partitionConsumer.
type saramaSource struct {
	consumer sarama.Consumer
}

func (s saramaSource) ConsumePartition(topic string, partition int32, offset int64) (partitionConsumer, error) {
	return s.consumer.ConsumePartition(topic, partition, offset)
}

func (s saramaSource) Close() error { return s.consumer.Close() }

type tally struct {
	scanned  int
	replayed int
	skipped  int
}

func (t *tally) merge(other tally) {
	t.scanned += other.scanned
	t.replayed += other.replayed
	t.skipped += other.skipped
}

type replayer struct {
	cfg      config
	offsets  offsetClient
	source   partitionSource
	producer *kafka.Producer
	logger   *log.Entry
}

// run обходит партиции по возрастанию номера, пока не исчерпан общий лимит.
func (r *replayer) run(ctx context.Context) (tally, error) {
	var total tally
	if r.offsets == nil || r.source == nil {
		return total, errors.New("kafka client and consumer are required")
	}
	if r.cfg.execute && r.producer == nil {
		return total, errors.New("producer is required in execute mode")
	}
	if r.logger == nil {
		r.logger = log.WithField("component", "dlq-reprocess")
	}

	partitions, err := r.offsets.Partitions(r.cfg.sourceTopic)
	if err != nil {
		return total, fmt.Errorf("list partitions of %s: %w", r.cfg.sourceTopic, err)
	}
	if len(partitions) == 0 {
		r.logger.Warn("source topic has no partitions")
		return total, nil
	}
	slices.Sort(partitions)

	for _, partition := range partitions {
		budget := r.cfg.limit - total.scanned
		if budget <= 0 {
			break
		}
		part, err := r.drain(ctx, partition, budget)
		total.merge(part)
		if err != nil {
			return total, err
		}
	}
	return total, nil
}

// drain читает партицию от начала окна до high watermark, зафиксированного на старте.
// Чтение прекращается по исчерпанию budget или после idleTimeout тишины.
func (r *replayer) drain(ctx context.Context, partition int32, budget int) (tally, error) {
	var part tally
	if budget <= 0 {
		return part, nil
	}

	oldest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetOldest)
	if err != nil {
		return part, fmt.Errorf("oldest offset of partition %d: %w", partition, err)
	}
	newest, err := r.offsets.GetOffset(r.cfg.sourceTopic, partition, sarama.OffsetNewest)
	if err != nil {
		return part, fmt.Errorf("newest offset of partition %d: %w", partition, err)
	}
	if newest <= oldest {
		return part, nil
	}

	pc, err := r.source.ConsumePartition(r.cfg.sourceTopic, partition, startOffset(oldest, newest, budget, r.cfg.fromNewest))
	if err != nil {
		return part, fmt.Errorf("consume partition %d: %w", partition, err)
	}
	defer func() { _ = pc.Close() }()

	idle := time.NewTimer(r.cfg.idleTimeout)
	defer idle.Stop()
	errs := pc.Errors()

	for part.scanned < budget {
		select {
		case <-ctx.Done():
			return part, ctx.Err()
		case <-idle.C:
			return part, nil
		case consumeErr, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			if consumeErr != nil {
				return part, fmt.Errorf("partition %d: %w", partition, consumeErr)
			}
		case msg, ok := <-pc.Messages():
			if !ok || msg == nil || msg.Offset >= newest {
				return part, nil
			}
			idle.Reset(r.cfg.idleTimeout)

			part.scanned++
			replayed, err := r.handle(msg)
			if err != nil {
				return part, err
			}
			if replayed {
				part.replayed++
			} else {
				part.skipped++
			}
			if msg.Offset+1 >= newest {
				return part, nil
			}
		}
	}
	return part, nil
}

// startOffset при fromNewest отступает от конца на budget сообщений, не выходя за oldest.
func startOffset(oldest, newest int64, budget int, fromNewest bool) int64 {
	if !fromNewest {
		return oldest
	}
	return max(oldest, newest-int64(budget))
}

// handle возвращает true, если сообщение переотправлено (или было бы переотправлено в dry-run).
// Нераспознанные и отфильтрованные сообщения пропускаются без ошибки.
func (r *replayer) handle(msg *sarama.ConsumerMessage) (bool, error) {
	logger := r.logger.WithFields(log.Fields{"partition": msg.Partition, "offset": msg.Offset})

	target, err := decodeDeadLetter(msg.Value)
	if err != nil {
		logger.WithError(err).Warn("skip unsupported dlq message")
		return false, nil
	}
	if r.cfg.eventType != "" && target.eventType != r.cfg.eventType {
		return false, nil
	}
	if target.permanent && !r.cfg.includePermanent {
		logger.Info("skip permanent dlq message")
		return false, nil
	}
	if r.cfg.targetTopic != "" {
		target.topic = r.cfg.targetTopic
	}

	logger = logger.WithFields(log.Fields{"target_topic": target.topic, "key": target.key, "event_type": target.eventType})
	if !r.cfg.execute {
		logger.Info("dlq replay candidate")
		return true, nil
	}
	if err := publish(r.producer, target); err != nil {
		return false, fmt.Errorf("publish replay message: %w", err)
	}
	logger.Debug("dlq message replayed")
	return true, nil
}

// publish не переносит x-retry-count: consumer начинает бюджет попыток заново.
func publish(producer *kafka.Producer, target replayTarget) error {
	if producer == nil {
		return errors.New("producer is nil")
	}
	var headers []sarama.RecordHeader
	if target.eventType != "" {
		headers = append(headers, sarama.RecordHeader{Key: []byte(kafka.HeaderEventType), Value: []byte(target.eventType)})
	}
	return producer.PublishRaw(target.topic, target.key, target.value, headers...)
}
