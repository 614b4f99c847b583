package kafka

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"
)

const defaultClientID = "storefront"

// ErrProducerClosed возвращается при публикации после Close.
var ErrProducerClosed = errors.New("kafka producer is closed")

// ProducerOption настраивает Producer.
type ProducerOption func(*producerOptions)

type producerOptions struct {
	clientID string
	logger   *log.Entry
}

// WithClientID задаёт client.id, под которым producer виден брокеру.
func WithClientID(clientID string) ProducerOption {
	return func(o *producerOptions) {
		if clientID != "" {
			o.clientID = clientID
		}
	}
}

// WithProducerLogger задаёт logger producer'а.
func WithProducerLogger(logger *log.Entry) ProducerOption {
	return func(o *producerOptions) {
		o.logger = logger
	}
}

// Producer синхронно публикует события storefront: вызов возвращается после подтверждения всех реплик.
// Ключом сообщения служит id агрегата, поэтому события одного заказа попадают в одну партицию по порядку.
type Producer struct {
	sp     sarama.SyncProducer
	logger *log.Entry

	mu     sync.RWMutex
	closed bool
}

// NewProducer подключается к брокерам.
func NewProducer(brokers []string, options ...ProducerOption) (*Producer, error) {
	opts := producerOptions{clientID: defaultClientID}
	for _, option := range options {
		option(&opts)
	}

	config := sarama.NewConfig()
	config.ClientID = opts.clientID
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Producer.Partitioner = sarama.NewHashPartitioner
	config.Producer.Retry.Max = 5
	config.Producer.Return.Successes = true
	config.Producer.Compression = sarama.CompressionSnappy
	// Идемпотентный producer требует одного in-flight запроса на соединение.
	config.Producer.Idempotent = true
	config.Net.MaxOpenRequests = 1

	sp, err := sarama.NewSyncProducer(brokers, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return NewProducerFromSync(sp, opts.logger), nil
}

// NewProducerFromSync оборачивает готовый sarama.SyncProducer (в тестах mocks.SyncProducer).
func NewProducerFromSync(sp sarama.SyncProducer, logger *log.Entry) *Producer {
	if logger == nil {
		logger = log.WithField("component", "kafka-producer")
	}
	return &Producer{sp: sp, logger: logger}
}

// PublishEvent кодирует event в JSON и публикует его.
func (p *Producer) PublishEvent(topic string, key string, event interface{}, headers ...sarama.RecordHeader) error {
	value, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return p.PublishRaw(topic, key, value, headers...)
}

// PublishRaw публикует уже закодированное значение как есть.
func (p *Producer) PublishRaw(topic string, key string, value []byte, headers ...sarama.RecordHeader) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrProducerClosed
	}

	msg := &sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(value),
		Headers:   headers,
		Timestamp: time.Now(),
	}

	partition, offset, err := p.sp.SendMessage(msg)
	fields := log.Fields{"topic": topic, "key": key}
	if err != nil {
		p.logger.WithError(err).WithFields(fields).Error("failed to send message to kafka")
		return fmt.Errorf("failed to send message to %s: %w", topic, err)
	}

	fields["partition"] = partition
	fields["offset"] = offset
	p.logger.WithFields(fields).Debug("message sent to kafka")
	return nil
}

// Close закрывает producer. Повторный вызов ничего не делает.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.sp.Close(); err != nil {
		return fmt.Errorf("failed to close kafka producer: %w", err)
	}
	return nil
}
