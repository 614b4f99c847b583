package app

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/pebble"
)

// initKafkaProducer подключается к брокерам; без брокеров Kafka выключена и producer равен nil.
func initKafkaProducer(brokers []string, logger *log.Entry) (*kafka.Producer, error) {
	if len(brokers) == 0 {
		return nil, nil
	}

	producer, err := kafka.NewProducer(brokers, kafka.WithProducerLogger(logger.WithField("component", "kafka-producer")))
	if err != nil {
		return nil, err
	}

	logger.WithField("brokers", brokers).Info("kafka producer initialized")
	return producer, nil
}

func closeKafkaProducer(producer *kafka.Producer, logger *log.Entry) {
	if producer == nil {
		return
	}

	if err := producer.Close(); err != nil {
		logger.WithError(err).Warn("failed to close kafka producer")
	} else {
		logger.Info("kafka producer closed")
	}
}

// initProcessedStore открывает хранилище обработанных событий сверки.
// Без каталога события запоминаются только в памяти процесса.
func initProcessedStore(dir string, logger *log.Entry) (domain.ProcessedEventStore, func() error, error) {
	if dir == "" {
		logger.Warn("processed store dir is not set, reconciler dedupe is kept in memory")
		return memory.NewProcessedStore(), func() error { return nil }, nil
	}

	store, err := pebble.Open(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("open processed store: %w", err)
	}
	logger.WithField("dir", dir).Info("processed store opened")
	return store, store.Close, nil
}

// stockReconciler — consumer сверки стока вместе с его хранилищем.
type stockReconciler struct {
	consumer       *kafka.Consumer
	closeProcessed func() error
}

// initStockReconciler подписывает обработчик сверки на события склада.
// DLQ пишется через producer, которым публикуется outbox.
func initStockReconciler(cfg Config, ledger *inventory.Ledger, timeline domain.TimelineRepository, orderMetrics *metrics.OrderMetrics, producer *kafka.Producer, logger *log.Entry) (*stockReconciler, error) {
	processed, closeProcessed, err := initProcessedStore(cfg.ProcessedStoreDir, logger)
	if err != nil {
		return nil, err
	}

	handler := reconcile.NewHandler(ledger, processed, timeline,
		reconcile.WithMetrics(orderMetrics),
		reconcile.WithLogger(logger.WithField("component", "stock-reconciler")),
	)

	consumer, err := kafka.NewConsumer(kafka.ConsumerConfig{
		Brokers:    cfg.KafkaBrokers,
		GroupID:    cfg.KafkaConsumerGroup,
		Topics:     []string{kafka.TopicInventoryEvents},
		MaxRetries: cfg.KafkaMaxRetries,
		DLQ:        producer,
		Logger:     logger.WithField("component", "stock-reconciler-consumer"),
	}, handler.HandleMessage)
	if err != nil {
		_ = closeProcessed()
		return nil, fmt.Errorf("create reconciler consumer: %w", err)
	}

	return &stockReconciler{consumer: consumer, closeProcessed: closeProcessed}, nil
}

// stop останавливает consumer и закрывает хранилище обработанных событий.
func (r *stockReconciler) stop(logger *log.Entry) {
	if r == nil {
		return
	}
	if err := r.consumer.Stop(); err != nil {
		logger.WithError(err).Warn("failed to stop reconciler consumer")
	}
	if err := r.closeProcessed(); err != nil {
		logger.WithError(err).Warn("failed to close processed store")
	}
}
