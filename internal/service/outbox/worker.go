package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

const (
	defaultPollInterval   = 1 * time.Second
	defaultBatchSize      = 100
	defaultMaxAttempts    = 3
	defaultRetryBaseDelay = 50 * time.Millisecond
	maxRetryDelay         = 5 * time.Second
)

// DeadLetter — тело сообщения, которое уходит в DLQ, когда событие не удалось опубликовать.
// Исходное событие лежит в Payload без изменений, поэтому его можно переиграть.
type DeadLetter struct {
	OutboxID       string          `json:"outbox_id"`
	AggregateType  string          `json:"aggregate_type"`
	AggregateID    string          `json:"aggregate_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	PublishError   string          `json:"publish_error"`
	DLQPublishedAt string          `json:"dlq_published_at"`
}

// Result — итог одного polling-цикла.
type Result struct {
	Sent         int
	DeadLettered int
	Failed       int
}

type config struct {
	logger         *log.Entry
	metrics        *metrics.OutboxMetrics
	dlqPublisher   domain.OutboxPublisher
	pollInterval   time.Duration
	batchSize      int
	maxAttempts    int
	retryBaseDelay time.Duration
}

// Option настраивает Worker.
type Option func(*config)

// WithLogger задаёт logger для воркера.
func WithLogger(logger *log.Entry) Option {
	return func(c *config) {
		c.logger = logger
	}
}

// WithMetrics подключает метрики публикации.
func WithMetrics(m *metrics.OutboxMetrics) Option {
	return func(c *config) {
		c.metrics = m
	}
}

// WithDLQPublisher задаёт publisher для событий, исчерпавших попытки.
func WithDLQPublisher(publisher domain.OutboxPublisher) Option {
	return func(c *config) {
		c.dlqPublisher = publisher
	}
}

// WithPollInterval задаёт частоту опроса outbox.
func WithPollInterval(interval time.Duration) Option {
	return func(c *config) {
		if interval > 0 {
			c.pollInterval = interval
		}
	}
}

// WithBatchSize задаёт размер батча.
func WithBatchSize(batchSize int) Option {
	return func(c *config) {
		if batchSize > 0 {
			c.batchSize = batchSize
		}
	}
}

// WithMaxAttempts задаёт число попыток публикации одного события.
func WithMaxAttempts(maxAttempts int) Option {
	return func(c *config) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
	}
}

// WithRetryBaseDelay задаёт первую паузу между попытками; дальше пауза удваивается.
func WithRetryBaseDelay(delay time.Duration) Option {
	return func(c *config) {
		if delay < 0 {
			delay = 0
		}
		c.retryBaseDelay = delay
	}
}

// Worker переносит события заказов и InventoryAdjustmentFailed из outbox в брокер.
type Worker struct {
	repo      domain.OutboxRepository
	publisher domain.OutboxPublisher
	cfg       config
}

// NewWorker создаёт outbox worker.
func NewWorker(repo domain.OutboxRepository, publisher domain.OutboxPublisher, options ...Option) *Worker {
	cfg := config{
		pollInterval:   defaultPollInterval,
		batchSize:      defaultBatchSize,
		maxAttempts:    defaultMaxAttempts,
		retryBaseDelay: defaultRetryBaseDelay,
	}
	for _, option := range options {
		option(&cfg)
	}
	if cfg.logger == nil {
		cfg.logger = log.WithField("component", "outbox-worker")
	}

	return &Worker{repo: repo, publisher: publisher, cfg: cfg}
}

// Run публикует outbox каждые pollInterval до отмены ctx.
func (w *Worker) Run(ctx context.Context) {
	if w.repo == nil || w.publisher == nil {
		w.cfg.logger.Warn("outbox worker is disabled: repo or publisher is nil")
		return
	}

	ticker := time.NewTicker(w.cfg.pollInterval)
	defer ticker.Stop()

	for {
		w.ProcessOnce(ctx)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// ProcessOnce публикует один батч pending-сообщений.
// Сообщение, прерванное остановкой воркера, остаётся pending и уйдёт в следующем запуске.
func (w *Worker) ProcessOnce(ctx context.Context) Result {
	var result Result
	if ctx.Err() != nil {
		return result
	}

	start := time.Now()
	defer func() {
		w.cfg.metrics.RecordBatch(time.Since(start))
		w.refreshBacklog(ctx)
	}()

	batch, err := w.repo.PullPending(ctx, w.cfg.batchSize)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to pull pending outbox messages")
		return result
	}

	for _, msg := range batch {
		publishErr := w.publish(ctx, msg)
		if ctx.Err() != nil {
			return result
		}

		if publishErr == nil {
			result.Sent++
			if err := w.repo.MarkSent(ctx, msg.ID); err != nil {
				w.cfg.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to mark outbox message as sent")
			}
			continue
		}

		entry := w.cfg.logger.WithError(publishErr).WithFields(log.Fields{
			"outbox_id":    msg.ID,
			"aggregate":    msg.AggregateType,
			"aggregate_id": msg.AggregateID,
			"event_type":   msg.EventType,
		})
		entry.Error("outbox message was not published")

		result.Failed++
		if w.deadLetter(ctx, msg, publishErr) {
			result.DeadLettered++
		}
		if err := w.repo.MarkFailed(ctx, msg.ID); err != nil {
			entry.WithField("mark_error", err.Error()).Warn("failed to mark outbox message as failed")
		}
	}

	return result
}

func (w *Worker) publish(ctx context.Context, msg domain.OutboxMessage) error {
	var err error
	for attempt := 1; attempt <= w.cfg.maxAttempts; attempt++ {
		if err = w.publisher.Publish(ctx, msg); err == nil {
			w.cfg.metrics.RecordPublish(msg.AggregateType, "sent")
			return nil
		}
		w.cfg.metrics.RecordPublish(msg.AggregateType, "error")

		if attempt == w.cfg.maxAttempts {
			break
		}
		if delay := w.backoff(attempt); delay > 0 {
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}

	return fmt.Errorf("publish %s after %d attempts: %w", msg.EventType, w.cfg.maxAttempts, err)
}

// backoff: base, 2*base, 4*base ... не больше maxRetryDelay.
func (w *Worker) backoff(attempt int) time.Duration {
	delay := w.cfg.retryBaseDelay
	for i := 1; i < attempt && delay > 0 && delay < maxRetryDelay; i++ {
		delay *= 2
	}
	if delay > maxRetryDelay {
		return maxRetryDelay
	}
	return delay
}

// deadLetter отправляет событие в DLQ и сообщает, получилось ли.
func (w *Worker) deadLetter(ctx context.Context, msg domain.OutboxMessage, publishErr error) bool {
	if w.cfg.dlqPublisher == nil {
		return false
	}

	body, err := json.Marshal(DeadLetter{
		OutboxID:       msg.ID,
		AggregateType:  msg.AggregateType,
		AggregateID:    msg.AggregateID,
		EventType:      msg.EventType,
		Payload:        json.RawMessage(msg.Payload),
		PublishError:   publishErr.Error(),
		DLQPublishedAt: time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		w.cfg.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to encode dead letter")
		return false
	}

	letter := msg
	letter.Payload = body
	if err := w.cfg.dlqPublisher.Publish(ctx, letter); err != nil {
		w.cfg.metrics.RecordPublish(msg.AggregateType, "dlq_failed")
		w.cfg.logger.WithError(err).WithField("outbox_id", msg.ID).Warn("failed to publish dead letter")
		return false
	}

	w.cfg.metrics.RecordDeadLetter(msg.EventType)
	return true
}

func (w *Worker) refreshBacklog(ctx context.Context) {
	if w.cfg.metrics == nil || ctx.Err() != nil {
		return
	}

	stats, err := w.repo.Stats(ctx)
	if err != nil {
		w.cfg.logger.WithError(err).Warn("failed to collect outbox backlog stats")
		return
	}

	var age time.Duration
	if stats.PendingCount > 0 && !stats.OldestPendingAt.IsZero() {
		age = time.Since(stats.OldestPendingAt)
	}
	w.cfg.metrics.SetBacklog(stats.PendingCount, age)
}
