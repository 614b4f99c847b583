// Package reconcile догоняет списания стока, которые не удалось выполнить при создании заказа.
package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/IBM/sarama"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
)

// Outcome — итог обработки события.
type Outcome string

const (
	// OutcomeReconciled — сток списан повторно.
	OutcomeReconciled Outcome = "reconciled"
	// OutcomeRejected — списание отклонено бизнес-правилом (нет стока, товар удалён).
	OutcomeRejected Outcome = "rejected"
	// OutcomeDuplicate — событие уже обрабатывалось.
	OutcomeDuplicate Outcome = "duplicate"
	// OutcomeIgnored — событие другого типа.
	OutcomeIgnored Outcome = "ignored"
)

// Handler обрабатывает события InventoryAdjustmentFailed.
type Handler struct {
	ledger    *inventory.Ledger
	processed domain.ProcessedEventStore
	timeline  domain.TimelineRepository
	metrics   *metrics.OrderMetrics
	logger    *log.Entry
	now       func() time.Time
}

// Option настраивает Handler.
type Option func(*Handler)

// WithMetrics подключает метрики reconciliation.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(h *Handler) {
		h.metrics = m
	}
}

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler создаёт обработчик. timeline может быть nil.
func NewHandler(ledger *inventory.Ledger, processed domain.ProcessedEventStore, timeline domain.TimelineRepository, options ...Option) *Handler {
	h := &Handler{
		ledger:    ledger,
		processed: processed,
		timeline:  timeline,
		logger:    log.WithField("component", "stock-reconciler"),
		now:       time.Now,
	}
	for _, option := range options {
		option(h)
	}
	return h
}

// HandleMessage реализует kafka.MessageHandler.
// Сбои инфраструктуры возвращаются как есть, чтобы consumer повторил обработку.
// Нечитаемое сообщение помечается kafka.Permanent и уходит в DLQ без повторов.
func (h *Handler) HandleMessage(ctx context.Context, message *sarama.ConsumerMessage) error {
	envelope, err := kafka.ParseEnvelope(message)
	if err != nil {
		return kafka.Permanent(err)
	}
	_, err = h.Reconcile(ctx, *envelope)
	return err
}

// Reconcile применяет одно событие outbox.
func (h *Handler) Reconcile(ctx context.Context, envelope kafka.Envelope) (Outcome, error) {
	if envelope.EventType != domain.EventInventoryAdjustmentFailed {
		return OutcomeIgnored, nil
	}

	id := strings.TrimSpace(envelope.ID)
	if id == "" {
		return "", kafka.Permanent(errors.New("inventory event without outbox id"))
	}

	if _, seen, err := h.processed.Get(ctx, id); err != nil {
		return "", fmt.Errorf("lookup processed event %s: %w", id, err)
	} else if seen {
		h.metrics.RecordReconciliation(string(OutcomeDuplicate))
		h.logger.WithField("event_id", id).Debug("inventory event already processed")
		return OutcomeDuplicate, nil
	}

	var payload domain.StockAdjustmentFailedPayload
	if err := json.Unmarshal(envelope.Payload, &payload); err != nil {
		return "", kafka.Permanent(fmt.Errorf("decode inventory event %s: %w", id, err))
	}

	direction := inventory.Subtract
	if payload.Operation != "" {
		parsed, err := inventory.ParseDirection(payload.Operation)
		if err != nil {
			return h.reject(ctx, id, payload, err)
		}
		direction = parsed
	}

	product, err := h.ledger.Adjust(ctx, payload.ProductID, payload.Quantity, direction)
	if err != nil {
		if isBusinessError(err) {
			return h.reject(ctx, id, payload, err)
		}
		h.metrics.RecordReconciliation("error")
		return "", fmt.Errorf("reconcile stock for product %d: %w", payload.ProductID, err)
	}

	if err := h.markProcessed(ctx, id, OutcomeReconciled); err != nil {
		return "", err
	}
	h.metrics.RecordReconciliation(string(OutcomeReconciled))

	h.logger.WithFields(log.Fields{
		"event_id":   id,
		"order_id":   payload.OrderID,
		"product_id": payload.ProductID,
		"quantity":   payload.Quantity,
		"stock":      product.StockQuantity,
	}).Info("stock reconciled")

	h.appendTimeline(ctx, payload.OrderID, domain.EventStockReconciled,
		fmt.Sprintf("product %d x%d %s", payload.ProductID, payload.Quantity, direction))

	return OutcomeReconciled, nil
}

func (h *Handler) reject(ctx context.Context, id string, payload domain.StockAdjustmentFailedPayload, cause error) (Outcome, error) {
	if err := h.markProcessed(ctx, id, OutcomeRejected); err != nil {
		return "", err
	}
	h.metrics.RecordReconciliation(string(OutcomeRejected))

	h.logger.WithError(cause).WithFields(log.Fields{
		"event_id":   id,
		"order_id":   payload.OrderID,
		"product_id": payload.ProductID,
		"quantity":   payload.Quantity,
	}).Warn("stock reconciliation rejected")

	h.appendTimeline(ctx, payload.OrderID, domain.EventStockReconciliationFailed,
		fmt.Sprintf("product %d x%d: %v", payload.ProductID, payload.Quantity, cause))

	return OutcomeRejected, nil
}

func (h *Handler) markProcessed(ctx context.Context, id string, outcome Outcome) error {
	err := h.processed.MarkProcessed(ctx, domain.ProcessedEvent{
		ID:          id,
		EventType:   domain.EventInventoryAdjustmentFailed,
		Outcome:     string(outcome),
		ProcessedAt: h.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("mark event %s processed: %w", id, err)
	}
	return nil
}

func (h *Handler) appendTimeline(ctx context.Context, orderID int64, eventType, reason string) {
	if h.timeline == nil || orderID <= 0 {
		return
	}
	err := h.timeline.Append(ctx, domain.TimelineEvent{
		OrderID:  orderID,
		Type:     eventType,
		Reason:   reason,
		Occurred: h.now().UTC(),
	})
	if err != nil {
		h.logger.WithError(err).WithField("order_id", orderID).Warn("failed to append timeline event")
		return
	}
	h.metrics.RecordTimelineEvent()
}

func isBusinessError(err error) bool {
	return domain.IsConflict(err) || domain.IsNotFound(err) || domain.IsValidation(err)
}
