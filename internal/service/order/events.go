package order

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Заказ к моменту публикации уже сохранён, поэтому сбои outbox и timeline только логируются.

func (s *Service) orderCreated(ctx context.Context, order domain.Order) {
	s.publish(ctx, domain.AggregateOrder, order.ID, domain.EventOrderCreated, domain.OrderCreatedPayload{
		OrderID:     order.ID,
		CustomerID:  order.CustomerID,
		Status:      string(order.Status),
		TotalAmount: order.TotalAmount.StringFixed(2),
		ItemsCount:  len(order.Items),
		CreatedAt:   order.CreatedAt.Format(time.RFC3339Nano),
	})
	s.record(ctx, order.ID, domain.EventOrderCreated, "", order.CreatedAt)
}

func (s *Service) statusChanged(ctx context.Context, order domain.Order, previous domain.OrderStatus) {
	s.publish(ctx, domain.AggregateOrder, order.ID, domain.EventOrderStatusChanged, domain.OrderStatusChangedPayload{
		OrderID:        order.ID,
		PreviousStatus: string(previous),
		Status:         string(order.Status),
		ChangedAt:      order.UpdatedAt.Format(time.RFC3339Nano),
	})
	s.record(ctx, order.ID, domain.EventOrderStatusChanged,
		fmt.Sprintf("%s -> %s", previous, order.Status), order.UpdatedAt)
}

func (s *Service) stockSyncFailed(ctx context.Context, order domain.Order, payload domain.StockAdjustmentFailedPayload) {
	s.publish(ctx, domain.AggregateInventory, order.ID, domain.EventInventoryAdjustmentFailed, payload)
	s.record(ctx, order.ID, domain.EventInventoryAdjustmentFailed,
		fmt.Sprintf("product %d x%d: %s", payload.ProductID, payload.Quantity, payload.Reason), time.Now())
}

// publish кладёт событие в outbox; id агрегата — id заказа.
func (s *Service) publish(ctx context.Context, aggregate string, orderID int64, eventType string, payload any) {
	if s.outbox == nil {
		return
	}
	fields := log.Fields{"order_id": orderID, "event": eventType}

	data, err := json.Marshal(payload)
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("marshal event failed")
		return
	}

	_, err = s.outbox.Enqueue(ctx, domain.OutboxMessage{
		AggregateType: aggregate,
		AggregateID:   strconv.FormatInt(orderID, 10),
		EventType:     eventType,
		Payload:       data,
	})
	if err != nil {
		s.logger.WithError(err).WithFields(fields).Error("enqueue event failed")
		return
	}
	s.metrics.RecordOutboxEvent()
}

func (s *Service) record(ctx context.Context, orderID int64, eventType, reason string, at time.Time) {
	if s.timeline == nil {
		return
	}
	event := domain.TimelineEvent{OrderID: orderID, Type: eventType, Reason: reason, Occurred: at.UTC()}
	if err := s.timeline.Append(ctx, event); err != nil {
		s.logger.WithError(err).WithFields(log.Fields{"order_id": orderID, "event": eventType}).
			Warn("append timeline event failed")
		return
	}
	s.metrics.RecordTimelineEvent()
}

// Timeline возвращает историю заказа от старых записей к новым.
func (s *Service) Timeline(ctx context.Context, orderID int64) ([]domain.TimelineEvent, error) {
	if _, err := s.orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	if s.timeline == nil {
		return nil, nil
	}
	return s.timeline.List(ctx, orderID)
}
