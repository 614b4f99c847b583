package domain

import (
	"strings"
	"time"
)

// TimelineEvent — запись в истории заказа.
// Type совпадает с типом события outbox (OrderCreated, OrderStatusChanged)
// либо фиксирует сбой и сверку стока.
type TimelineEvent struct {
	OrderID  int64
	Type     string
	Reason   string
	Occurred time.Time
}

// Validate проверяет, что запись привязана к заказу и имеет тип.
func (e TimelineEvent) Validate() error {
	if e.OrderID <= 0 {
		return NewValidationError("orderId", "timeline event must reference an order")
	}
	if strings.TrimSpace(e.Type) == "" {
		return NewValidationError("type", "timeline event type is required")
	}
	return nil
}

// Stamped возвращает копию записи; пустое Occurred заменяется на now в UTC.
func (e TimelineEvent) Stamped(now time.Time) TimelineEvent {
	if e.Occurred.IsZero() {
		e.Occurred = now.UTC()
	}
	return e
}
