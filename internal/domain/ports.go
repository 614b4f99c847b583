package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID int64) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	CreateProcessing(ctx context.Context, key, requestHash string, ttlAt time.Time) (IdempotencyRecord, error)
	Get(ctx context.Context, key string) (IdempotencyRecord, error)
	MarkDone(ctx context.Context, key string, responseBody []byte) error
	MarkFailed(ctx context.Context, key string, responseBody []byte) error
	// Release удаляет ключ, пока он в processing, чтобы запрос можно было повторить.
	Release(ctx context.Context, key string) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
	// ReleaseStale удаляет записи, зависшие в processing с updatedBefore и раньше,
	// чтобы повтор запроса с тем же ключом мог выполниться заново.
	ReleaseStale(ctx context.Context, updatedBefore time.Time, limit int) (int, error)
}

// Агрегаты, к которым относятся события outbox.
const (
	AggregateOrder     = "order"
	AggregateInventory = "inventory"
)

// Типы событий outbox и timeline.
const (
	EventOrderCreated              = "OrderCreated"
	EventOrderStatusChanged        = "OrderStatusChanged"
	EventInventoryAdjustmentFailed = "InventoryAdjustmentFailed"
	EventStockReconciled           = "StockReconciled"
	EventStockReconciliationFailed = "StockReconciliationFailed"
)

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// Validate проверяет поля, по которым сообщение маршрутизируется в Kafka.
func (m OutboxMessage) Validate() error {
	if m.AggregateType == "" {
		return NewValidationError("aggregateType", "outbox message aggregate type is required")
	}
	if m.EventType == "" {
		return NewValidationError("eventType", "outbox message event type is required")
	}
	return nil
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// OrderCreatedPayload — тело события OrderCreated.
type OrderCreatedPayload struct {
	OrderID     int64  `json:"order_id"`
	CustomerID  int64  `json:"customer_id"`
	Status      string `json:"status"`
	TotalAmount string `json:"total_amount"`
	ItemsCount  int    `json:"items_count"`
	CreatedAt   string `json:"ts"`
}

// OrderStatusChangedPayload — тело события OrderStatusChanged.
type OrderStatusChangedPayload struct {
	OrderID        int64  `json:"order_id"`
	PreviousStatus string `json:"previous_status"`
	Status         string `json:"status"`
	ChangedAt      string `json:"ts"`
}

// StockAdjustmentFailedPayload — тело события InventoryAdjustmentFailed.
type StockAdjustmentFailedPayload struct {
	OrderID   int64  `json:"order_id"`
	ProductID int64  `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Operation string `json:"operation"`
	Reason    string `json:"reason"`
	FailedAt  string `json:"failed_at"`
}

// ProcessedEvent — отметка об обработанном событии Kafka (дедупликация по id outbox).
type ProcessedEvent struct {
	ID          string    `json:"id"`
	EventType   string    `json:"event_type"`
	Outcome     string    `json:"outcome"`
	ProcessedAt time.Time `json:"processed_at"`
}

// ProcessedEventStore запоминает уже обработанные события консьюмеров.
type ProcessedEventStore interface {
	Get(ctx context.Context, id string) (ProcessedEvent, bool, error)
	MarkProcessed(ctx context.Context, event ProcessedEvent) error
}
