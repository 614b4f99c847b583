package integration

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/messaging/kafka"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/service/outbox"
	"github.com/vladislavdragonenkov/storefront/internal/service/reconcile"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
	"github.com/vladislavdragonenkov/storefront/internal/storage/pebble"
)

// flakyStock отказывает в первых failures изменениях остатка, как недоступная база.
type flakyStock struct {
	domain.ProductRepository

	mu       sync.Mutex
	failures int
}

func (f *flakyStock) AdjustStock(ctx context.Context, id int64, delta int) (int, error) {
	f.mu.Lock()
	if f.failures > 0 {
		f.failures--
		f.mu.Unlock()
		return 0, errors.New("connection reset by peer")
	}
	f.mu.Unlock()
	return f.ProductRepository.AdjustStock(ctx, id, delta)
}

// OrderLifecycleTestSuite проверяет путь заказа от создания до сверки остатков через Kafka.
type OrderLifecycleTestSuite struct {
	suite.Suite

	ctx       context.Context
	products  *flakyStock
	timeline  domain.TimelineRepository
	outbox    *memory.OutboxRepository
	service   *order.Service
	worker    *outbox.Worker
	sync      *mocks.SyncProducer
	producer  *kafka.Producer
	processed *pebble.ProcessedStore
	handler   *reconcile.Handler

	mu        sync.Mutex
	published []*sarama.ProducerMessage

	widget domain.Product
}

func TestOrderLifecycleTestSuite(t *testing.T) {
	suite.Run(t, new(OrderLifecycleTestSuite))
}

func (s *OrderLifecycleTestSuite) SetupTest() {
	baseLogger := log.New()
	baseLogger.SetLevel(log.WarnLevel) // Уменьшаем шум в тестах
	logger := baseLogger.WithField("component", "integration-test")

	s.ctx = context.Background()
	s.products = &flakyStock{ProductRepository: memory.NewProductRepository()}
	s.timeline = memory.NewTimelineRepository()
	s.outbox = memory.NewOutboxRepository()
	s.published = nil

	var err error
	s.widget, err = s.products.Create(s.ctx, domain.Product{
		Name:           "Widget",
		SKU:            "W-1",
		BasePrice:      decimal.NewFromInt(5000),
		StockQuantity:  50,
		TrackInventory: true,
		IsActive:       true,
	})
	s.Require().NoError(err)
	_, err = s.products.AddPriceTier(s.ctx, domain.PriceTier{
		ProductID: s.widget.ID, PriceType: "wholesale", Price: decimal.NewFromInt(4500), MinQuantity: 5, IsActive: true,
	})
	s.Require().NoError(err)

	s.service = order.NewService(order.Deps{
		Orders:      memory.NewOrderRepository(),
		Products:    s.products,
		Customers:   memory.NewCustomerRepository(),
		Outbox:      s.outbox,
		Timeline:    s.timeline,
		Idempotency: memory.NewIdempotencyRepository(),
	}, order.WithLogger(logger))

	s.sync = mocks.NewSyncProducer(s.T(), nil)
	s.producer = kafka.NewProducerFromSync(s.sync, logger)
	s.worker = outbox.NewWorker(s.outbox, kafka.NewOutboxPublisher(s.producer, ""),
		outbox.WithLogger(logger),
		outbox.WithRetryBaseDelay(0),
	)

	s.processed, err = pebble.Open(s.T().TempDir())
	s.Require().NoError(err)
	s.handler = reconcile.NewHandler(s.service.Ledger(), s.processed, s.timeline, reconcile.WithLogger(logger))
}

func (s *OrderLifecycleTestSuite) TearDownTest() {
	s.Require().NoError(s.producer.Close())
	s.Require().NoError(s.processed.Close())
}

// expectPublishes ждёт n отправок в Kafka и запоминает их.
func (s *OrderLifecycleTestSuite) expectPublishes(n int) {
	for i := 0; i < n; i++ {
		s.sync.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
			s.mu.Lock()
			s.published = append(s.published, msg)
			s.mu.Unlock()
			return nil
		})
	}
}

// deliver превращает опубликованное сообщение в сообщение consumer'а.
func (s *OrderLifecycleTestSuite) deliver(msg *sarama.ProducerMessage, offset int64) *sarama.ConsumerMessage {
	value, err := msg.Value.Encode()
	s.Require().NoError(err)
	key, err := msg.Key.Encode()
	s.Require().NoError(err)
	return &sarama.ConsumerMessage{Topic: msg.Topic, Key: key, Value: value, Offset: offset}
}

func (s *OrderLifecycleTestSuite) publishedTo(topic string) []*sarama.ProducerMessage {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*sarama.ProducerMessage
	for _, msg := range s.published {
		if msg.Topic == topic {
			out = append(out, msg)
		}
	}
	return out
}

func (s *OrderLifecycleTestSuite) guestOrder(qty int) domain.CreateOrderRequest {
	return domain.CreateOrderRequest{
		Customer: &domain.GuestCustomer{FirstName: "Guest", Email: "guest@example.com"},
		Items:    []domain.OrderItemRequest{{ProductID: s.widget.ID, Quantity: qty}},
	}
}

func (s *OrderLifecycleTestSuite) stock() int {
	product, err := s.products.Get(s.ctx, s.widget.ID)
	s.Require().NoError(err)
	return product.StockQuantity
}

func (s *OrderLifecycleTestSuite) TestSuccessfulOrderLifecycle() {
	result, err := s.service.CreateOrder(s.ctx, s.guestOrder(5))
	s.Require().NoError(err)
	s.Require().Empty(result.StockSyncFailures)

	created := result.Order
	s.Equal(domain.OrderStatusPending, created.Status)
	s.True(created.TotalAmount.Equal(decimal.NewFromInt(22500)), "5 x wholesale 4500")
	s.Equal(45, s.stock())

	_, err = s.service.UpdateOrderStatus(s.ctx, created.ID, string(domain.OrderStatusPreparing))
	s.Require().NoError(err)
	shipped, err := s.service.UpdateOrderStatus(s.ctx, created.ID, string(domain.OrderStatusShipped))
	s.Require().NoError(err)
	s.Equal(domain.OrderStatusShipped, shipped.Status)

	s.expectPublishes(3)
	s.worker.ProcessOnce(s.ctx)

	orderEvents := s.publishedTo(kafka.TopicOrderEvents)
	s.Require().Len(orderEvents, 3)
	s.Empty(s.publishedTo(kafka.TopicInventoryEvents))

	var types []string
	for i, msg := range orderEvents {
		envelope, err := kafka.ParseEnvelope(s.deliver(msg, int64(i)))
		s.Require().NoError(err)
		types = append(types, envelope.EventType)
	}
	s.Equal([]string{domain.EventOrderCreated, domain.EventOrderStatusChanged, domain.EventOrderStatusChanged}, types)

	// Сообщения не о складе сверка пропускает.
	outcome, err := s.handler.Reconcile(s.ctx, mustEnvelope(s.T(), s.deliver(orderEvents[0], 0)))
	s.Require().NoError(err)
	s.Equal(reconcile.OutcomeIgnored, outcome)

	stats, err := s.outbox.Stats(s.ctx)
	s.Require().NoError(err)
	s.Zero(stats.PendingCount)
}

func (s *OrderLifecycleTestSuite) TestStockSyncFailureIsReconciledThroughKafka() {
	s.products.failures = 1

	result, err := s.service.CreateOrder(s.ctx, s.guestOrder(3))
	s.Require().NoError(err, "stock sync failure does not abort the order")
	s.Require().Len(result.StockSyncFailures, 1)
	s.Equal(50, s.stock(), "stock was not subtracted yet")

	s.expectPublishes(2)
	s.worker.ProcessOnce(s.ctx)

	inventoryEvents := s.publishedTo(kafka.TopicInventoryEvents)
	s.Require().Len(inventoryEvents, 1)
	delivered := s.deliver(inventoryEvents[0], 7)

	s.Require().NoError(s.handler.HandleMessage(s.ctx, delivered))
	s.Equal(47, s.stock())

	// Повторная доставка того же события не списывает сток второй раз.
	s.Require().NoError(s.handler.HandleMessage(s.ctx, delivered))
	s.Equal(47, s.stock())

	count, err := s.processed.Count()
	s.Require().NoError(err)
	s.Equal(1, count)

	timeline, err := s.service.Timeline(s.ctx, result.Order.ID)
	s.Require().NoError(err)
	var types []string
	for _, event := range timeline {
		types = append(types, event.Type)
	}
	s.Contains(types, domain.EventInventoryAdjustmentFailed)
	s.Contains(types, domain.EventStockReconciled)
}

func (s *OrderLifecycleTestSuite) TestReconciliationRejectedWhenStockRanOut() {
	s.products.failures = 1

	result, err := s.service.CreateOrder(s.ctx, s.guestOrder(30))
	s.Require().NoError(err)
	s.Require().Len(result.StockSyncFailures, 1)

	// Пока событие ждёт в Kafka, остаток уходит другому заказу.
	_, err = s.service.CreateOrder(s.ctx, s.guestOrder(40))
	s.Require().NoError(err)
	s.Equal(10, s.stock())

	s.expectPublishes(3)
	s.worker.ProcessOnce(s.ctx)

	inventoryEvents := s.publishedTo(kafka.TopicInventoryEvents)
	s.Require().Len(inventoryEvents, 1)

	outcome, err := s.handler.Reconcile(s.ctx, mustEnvelope(s.T(), s.deliver(inventoryEvents[0], 0)))
	s.Require().NoError(err)
	s.Equal(reconcile.OutcomeRejected, outcome)
	s.Equal(10, s.stock(), "stock never goes below zero")

	timeline, err := s.service.Timeline(s.ctx, result.Order.ID)
	s.Require().NoError(err)
	s.Require().NotEmpty(timeline)
	s.Equal(domain.EventStockReconciliationFailed, timeline[len(timeline)-1].Type)
}

func mustEnvelope(t *testing.T, msg *sarama.ConsumerMessage) kafka.Envelope {
	t.Helper()

	envelope, err := kafka.ParseEnvelope(msg)
	require.NoError(t, err)
	return *envelope
}
