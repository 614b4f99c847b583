// Package order оформляет заказы: определяет клиента, считает цены,
// проверяет и списывает остатки, выбирает начальный статус.
package order

import (
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
	"github.com/vladislavdragonenkov/storefront/internal/service/customer"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
)

const (
	defaultPage          = 1
	defaultLimit         = 20
	maxLimit             = 100
	defaultIdempotentTTL = 24 * time.Hour

	maxSaveRetries = 3
	baseRetryDelay = 10 * time.Millisecond
)

// Deps — хранилища, с которыми работает сервис. Outbox, Timeline и Idempotency необязательны.
type Deps struct {
	Orders      domain.OrderRepository
	Products    domain.ProductRepository
	Customers   domain.CustomerRepository
	Outbox      domain.OutboxRepository
	Timeline    domain.TimelineRepository
	Idempotency domain.IdempotencyRepository
}

// Option настраивает Service.
type Option func(*Service)

// WithLogger задаёт logger сервиса.
func WithLogger(logger *log.Entry) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithMetrics подключает метрики оформления заказов.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

// WithIdempotencyTTL задаёт срок хранения ключей идемпотентности.
func WithIdempotencyTTL(ttl time.Duration) Option {
	return func(s *Service) {
		if ttl > 0 {
			s.idempotencyTTL = ttl
		}
	}
}

// Service — оркестратор заказов.
type Service struct {
	orders      domain.OrderRepository
	products    domain.ProductRepository
	customers   domain.CustomerRepository
	outbox      domain.OutboxRepository
	timeline    domain.TimelineRepository
	idempotency domain.IdempotencyRepository

	customerResolver *customer.Resolver
	pricing          *pricing.Resolver
	ledger           *inventory.Ledger

	logger         *log.Entry
	metrics        *metrics.OrderMetrics
	idempotencyTTL time.Duration
}

// NewService собирает оркестратор из хранилищ.
func NewService(deps Deps, options ...Option) *Service {
	s := &Service{
		orders:         deps.Orders,
		products:       deps.Products,
		customers:      deps.Customers,
		outbox:         deps.Outbox,
		timeline:       deps.Timeline,
		idempotency:    deps.Idempotency,
		idempotencyTTL: defaultIdempotentTTL,
	}
	for _, option := range options {
		option(s)
	}
	if s.logger == nil {
		s.logger = log.WithField("component", "order-service")
	}

	s.customerResolver = customer.NewResolver(deps.Customers, s.logger.WithField("component", "customer-resolver"))
	s.pricing = pricing.NewResolver(deps.Products, s.logger.WithField("component", "pricing"))
	s.ledger = inventory.NewLedger(deps.Products, s.logger.WithField("component", "inventory-ledger"), inventory.WithMetrics(s.metrics))

	return s
}

// Ledger возвращает складской журнал, которым пользуется сервис.
func (s *Service) Ledger() *inventory.Ledger {
	return s.ledger
}

// Pricing возвращает резолвер цен, которым пользуется сервис.
func (s *Service) Pricing() *pricing.Resolver {
	return s.pricing
}
