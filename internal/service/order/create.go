package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/customer"
	"github.com/vladislavdragonenkov/storefront/internal/service/inventory"
)

// StockSyncFailure описывает позицию, остаток которой не удалось списать после сохранения заказа.
type StockSyncFailure struct {
	ProductID int64  `json:"productId"`
	Quantity  int    `json:"quantity"`
	Reason    string `json:"reason"`
}

// CreateOrderResult — созданный заказ и позиции, по которым склад не синхронизирован.
type CreateOrderResult struct {
	Order             domain.Order       `json:"order"`
	StockSyncFailures []StockSyncFailure `json:"stockSyncFailures,omitempty"`
}

// orderPlan — результат расчётной фазы. До Commit никаких записей не сделано.
type orderPlan struct {
	resolution *customer.Resolution
	status     domain.OrderStatus
	items      []domain.OrderItem
	tracked    []bool
	total      decimal.Decimal
}

// CreateOrder оформляет заказ.
//
// Сначала без побочных эффектов проверяется клиент, статус и каждая позиция:
// товар, остаток, цена. Любая ошибка на этом этапе отменяет заказ целиком.
// Затем создаётся гость (если нужен), заказ с позициями пишется одной транзакцией
// и, если заказ не backordered, списываются остатки. Ошибка списания не отменяет
// заказ: она попадает в StockSyncFailures, timeline и outbox для сверки.
func (s *Service) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (CreateOrderResult, error) {
	start := time.Now()
	s.metrics.RecordOrderStarted()
	defer func() {
		s.metrics.RecordOrderFinished(time.Since(start))
	}()

	plan, err := s.plan(ctx, req)
	s.metrics.RecordStepDuration("plan", time.Since(start))
	if err != nil {
		s.recordFailure(err)
		return CreateOrderResult{}, err
	}

	persistStart := time.Now()
	cust, err := plan.resolution.Commit(ctx)
	if err != nil {
		s.recordFailure(err)
		return CreateOrderResult{}, err
	}

	order := plan.draft()
	order.CustomerID = cust.ID
	order.CreatedAt = time.Now().UTC()

	created, err := s.orders.Create(ctx, order)
	if err != nil {
		s.recordFailure(err)
		return CreateOrderResult{}, fmt.Errorf("persist order: %w", err)
	}
	s.metrics.RecordStepDuration("persist", time.Since(persistStart))
	s.metrics.RecordOrderCreated(string(created.Status))

	s.logger.WithFields(log.Fields{
		"order_id":    created.ID,
		"customer_id": created.CustomerID,
		"status":      created.Status,
		"items":       len(created.Items),
		"total":       created.TotalAmount.StringFixed(2),
	}).Info("order created")

	s.orderCreated(ctx, created)

	syncStart := time.Now()
	failures := s.syncStock(ctx, &created, plan.tracked)
	s.metrics.RecordStepDuration("stock_sync", time.Since(syncStart))

	created.Customer = &cust
	return CreateOrderResult{Order: created, StockSyncFailures: failures}, nil
}

func (s *Service) plan(ctx context.Context, req domain.CreateOrderRequest) (orderPlan, error) {
	resolution, err := s.customerResolver.Prepare(ctx, req.CustomerRef())
	if err != nil {
		return orderPlan{}, err
	}

	status, err := domain.ParseOrderStatus(req.Status)
	if err != nil {
		return orderPlan{}, err
	}

	plan := orderPlan{resolution: resolution, status: status, total: decimal.Zero}

	if len(req.Items) == 0 {
		if req.TotalAmount != nil {
			plan.total = *req.TotalAmount
		}
		if plan.total.IsNegative() {
			return orderPlan{}, domain.ErrAmountNegative
		}
		return plan, nil
	}

	plan.items = make([]domain.OrderItem, 0, len(req.Items))
	plan.tracked = make([]bool, 0, len(req.Items))
	for i, line := range req.Items {
		if line.Quantity <= 0 {
			return orderPlan{}, domain.NewValidationError(fmt.Sprintf("items[%d].quantity", i), "quantity must be greater than 0")
		}

		product, err := s.products.Get(ctx, line.ProductID)
		if err != nil {
			return orderPlan{}, fmt.Errorf("items[%d]: load product %d: %w", i, line.ProductID, err)
		}
		if !product.IsActive {
			return orderPlan{}, fmt.Errorf("items[%d]: product %d is inactive: %w", i, line.ProductID, domain.ErrProductNotFound)
		}

		availability := inventory.Evaluate(product, line.Quantity)
		if !availability.Available && plan.status == domain.OrderStatusPending {
			s.logger.WithFields(log.Fields{
				"product_id": product.ID,
				"requested":  line.Quantity,
				"stock":      product.StockQuantity,
			}).Info("insufficient stock, order will be backordered")
			plan.status = domain.OrderStatusBackordered
		}

		quote, err := s.pricing.Quote(ctx, product, line.Quantity)
		if err != nil {
			return orderPlan{}, fmt.Errorf("items[%d]: %w", i, err)
		}

		plan.items = append(plan.items, domain.OrderItem{
			ProductID: product.ID,
			Quantity:  line.Quantity,
			UnitPrice: quote.UnitPrice,
			PriceType: quote.PriceType,
			Subtotal:  quote.Total,
		})
		plan.tracked = append(plan.tracked, product.TrackInventory)
		plan.total = plan.total.Add(quote.Total)
	}

	draft := plan.draft()
	if errs := draft.ValidateContents(); len(errs) > 0 {
		return orderPlan{}, errors.Join(errs...)
	}

	return plan, nil
}

// draft собирает заказ из плана без клиента.
func (p orderPlan) draft() domain.Order {
	return domain.Order{
		Status:      p.status,
		TotalAmount: p.total,
		Items:       p.items,
	}
}

// syncStock списывает остатки по позициям сохранённого заказа.
// Неудачи не прерывают обработку остальных позиций.
func (s *Service) syncStock(ctx context.Context, order *domain.Order, tracked []bool) []StockSyncFailure {
	if order.Status == domain.OrderStatusBackordered {
		return nil
	}

	var failures []StockSyncFailure
	for i, item := range order.Items {
		if i >= len(tracked) || !tracked[i] {
			continue
		}

		if _, err := s.ledger.Adjust(ctx, item.ProductID, item.Quantity, inventory.Subtract); err != nil {
			failure := StockSyncFailure{
				ProductID: item.ProductID,
				Quantity:  item.Quantity,
				Reason:    err.Error(),
			}
			failures = append(failures, failure)
			s.reportStockSyncFailure(ctx, order, failure)
		}
	}

	return failures
}

func (s *Service) reportStockSyncFailure(ctx context.Context, order *domain.Order, failure StockSyncFailure) {
	s.metrics.RecordStockSyncFailure()
	s.logger.WithFields(log.Fields{
		"order_id":   order.ID,
		"product_id": failure.ProductID,
		"quantity":   failure.Quantity,
		"reason":     failure.Reason,
	}).Warn("stock subtraction failed after order was persisted")

	payload := domain.StockAdjustmentFailedPayload{
		OrderID:   order.ID,
		ProductID: failure.ProductID,
		Quantity:  failure.Quantity,
		Operation: inventory.Subtract.String(),
		Reason:    failure.Reason,
		FailedAt:  time.Now().UTC().Format(time.RFC3339Nano),
	}
	s.stockSyncFailed(ctx, *order, payload)
}

func (s *Service) recordFailure(err error) {
	switch {
	case domain.IsValidation(err):
		s.metrics.RecordOrderFailed(string(domain.KindValidation))
	case domain.IsNotFound(err):
		s.metrics.RecordOrderFailed(string(domain.KindNotFound))
	case domain.IsConflict(err):
		s.metrics.RecordOrderFailed(string(domain.KindConflict))
	default:
		s.metrics.RecordOrderFailed("internal")
	}
}
