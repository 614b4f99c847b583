package order

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// GetOrder возвращает заказ с позициями и сводкой по клиенту.
func (s *Service) GetOrder(ctx context.Context, id int64) (domain.Order, error) {
	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	s.attachCustomer(ctx, &order)
	return order, nil
}

// ListOrders возвращает страницу заказов, новые первыми.
// По умолчанию page=1, limit=20; limit ограничен сотней.
func (s *Service) ListOrders(ctx context.Context, filter domain.OrderFilter) (domain.OrderPage, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return domain.OrderPage{}, fmt.Errorf("filter by %q: %w", filter.Status, domain.ErrInvalidStatus)
	}
	if filter.Page <= 0 {
		filter.Page = defaultPage
	}
	if filter.Limit <= 0 {
		filter.Limit = defaultLimit
	}
	if filter.Limit > maxLimit {
		filter.Limit = maxLimit
	}

	orders, total, err := s.orders.List(ctx, filter)
	if err != nil {
		return domain.OrderPage{}, err
	}

	cache := make(map[int64]*domain.Customer)
	for i := range orders {
		if cached, ok := cache[orders[i].CustomerID]; ok {
			orders[i].Customer = cached
			continue
		}
		s.attachCustomer(ctx, &orders[i])
		cache[orders[i].CustomerID] = orders[i].Customer
	}

	return domain.OrderPage{
		Orders:     orders,
		Pagination: domain.NewPagination(total, filter.Page, filter.Limit),
	}, nil
}

func (s *Service) attachCustomer(ctx context.Context, order *domain.Order) {
	cust, err := s.customers.Get(ctx, order.CustomerID)
	if err != nil {
		s.logger.WithError(err).WithField("order_id", order.ID).Warn("failed to load order customer")
		return
	}
	order.Customer = &cust
}
