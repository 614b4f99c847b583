package order

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// UpdateOrderStatus меняет статус заказа на один из выставляемых вручную.
func (s *Service) UpdateOrderStatus(ctx context.Context, id int64, status string) (domain.Order, error) {
	return s.UpdateOrder(ctx, id, domain.UpdateOrderRequest{Status: &status})
}

// UpdateOrder частично обновляет заголовок заказа. Цены, позиции и остатки не пересчитываются.
// Сумма задаётся только для заказов без позиций.
func (s *Service) UpdateOrder(ctx context.Context, id int64, req domain.UpdateOrderRequest) (domain.Order, error) {
	var newStatus domain.OrderStatus
	if req.Status != nil {
		parsed, err := domain.ParseManualStatus(*req.Status)
		if err != nil {
			return domain.Order{}, err
		}
		newStatus = parsed
	}
	if req.TotalAmount != nil && req.TotalAmount.IsNegative() {
		return domain.Order{}, domain.ErrAmountNegative
	}

	order, err := s.orders.Get(ctx, id)
	if err != nil {
		return domain.Order{}, err
	}
	if req.TotalAmount != nil && len(order.Items) > 0 {
		return domain.Order{}, domain.ErrAmountDerived
	}

	previousStatus := order.Status
	if err := s.save(ctx, &order, func(o *domain.Order) {
		if req.Status != nil {
			o.Status = newStatus
		}
		if req.TotalAmount != nil {
			o.TotalAmount = *req.TotalAmount
		}
	}); err != nil {
		return domain.Order{}, err
	}

	if order.Status != previousStatus {
		s.metrics.RecordStatusUpdate(string(order.Status))
		s.statusChanged(ctx, order, previousStatus)
	}

	s.attachCustomer(ctx, &order)
	return order, nil
}

// save применяет mutate и пишет заказ с проверкой версии. На конфликт заказ перечитывается,
// mutate применяется к свежей копии; попыток не больше maxSaveRetries.
func (s *Service) save(ctx context.Context, order *domain.Order, mutate func(*domain.Order)) error {
	fields := log.Fields{"order_id": order.ID}
	delay := baseRetryDelay

	for attempt := 1; ; attempt++ {
		mutate(order)
		order.UpdatedAt = time.Now().UTC()

		err := s.orders.Save(ctx, *order)
		switch {
		case err == nil:
			order.Version++
			return nil
		case !domain.IsVersionConflict(err):
			s.logger.WithError(err).WithFields(fields).Error("order save failed")
			return err
		case attempt == maxSaveRetries:
			s.logger.WithFields(fields).WithField("attempts", attempt).Warn("order save gave up on version conflicts")
			return err
		}

		s.logger.WithFields(fields).WithField("version", order.Version).Debug("stale order version, reloading")
		fresh, err := s.orders.Get(ctx, order.ID)
		if err != nil {
			return fmt.Errorf("reload order %d: %w", order.ID, err)
		}
		*order = fresh

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		delay *= 2
	}
}
