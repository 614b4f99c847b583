// Package inventory ведёт складской журнал: проверку доступности и изменение остатков.
package inventory

import (
	"context"
	"fmt"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/metrics"
)

// Direction — направление изменения остатка. Возможны только Add и Subtract.
type Direction struct {
	name string
}

var (
	// Add увеличивает остаток (поступление, возврат).
	Add = Direction{name: "add"}
	// Subtract уменьшает остаток (списание под заказ).
	Subtract = Direction{name: "subtract"}
)

func (d Direction) String() string {
	return d.name
}

func (d Direction) valid() bool {
	return d == Add || d == Subtract
}

// ParseDirection разбирает строковое направление "add" или "subtract".
func ParseDirection(raw string) (Direction, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case Add.name:
		return Add, nil
	case Subtract.name:
		return Subtract, nil
	default:
		return Direction{}, domain.ErrInvalidDirection
	}
}

// Availability — результат проверки остатка.
// StockQuantity равен nil для товаров без учёта остатков.
type Availability struct {
	ProductID      int64 `json:"productId"`
	Requested      int   `json:"requestedQuantity"`
	Available      bool  `json:"available"`
	StockQuantity  *int  `json:"stockQuantity"`
	TrackInventory bool  `json:"trackInventory"`
}

// Evaluate проверяет доступность qty единиц уже загруженного товара.
func Evaluate(product domain.Product, qty int) Availability {
	result := Availability{
		ProductID:      product.ID,
		Requested:      qty,
		TrackInventory: product.TrackInventory,
	}
	if !product.TrackInventory {
		result.Available = true
		return result
	}

	stock := product.StockQuantity
	result.StockQuantity = &stock
	result.Available = stock >= qty
	return result
}

// Ledger проверяет и изменяет остатки товаров.
// Гарантия неотрицательного остатка обеспечивается условной записью в хранилище,
// а не предварительной проверкой.
type Ledger struct {
	products domain.ProductRepository
	logger   *log.Entry
	metrics  *metrics.OrderMetrics
}

// Option настраивает Ledger.
type Option func(*Ledger)

// WithMetrics подключает метрики складских операций.
func WithMetrics(m *metrics.OrderMetrics) Option {
	return func(l *Ledger) {
		l.metrics = m
	}
}

// NewLedger создаёт складской журнал.
func NewLedger(products domain.ProductRepository, logger *log.Entry, options ...Option) *Ledger {
	if logger == nil {
		logger = log.WithField("component", "inventory-ledger")
	}
	ledger := &Ledger{products: products, logger: logger}
	for _, option := range options {
		option(ledger)
	}
	return ledger
}

// CheckAvailability сообщает, хватает ли остатка на qty единиц товара.
func (l *Ledger) CheckAvailability(ctx context.Context, productID int64, qty int) (Availability, error) {
	if qty <= 0 {
		return Availability{}, domain.ErrQuantityInvalid
	}

	product, err := l.products.Get(ctx, productID)
	if err != nil {
		return Availability{}, fmt.Errorf("load product %d: %w", productID, err)
	}

	return Evaluate(product, qty), nil
}

// Adjust изменяет остаток на qty единиц в заданном направлении и возвращает обновлённый товар.
// Списание ниже нуля отклоняется с ErrInsufficientStock, остаток при этом не меняется.
func (l *Ledger) Adjust(ctx context.Context, productID int64, qty int, direction Direction) (domain.Product, error) {
	if !direction.valid() {
		return domain.Product{}, domain.ErrInvalidDirection
	}
	if qty <= 0 {
		return domain.Product{}, domain.ErrQuantityInvalid
	}

	delta := qty
	if direction == Subtract {
		delta = -qty
	}

	stock, err := l.products.AdjustStock(ctx, productID, delta)
	if err != nil {
		l.metrics.RecordStockAdjustment(direction.String(), "rejected")
		l.logger.WithError(err).WithFields(log.Fields{
			"product_id": productID,
			"quantity":   qty,
			"operation":  direction.String(),
		}).Debug("stock adjustment rejected")
		return domain.Product{}, fmt.Errorf("%s %d units of product %d: %w", direction, qty, productID, err)
	}
	l.metrics.RecordStockAdjustment(direction.String(), "ok")

	product, err := l.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, fmt.Errorf("reload product %d: %w", productID, err)
	}
	// Между записью и чтением остаток мог измениться ещё раз; отдаём значение из записи.
	product.StockQuantity = stock

	l.logger.WithFields(log.Fields{
		"product_id": productID,
		"quantity":   qty,
		"operation":  direction.String(),
		"stock":      stock,
	}).Info("stock adjusted")

	return product, nil
}
