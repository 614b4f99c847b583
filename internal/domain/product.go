package domain

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceTypeBase — тип цены, когда ни один ценовой уровень не подошёл.
const PriceTypeBase = "base"

// Product — позиция каталога. Остаток меняется только через складской журнал.
type Product struct {
	ID             int64
	Name           string
	SKU            string
	BasePrice      decimal.Decimal
	StockQuantity  int
	TrackInventory bool
	IsActive       bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Validate проверяет поля товара перед сохранением в каталог.
func (p Product) Validate() error {
	if !p.BasePrice.IsPositive() {
		return ErrBasePriceInvalid
	}
	if p.StockQuantity < 0 {
		return ErrStockNegative
	}
	return nil
}

// PriceTier задаёт цену за единицу, начиная с порогового количества.
type PriceTier struct {
	ID          int64
	ProductID   int64
	PriceType   string
	Price       decimal.Decimal
	MinQuantity int
	IsActive    bool
	CreatedAt   time.Time
}

// Normalize приводит тип цены к каноничному виду и подставляет порог по умолчанию.
func (t *PriceTier) Normalize() {
	t.PriceType = strings.ToLower(strings.TrimSpace(t.PriceType))
	if t.MinQuantity == 0 {
		t.MinQuantity = 1
	}
}

// Validate проверяет поля ценового уровня и возвращает список замечаний.
func (t *PriceTier) Validate() []error {
	var errs []error

	if t.PriceType == "" {
		errs = append(errs, ErrPriceTypeRequired)
	}
	if !t.Price.IsPositive() {
		errs = append(errs, ErrPriceInvalid)
	}
	if t.MinQuantity < 1 {
		errs = append(errs, ErrMinQuantityInvalid)
	}

	return errs
}
