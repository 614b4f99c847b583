// Package pricing выбирает цену за единицу товара по таблице ценовых уровней.
package pricing

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// Quote — результат расчёта цены для количества товара.
type Quote struct {
	ProductID int64           `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	PriceType string          `json:"priceType"`
	Total     decimal.Decimal `json:"total"`
}

// Resolver рассчитывает цену по активным ценовым уровням товара.
// Не имеет побочных эффектов: одинаковые входные данные дают одинаковый результат.
type Resolver struct {
	products domain.ProductRepository
	logger   *log.Entry
}

// NewResolver создаёт резолвер цен поверх каталога.
func NewResolver(products domain.ProductRepository, logger *log.Entry) *Resolver {
	if logger == nil {
		logger = log.WithField("component", "pricing")
	}
	return &Resolver{products: products, logger: logger}
}

// ResolvePrice загружает товар и возвращает цену для qty единиц.
func (r *Resolver) ResolvePrice(ctx context.Context, productID int64, qty int) (Quote, error) {
	if qty <= 0 {
		return Quote{}, domain.ErrQuantityInvalid
	}

	product, err := r.products.Get(ctx, productID)
	if err != nil {
		return Quote{}, fmt.Errorf("load product %d: %w", productID, err)
	}

	return r.Quote(ctx, product, qty)
}

// Quote рассчитывает цену для уже загруженного товара.
func (r *Resolver) Quote(ctx context.Context, product domain.Product, qty int) (Quote, error) {
	if qty <= 0 {
		return Quote{}, domain.ErrQuantityInvalid
	}
	if !product.IsActive {
		return Quote{}, fmt.Errorf("product %d is inactive: %w", product.ID, domain.ErrProductNotFound)
	}

	tiers, err := r.products.ListPriceTiers(ctx, product.ID)
	if err != nil {
		return Quote{}, fmt.Errorf("list price tiers of product %d: %w", product.ID, err)
	}

	quote := Quote{
		ProductID: product.ID,
		Quantity:  qty,
		UnitPrice: product.BasePrice,
		PriceType: domain.PriceTypeBase,
	}
	if tier, ok := SelectTier(tiers, qty); ok {
		quote.UnitPrice = tier.Price
		quote.PriceType = tier.PriceType
	}
	quote.Total = quote.UnitPrice.Mul(decimal.NewFromInt(int64(qty)))

	r.logger.WithFields(log.Fields{
		"product_id": product.ID,
		"quantity":   qty,
		"price_type": quote.PriceType,
	}).Debug("price resolved")

	return quote, nil
}

// ListTiers возвращает активные уровни товара по возрастанию порога.
func (r *Resolver) ListTiers(ctx context.Context, productID int64) ([]domain.PriceTier, error) {
	product, err := r.products.Get(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("load product %d: %w", productID, err)
	}
	if !product.IsActive {
		return nil, fmt.Errorf("product %d is inactive: %w", productID, domain.ErrProductNotFound)
	}

	tiers, err := r.products.ListPriceTiers(ctx, productID)
	if err != nil {
		return nil, fmt.Errorf("list price tiers of product %d: %w", productID, err)
	}

	active := make([]domain.PriceTier, 0, len(tiers))
	for _, tier := range tiers {
		if tier.IsActive {
			active = append(active, tier)
		}
	}
	sort.SliceStable(active, func(i, j int) bool {
		return active[i].MinQuantity < active[j].MinQuantity
	})

	return active, nil
}

// SelectTier выбирает среди активных уровней с MinQuantity <= qty уровень с наибольшим порогом.
// При равных порогах побеждает меньшая цена, затем меньший ID.
func SelectTier(tiers []domain.PriceTier, qty int) (domain.PriceTier, bool) {
	var (
		best  domain.PriceTier
		found bool
	)

	for _, tier := range tiers {
		if !tier.IsActive || tier.MinQuantity > qty {
			continue
		}
		if !found || better(tier, best) {
			best = tier
			found = true
		}
	}

	return best, found
}

func better(candidate, current domain.PriceTier) bool {
	if candidate.MinQuantity != current.MinQuantity {
		return candidate.MinQuantity > current.MinQuantity
	}
	if !candidate.Price.Equal(current.Price) {
		return candidate.Price.LessThan(current.Price)
	}
	return candidate.ID < current.ID
}
