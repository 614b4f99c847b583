package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

// productRepositoryInMemory хранит каталог и ценовые уровни в памяти.
// Один мьютекс защищает и чтение остатка, и его запись, поэтому
// проверка "остаток не уйдёт в минус" выполняется атомарно с изменением.
type productRepositoryInMemory struct {
	mu       sync.RWMutex
	products map[int64]domain.Product
	tiers    map[int64][]domain.PriceTier
	nextID   int64
	nextTier int64
}

// NewProductRepository возвращает in-memory каталог товаров.
func NewProductRepository() domain.ProductRepository {
	return &productRepositoryInMemory{
		products: make(map[int64]domain.Product),
		tiers:    make(map[int64][]domain.PriceTier),
	}
}

// Create добавляет товар и присваивает ему ID.
func (r *productRepositoryInMemory) Create(_ context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sku := strings.TrimSpace(product.SKU)
	if sku != "" {
		for _, existing := range r.products {
			if existing.SKU == sku {
				return domain.Product{}, domain.ErrDuplicateKey
			}
		}
	}

	r.nextID++
	now := time.Now().UTC()
	product.ID = r.nextID
	product.SKU = sku
	product.CreatedAt = now
	product.UpdatedAt = now
	r.products[product.ID] = product

	return product, nil
}

// Get возвращает товар или ErrProductNotFound.
func (r *productRepositoryInMemory) Get(_ context.Context, id int64) (domain.Product, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	product, ok := r.products[id]
	if !ok {
		return domain.Product{}, domain.ErrProductNotFound
	}
	return product, nil
}

// AddPriceTier сохраняет ценовой уровень существующего товара.
func (r *productRepositoryInMemory) AddPriceTier(_ context.Context, tier domain.PriceTier) (domain.PriceTier, error) {
	tier.Normalize()
	if errs := tier.Validate(); len(errs) > 0 {
		return domain.PriceTier{}, errs[0]
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.products[tier.ProductID]; !ok {
		return domain.PriceTier{}, domain.ErrProductNotFound
	}

	r.nextTier++
	tier.ID = r.nextTier
	tier.CreatedAt = time.Now().UTC()
	r.tiers[tier.ProductID] = append(r.tiers[tier.ProductID], tier)

	return tier, nil
}

// ListPriceTiers возвращает копию уровней товара, отсортированную по порогу и ID.
func (r *productRepositoryInMemory) ListPriceTiers(_ context.Context, productID int64) ([]domain.PriceTier, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	result := make([]domain.PriceTier, len(r.tiers[productID]))
	copy(result, r.tiers[productID])

	sort.Slice(result, func(i, j int) bool {
		if result[i].MinQuantity != result[j].MinQuantity {
			return result[i].MinQuantity < result[j].MinQuantity
		}
		return result[i].ID < result[j].ID
	})

	return result, nil
}

// AdjustStock меняет остаток на delta под эксклюзивной блокировкой.
func (r *productRepositoryInMemory) AdjustStock(_ context.Context, id int64, delta int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	product, ok := r.products[id]
	if !ok {
		return 0, domain.ErrProductNotFound
	}
	if !product.TrackInventory {
		return product.StockQuantity, domain.ErrInventoryNotTracked
	}
	if product.StockQuantity+delta < 0 {
		return product.StockQuantity, domain.ErrInsufficientStock
	}

	product.StockQuantity += delta
	product.UpdatedAt = time.Now().UTC()
	r.products[id] = product

	return product.StockQuantity, nil
}

var _ domain.ProductRepository = (*productRepositoryInMemory)(nil)
