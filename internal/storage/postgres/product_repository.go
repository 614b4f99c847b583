package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type productRepository struct {
	db *sql.DB
}

// NewProductRepository создаёт PostgreSQL-реализацию ProductRepository.
func NewProductRepository(store *Store) domain.ProductRepository {
	return &productRepository{db: store.DB()}
}

const productColumns = `id, name, COALESCE(sku, ''), base_price, stock_quantity, track_inventory, is_active, created_at, updated_at`

func (r *productRepository) Create(ctx context.Context, product domain.Product) (domain.Product, error) {
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	product.SKU = strings.TrimSpace(product.SKU)
	var sku sql.NullString
	if product.SKU != "" {
		sku = sql.NullString{String: product.SKU, Valid: true}
	}

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO products (name, sku, base_price, stock_quantity, track_inventory, is_active)
		VALUES ($1,$2,$3,$4,$5,$6)
		RETURNING id, created_at, updated_at
	`,
		product.Name, sku, product.BasePrice, product.StockQuantity, product.TrackInventory, product.IsActive,
	).Scan(&product.ID, &product.CreatedAt, &product.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Product{}, domain.ErrDuplicateKey
		}
		return domain.Product{}, fmt.Errorf("insert product: %w", err)
	}

	return product, nil
}

func (r *productRepository) Get(ctx context.Context, id int64) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var product domain.Product
	err := r.db.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id).Scan(
		&product.ID, &product.Name, &product.SKU, &product.BasePrice, &product.StockQuantity,
		&product.TrackInventory, &product.IsActive, &product.CreatedAt, &product.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}

	return product, nil
}

func (r *productRepository) AddPriceTier(ctx context.Context, tier domain.PriceTier) (domain.PriceTier, error) {
	tier.Normalize()
	if errs := tier.Validate(); len(errs) > 0 {
		return domain.PriceTier{}, errs[0]
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err := r.db.QueryRowContext(ctx, `
		INSERT INTO product_prices (product_id, price_type, price, min_quantity, is_active)
		VALUES ($1,$2,$3,$4,$5)
		RETURNING id, created_at
	`,
		tier.ProductID, tier.PriceType, tier.Price, tier.MinQuantity, tier.IsActive,
	).Scan(&tier.ID, &tier.CreatedAt)
	if err != nil {
		if isForeignKeyViolation(err) {
			return domain.PriceTier{}, domain.ErrProductNotFound
		}
		return domain.PriceTier{}, fmt.Errorf("insert price tier: %w", err)
	}

	return tier, nil
}

func (r *productRepository) ListPriceTiers(ctx context.Context, productID int64) ([]domain.PriceTier, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, product_id, price_type, price, min_quantity, is_active, created_at
		FROM product_prices
		WHERE product_id = $1
		ORDER BY min_quantity ASC, id ASC
	`, productID)
	if err != nil {
		return nil, fmt.Errorf("list price tiers: %w", err)
	}
	defer rows.Close()

	tiers := make([]domain.PriceTier, 0)
	for rows.Next() {
		var tier domain.PriceTier
		if err := rows.Scan(
			&tier.ID, &tier.ProductID, &tier.PriceType, &tier.Price,
			&tier.MinQuantity, &tier.IsActive, &tier.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan price tier: %w", err)
		}
		tiers = append(tiers, tier)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate price tiers: %w", err)
	}

	return tiers, nil
}

// AdjustStock меняет остаток одним условным UPDATE: проверка и запись атомарны на стороне базы.
func (r *productRepository) AdjustStock(ctx context.Context, id int64, delta int) (int, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var stock int
	err := r.db.QueryRowContext(ctx, `
		UPDATE products
		SET stock_quantity = stock_quantity + $2,
		    updated_at = NOW()
		WHERE id = $1
		  AND track_inventory
		  AND stock_quantity + $2 >= 0
		RETURNING stock_quantity
	`, id, delta).Scan(&stock)
	if err == nil {
		return stock, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("adjust stock: %w", err)
	}

	// Строка не обновилась: выясняем причину.
	var tracked bool
	err = r.db.QueryRowContext(ctx, `
		SELECT stock_quantity, track_inventory FROM products WHERE id = $1
	`, id).Scan(&stock, &tracked)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, domain.ErrProductNotFound
	case err != nil:
		return 0, fmt.Errorf("load stock: %w", err)
	case !tracked:
		return stock, domain.ErrInventoryNotTracked
	default:
		return stock, domain.ErrInsufficientStock
	}
}

var _ domain.ProductRepository = (*productRepository)(nil)
