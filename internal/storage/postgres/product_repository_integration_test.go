package postgres

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

func TestProductRepository_PostgresCatalog(t *testing.T) {
	store := migratedStore(t)
	repo := NewProductRepository(store)
	ctx := context.Background()

	_, product := seedCatalog(t, store, 10)

	got, err := repo.Get(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, "W-1", got.SKU)
	require.True(t, got.BasePrice.Equal(decimal.RequireFromString("50")))

	_, err = repo.Create(ctx, domain.Product{Name: "Copy", SKU: " W-1 ", BasePrice: decimal.NewFromInt(1)})
	require.True(t, errors.Is(err, domain.ErrDuplicateKey), "got %v", err)

	_, err = repo.Create(ctx, domain.Product{Name: "Free", BasePrice: decimal.Zero})
	require.ErrorIs(t, err, domain.ErrBasePriceInvalid)
	var constraint int
	require.NoError(t, store.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pg_constraint
		 WHERE conrelid = 'products'::regclass
		   AND pg_get_constraintdef(oid) LIKE '%base_price > %'`).Scan(&constraint))
	require.Equal(t, 1, constraint, "database rejects non-positive base price too")

	_, err = repo.AddPriceTier(ctx, domain.PriceTier{ProductID: product.ID, PriceType: " Bulk ", Price: decimal.NewFromInt(40), MinQuantity: 10, IsActive: true})
	require.NoError(t, err)
	_, err = repo.AddPriceTier(ctx, domain.PriceTier{ProductID: product.ID, PriceType: "wholesale", Price: decimal.NewFromInt(45), MinQuantity: 5, IsActive: true})
	require.NoError(t, err)

	tiers, err := repo.ListPriceTiers(ctx, product.ID)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	require.Equal(t, "wholesale", tiers[0].PriceType)
	require.Equal(t, "bulk", tiers[1].PriceType)

	_, err = repo.AddPriceTier(ctx, domain.PriceTier{ProductID: 999, PriceType: "x", Price: decimal.NewFromInt(1)})
	require.True(t, errors.Is(err, domain.ErrProductNotFound), "got %v", err)

	_, err = repo.Get(ctx, 999)
	require.True(t, errors.Is(err, domain.ErrProductNotFound))
}

func TestProductRepository_PostgresAdjustStock(t *testing.T) {
	store := migratedStore(t)
	repo := NewProductRepository(store)
	ctx := context.Background()

	_, product := seedCatalog(t, store, 5)

	stock, err := repo.AdjustStock(ctx, product.ID, -3)
	require.NoError(t, err)
	require.Equal(t, 2, stock)

	stock, err = repo.AdjustStock(ctx, product.ID, -3)
	require.True(t, errors.Is(err, domain.ErrInsufficientStock))
	require.Equal(t, 2, stock)

	untracked, err := repo.Create(ctx, domain.Product{Name: "Service", BasePrice: decimal.NewFromInt(10), IsActive: true})
	require.NoError(t, err)
	_, err = repo.AdjustStock(ctx, untracked.ID, 1)
	require.True(t, errors.Is(err, domain.ErrInventoryNotTracked))

	_, err = repo.AdjustStock(ctx, 999, 1)
	require.True(t, errors.Is(err, domain.ErrProductNotFound))
}

func TestProductRepository_PostgresConcurrentSubtractNeverOversells(t *testing.T) {
	store := migratedStore(t)
	repo := NewProductRepository(store)
	ctx := context.Background()

	_, product := seedCatalog(t, store, 10)

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		success int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.AdjustStock(ctx, product.ID, -1); err == nil {
				mu.Lock()
				success++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Equal(t, 10, success)
	got, err := repo.Get(ctx, product.ID)
	require.NoError(t, err)
	require.Equal(t, 0, got.StockQuantity)
}
