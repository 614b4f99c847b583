package pricing_test

import (
	"context"
	"errors"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/pricing"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func seedTieredProduct(t *testing.T, repo domain.ProductRepository) domain.Product {
	t.Helper()
	ctx := context.Background()

	product, err := repo.Create(ctx, domain.Product{
		Name:      "Widget",
		SKU:       "W-1",
		BasePrice: decimal.NewFromInt(5000),
		IsActive:  true,
	})
	require.NoError(t, err)

	for _, tier := range []domain.PriceTier{
		{ProductID: product.ID, PriceType: "wholesale", Price: decimal.NewFromInt(4500), MinQuantity: 5, IsActive: true},
		{ProductID: product.ID, PriceType: "bulk", Price: decimal.NewFromInt(4000), MinQuantity: 10, IsActive: true},
		{ProductID: product.ID, PriceType: "retired", Price: decimal.NewFromInt(1000), MinQuantity: 2, IsActive: false},
	} {
		_, err := repo.AddPriceTier(ctx, tier)
		require.NoError(t, err)
	}

	return product
}

func TestResolvePrice_TierBoundaries(t *testing.T) {
	repo := memory.NewProductRepository()
	product := seedTieredProduct(t, repo)
	resolver := pricing.NewResolver(repo, nil)

	tests := []struct {
		qty       int
		unitPrice int64
		priceType string
	}{
		{qty: 1, unitPrice: 5000, priceType: domain.PriceTypeBase},
		{qty: 4, unitPrice: 5000, priceType: domain.PriceTypeBase},
		{qty: 5, unitPrice: 4500, priceType: "wholesale"},
		{qty: 9, unitPrice: 4500, priceType: "wholesale"},
		{qty: 10, unitPrice: 4000, priceType: "bulk"},
		{qty: 500, unitPrice: 4000, priceType: "bulk"},
	}

	for _, tt := range tests {
		quote, err := resolver.ResolvePrice(context.Background(), product.ID, tt.qty)
		require.NoError(t, err)
		assert.True(t, quote.UnitPrice.Equal(decimal.NewFromInt(tt.unitPrice)), "qty=%d unit price %s", tt.qty, quote.UnitPrice)
		assert.Equal(t, tt.priceType, quote.PriceType, "qty=%d", tt.qty)
		assert.True(t, quote.Total.Equal(decimal.NewFromInt(tt.unitPrice*int64(tt.qty))), "qty=%d total %s", tt.qty, quote.Total)
	}
}

func TestResolvePrice_IsIdempotent(t *testing.T) {
	repo := memory.NewProductRepository()
	product := seedTieredProduct(t, repo)
	resolver := pricing.NewResolver(repo, nil)

	first, err := resolver.ResolvePrice(context.Background(), product.ID, 7)
	require.NoError(t, err)
	second, err := resolver.ResolvePrice(context.Background(), product.ID, 7)
	require.NoError(t, err)

	assert.True(t, first.UnitPrice.Equal(second.UnitPrice))
	assert.Equal(t, first.PriceType, second.PriceType)
	assert.True(t, first.Total.Equal(second.Total))
}

func TestResolvePrice_Errors(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewProductRepository()
	product := seedTieredProduct(t, repo)
	inactive, err := repo.Create(ctx, domain.Product{Name: "Old", BasePrice: decimal.NewFromInt(10)})
	require.NoError(t, err)

	resolver := pricing.NewResolver(repo, nil)

	_, err = resolver.ResolvePrice(ctx, product.ID, 0)
	assert.True(t, errors.Is(err, domain.ErrQuantityInvalid))
	assert.True(t, domain.IsValidation(err))

	_, err = resolver.ResolvePrice(ctx, 404, 1)
	assert.True(t, errors.Is(err, domain.ErrProductNotFound))

	_, err = resolver.ResolvePrice(ctx, inactive.ID, 1)
	assert.True(t, domain.IsNotFound(err))
}

func TestSelectTier_TieBreak(t *testing.T) {
	tiers := []domain.PriceTier{
		{ID: 1, PriceType: "a", Price: decimal.NewFromInt(300), MinQuantity: 10, IsActive: true},
		{ID: 2, PriceType: "b", Price: decimal.NewFromInt(200), MinQuantity: 10, IsActive: true},
		{ID: 3, PriceType: "c", Price: decimal.NewFromInt(200), MinQuantity: 10, IsActive: true},
		{ID: 4, PriceType: "d", Price: decimal.NewFromInt(100), MinQuantity: 20, IsActive: false},
	}

	tier, ok := pricing.SelectTier(tiers, 25)
	require.True(t, ok)
	assert.Equal(t, int64(2), tier.ID)

	_, ok = pricing.SelectTier(tiers, 9)
	assert.False(t, ok)
}

func TestListTiers_ReturnsActiveSorted(t *testing.T) {
	repo := memory.NewProductRepository()
	product := seedTieredProduct(t, repo)
	resolver := pricing.NewResolver(repo, nil)

	tiers, err := resolver.ListTiers(context.Background(), product.ID)
	require.NoError(t, err)
	require.Len(t, tiers, 2)
	assert.Equal(t, 5, tiers[0].MinQuantity)
	assert.Equal(t, 10, tiers[1].MinQuantity)
}
