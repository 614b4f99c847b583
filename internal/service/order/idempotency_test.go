package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
	"github.com/vladislavdragonenkov/storefront/internal/service/order"
	"github.com/vladislavdragonenkov/storefront/internal/storage/memory"
)

func newIdempotentService(t *testing.T) (*order.Service, *countingCustomers, domain.ProductRepository, domain.Product) {
	t.Helper()
	ctx := context.Background()

	products := memory.NewProductRepository()
	widget, err := products.Create(ctx, domain.Product{
		Name:           "Widget",
		BasePrice:      decimal.NewFromInt(10),
		StockQuantity:  5,
		TrackInventory: true,
		IsActive:       true,
	})
	require.NoError(t, err)

	customers := &countingCustomers{CustomerRepository: memory.NewCustomerRepository()}
	svc := order.NewService(order.Deps{
		Orders:      memory.NewOrderRepository(),
		Products:    products,
		Customers:   customers,
		Idempotency: memory.NewIdempotencyRepository(),
	})
	return svc, customers, products, widget
}

func TestCreateOrderIdempotent_ReplaysResult(t *testing.T) {
	ctx := context.Background()
	svc, customers, products, widget := newIdempotentService(t)

	req := domain.CreateOrderRequest{
		Customer: &domain.GuestCustomer{FirstName: "Guest"},
		Items:    []domain.OrderItemRequest{{ProductID: widget.ID, Quantity: 2}},
	}

	first, err := svc.CreateOrderIdempotent(ctx, "key-1", req)
	require.NoError(t, err)
	second, err := svc.CreateOrderIdempotent(ctx, "key-1", req)
	require.NoError(t, err)

	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.True(t, first.Order.TotalAmount.Equal(second.Order.TotalAmount))
	assert.Equal(t, 1, customers.count())

	product, err := products.Get(ctx, widget.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, product.StockQuantity)
}

func TestCreateOrderIdempotent_HashMismatch(t *testing.T) {
	ctx := context.Background()
	svc, _, _, widget := newIdempotentService(t)

	req := domain.CreateOrderRequest{
		Customer: &domain.GuestCustomer{FirstName: "Guest"},
		Items:    []domain.OrderItemRequest{{ProductID: widget.ID, Quantity: 1}},
	}
	_, err := svc.CreateOrderIdempotent(ctx, "key-2", req)
	require.NoError(t, err)

	req.Items[0].Quantity = 2
	_, err = svc.CreateOrderIdempotent(ctx, "key-2", req)
	assert.True(t, errors.Is(err, domain.ErrIdempotencyHashMismatch))
	assert.True(t, domain.IsConflict(err))
}

func TestCreateOrderIdempotent_ReplaysBusinessFailure(t *testing.T) {
	ctx := context.Background()
	svc, _, _, _ := newIdempotentService(t)

	req := domain.CreateOrderRequest{Status: "pending"}
	_, err := svc.CreateOrderIdempotent(ctx, "key-3", req)
	require.True(t, errors.Is(err, domain.ErrCustomerRequired))

	_, err = svc.CreateOrderIdempotent(ctx, "key-3", req)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
	assert.Equal(t, "customerId", domain.FieldOf(err))
}

func TestCreateOrderIdempotent_RequiresKey(t *testing.T) {
	svc, _, _, _ := newIdempotentService(t)

	_, err := svc.CreateOrderIdempotent(context.Background(), " ", domain.CreateOrderRequest{})
	assert.True(t, errors.Is(err, domain.ErrIdempotencyKeyRequired))
}

// outageOrders отказывает в первых failures созданиях заказа, как недоступная база.
type outageOrders struct {
	domain.OrderRepository

	mu       sync.Mutex
	failures int
}

func (o *outageOrders) Create(ctx context.Context, order domain.Order) (domain.Order, error) {
	o.mu.Lock()
	if o.failures > 0 {
		o.failures--
		o.mu.Unlock()
		return domain.Order{}, errors.New("connection refused")
	}
	o.mu.Unlock()
	return o.OrderRepository.Create(ctx, order)
}

func TestCreateOrderIdempotent_InternalFailureIsRetryable(t *testing.T) {
	ctx := context.Background()

	products := memory.NewProductRepository()
	widget, err := products.Create(ctx, domain.Product{Name: "Widget", BasePrice: decimal.NewFromInt(10), IsActive: true})
	require.NoError(t, err)
	customers := memory.NewCustomerRepository()
	buyer, err := customers.Create(ctx, domain.Customer{FirstName: "Ann", IsActive: true})
	require.NoError(t, err)

	keys := memory.NewIdempotencyRepository()
	svc := order.NewService(order.Deps{
		Orders:      &outageOrders{OrderRepository: memory.NewOrderRepository(), failures: 1},
		Products:    products,
		Customers:   customers,
		Idempotency: keys,
	})
	req := domain.CreateOrderRequest{
		CustomerID: &buyer.ID,
		Items:      []domain.OrderItemRequest{{ProductID: widget.ID, Quantity: 1}},
	}

	_, err = svc.CreateOrderIdempotent(ctx, "key-4", req)
	require.ErrorContains(t, err, "connection refused")
	_, err = keys.Get(ctx, "key-4")
	require.ErrorIs(t, err, domain.ErrIdempotencyNotFound, "internal failure must not stay cached")

	result, err := svc.CreateOrderIdempotent(ctx, "key-4", req)
	require.NoError(t, err)
	assert.NotZero(t, result.Order.ID)

	record, err := keys.Get(ctx, "key-4")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, record.Status)
}
