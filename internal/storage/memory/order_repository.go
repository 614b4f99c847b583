package memory

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/storefront/internal/domain"
)

type orderRepositoryInMemory struct {
	mu     sync.RWMutex
	orders map[int64]domain.Order
	lastID int64
	// lastItemID — сквозной счётчик позиций всех заказов.
	lastItemID int64
}

// NewOrderRepository создаёт in-memory хранилище заказов.
func NewOrderRepository() domain.OrderRepository {
	return &orderRepositoryInMemory{orders: make(map[int64]domain.Order)}
}

// Create выдаёт id заказу и всем позициям; версия нового заказа 0.
func (r *orderRepositoryInMemory) Create(_ context.Context, order domain.Order) (domain.Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lastID++
	order.ID = r.lastID
	order.Version = 0
	order.Customer = nil
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.UpdatedAt = order.CreatedAt

	items := make([]domain.OrderItem, 0, len(order.Items))
	for _, item := range order.Items {
		r.lastItemID++
		item.ID, item.OrderID, item.CreatedAt = r.lastItemID, order.ID, order.CreatedAt
		items = append(items, item)
	}
	order.Items = items

	r.orders[order.ID] = order
	return copyOrder(order), nil
}

func (r *orderRepositoryInMemory) Get(_ context.Context, id int64) (domain.Order, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if order, ok := r.orders[id]; ok {
		return copyOrder(order), nil
	}
	return domain.Order{}, domain.ErrOrderNotFound
}

// List отдаёт страницу подходящих заказов от новых к старым и общее число совпадений.
func (r *orderRepositoryInMemory) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, int, error) {
	r.mu.RLock()
	matched := make([]domain.Order, 0, len(r.orders))
	for _, order := range r.orders {
		if filter.Matches(order) {
			matched = append(matched, order)
		}
	}
	r.mu.RUnlock()

	slices.SortFunc(matched, func(a, b domain.Order) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID, a.ID)
	})

	total := len(matched)
	from := min(filter.Offset(), total)
	to := total
	if filter.Limit > 0 {
		to = min(from+filter.Limit, total)
	}

	page := make([]domain.Order, 0, to-from)
	for _, order := range matched[from:to] {
		page = append(page, copyOrder(order))
	}
	return page, total, nil
}

// Save меняет только изменяемые поля заголовка (статус и сумму), если версия совпала.
func (r *orderRepositoryInMemory) Save(_ context.Context, order domain.Order) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.orders[order.ID]
	switch {
	case !ok:
		return domain.ErrOrderNotFound
	case stored.Version != order.Version:
		return domain.ErrOrderVersionConflict
	}

	stored.Status = order.Status
	stored.TotalAmount = order.TotalAmount
	stored.UpdatedAt = time.Now().UTC()
	stored.Version++
	r.orders[order.ID] = stored
	return nil
}

// copyOrder не даёт вызывающему менять позиции в хранилище.
func copyOrder(order domain.Order) domain.Order {
	order.Items = slices.Clone(order.Items)
	return order
}

var _ domain.OrderRepository = (*orderRepositoryInMemory)(nil)
