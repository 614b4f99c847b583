package domain

import "context"

// ProductRepository — каталог товаров и ценовых уровней.
type ProductRepository interface {
	// Create добавляет товар в каталог. SKU, если задан, должен быть уникален.
	Create(ctx context.Context, product Product) (Product, error)
	// Get возвращает товар по идентификатору или ErrProductNotFound.
	Get(ctx context.Context, id int64) (Product, error)
	// AddPriceTier добавляет ценовой уровень товару.
	AddPriceTier(ctx context.Context, tier PriceTier) (PriceTier, error)
	// ListPriceTiers возвращает все уровни товара, отсортированные по MinQuantity и ID.
	ListPriceTiers(ctx context.Context, productID int64) ([]PriceTier, error)
	// AdjustStock атомарно меняет остаток на delta и возвращает новое значение.
	// Проверка на отрицательный остаток выполняется в момент записи:
	// ErrInsufficientStock, если результат < 0; ErrInventoryNotTracked для товаров без учёта.
	AdjustStock(ctx context.Context, id int64, delta int) (int, error)
}

// CustomerRepository — хранилище клиентов.
type CustomerRepository interface {
	// Create сохраняет клиента и возвращает его с присвоенным ID.
	Create(ctx context.Context, customer Customer) (Customer, error)
	// Get возвращает клиента или ErrCustomerNotFound.
	Get(ctx context.Context, id int64) (Customer, error)
}

// OrderRepository описывает требования к хранилищу заказов.
type OrderRepository interface {
	// Create сохраняет заголовок и все позиции одной транзакцией и возвращает заказ с ID.
	Create(ctx context.Context, order Order) (Order, error)
	// Get возвращает заказ с позициями или ErrOrderNotFound.
	Get(ctx context.Context, id int64) (Order, error)
	// List возвращает страницу заказов, новые первыми.
	List(ctx context.Context, filter OrderFilter) ([]Order, int, error)
	// Save обновляет заголовок заказа с учётом optimistic locking.
	Save(ctx context.Context, order Order) error
}
