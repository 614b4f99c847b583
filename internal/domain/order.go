package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending — заказ создан и ждёт сборки.
	OrderStatusPending OrderStatus = "pending"
	// OrderStatusPreparing — заказ собирается.
	OrderStatusPreparing OrderStatus = "preparing"
	// OrderStatusShipped — заказ передан в доставку.
	OrderStatusShipped OrderStatus = "shipped"
	// OrderStatusDelivered — заказ доставлен клиенту.
	OrderStatusDelivered OrderStatus = "delivered"
	// OrderStatusCancelled — заказ отменён.
	OrderStatusCancelled OrderStatus = "cancelled"
	// OrderStatusBackordered — при создании не хватило остатка, сток не списывался.
	// Выставляется только автоматически при создании заказа.
	OrderStatusBackordered OrderStatus = "backordered"
)

var manualStatuses = []OrderStatus{
	OrderStatusPending,
	OrderStatusPreparing,
	OrderStatusShipped,
	OrderStatusDelivered,
	OrderStatusCancelled,
}

// Valid проверяет, что статус относится к известным значениям (путь создания заказа).
func (s OrderStatus) Valid() bool {
	return s == OrderStatusBackordered || s.ManuallySettable()
}

// ManuallySettable сообщает, можно ли выставить статус у существующего заказа.
func (s OrderStatus) ManuallySettable() bool {
	for _, status := range manualStatuses {
		if s == status {
			return true
		}
	}
	return false
}

// ParseOrderStatus разбирает статус для создания заказа; пустая строка означает pending.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	if status == "" {
		return OrderStatusPending, nil
	}
	if !status.Valid() {
		return "", invalidStatusError(append(manualStatuses, OrderStatusBackordered))
	}
	return status, nil
}

// ParseManualStatus разбирает статус для обновления существующего заказа.
func ParseManualStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.TrimSpace(raw))
	if !status.ManuallySettable() {
		return "", invalidStatusError(manualStatuses)
	}
	return status, nil
}

func invalidStatusError(allowed []OrderStatus) error {
	names := make([]string, 0, len(allowed))
	for _, status := range allowed {
		names = append(names, string(status))
	}
	return fmt.Errorf("%w (valid statuses: %s)", ErrInvalidStatus, strings.Join(names, ", "))
}

// OrderItem — позиция заказа. Цена и сумма фиксируются при создании и больше не пересчитываются.
type OrderItem struct {
	ID        int64           `json:"id"`
	OrderID   int64           `json:"orderId"`
	ProductID int64           `json:"productId"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unitPrice"`
	PriceType string          `json:"priceType"`
	Subtotal  decimal.Decimal `json:"subtotal"`
	CreatedAt time.Time       `json:"createdAt"`
}

// Order агрегирует заголовок заказа и его позиции.
type Order struct {
	ID          int64           `json:"id"`
	CustomerID  int64           `json:"customerId"`
	Status      OrderStatus     `json:"status"`
	TotalAmount decimal.Decimal `json:"totalAmount"`
	Items       []OrderItem     `json:"items,omitempty"`
	Version     int64           `json:"version"`
	CreatedAt   time.Time       `json:"createdAt"`
	UpdatedAt   time.Time       `json:"updatedAt"`

	// Customer заполняется на чтении, в хранилище не пишется.
	Customer *Customer `json:"customer,omitempty"`
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error
	if o.CustomerID <= 0 {
		errs = append(errs, ErrCustomerRequired)
	}
	return append(errs, o.ValidateContents()...)
}

// ValidateContents проверяет статус, позиции и сумму без привязки к клиенту,
// поэтому годится для черновика заказа до создания гостя.
func (o *Order) ValidateContents() []error {
	var errs []error

	if !o.Status.Valid() {
		errs = append(errs, ErrInvalidStatus)
	}
	if o.TotalAmount.IsNegative() {
		errs = append(errs, ErrAmountNegative)
	}
	if len(o.Items) == 0 {
		return errs
	}

	// Сумма заказа с позициями обязана совпадать с суммой подытогов.
	calc := decimal.Zero
	for _, item := range o.Items {
		if item.Quantity <= 0 {
			errs = append(errs, ErrQuantityInvalid)
		}
		if !item.UnitPrice.IsPositive() {
			errs = append(errs, ErrPriceInvalid)
		}
		if !item.Subtotal.Equal(item.UnitPrice.Mul(decimal.NewFromInt(int64(item.Quantity)))) {
			errs = append(errs, ErrAmountDerived)
		}
		calc = calc.Add(item.Subtotal)
	}
	if !calc.Equal(o.TotalAmount) {
		errs = append(errs, ErrAmountDerived)
	}

	return errs
}

// OrderItemRequest — запрошенная позиция заказа.
type OrderItemRequest struct {
	ProductID int64 `json:"productId"`
	Quantity  int   `json:"quantity"`
}

// CreateOrderRequest — входные данные создания заказа.
type CreateOrderRequest struct {
	CustomerID  *int64             `json:"customerId,omitempty"`
	Customer    *GuestCustomer     `json:"customer,omitempty"`
	Status      string             `json:"status,omitempty"`
	TotalAmount *decimal.Decimal   `json:"totalAmount,omitempty"`
	Items       []OrderItemRequest `json:"items,omitempty"`
}

// CustomerRef возвращает ссылку на клиента из запроса.
func (r CreateOrderRequest) CustomerRef() CustomerRef {
	return CustomerRef{ID: r.CustomerID, Guest: r.Customer}
}

// UpdateOrderRequest — частичное обновление заказа; nil-поля не меняются.
type UpdateOrderRequest struct {
	Status      *string          `json:"status,omitempty"`
	TotalAmount *decimal.Decimal `json:"totalAmount,omitempty"`
}

// OrderFilter — параметры выборки заказов.
type OrderFilter struct {
	Status     OrderStatus
	CustomerID int64
	Page       int
	Limit      int
}

// Matches сообщает, подходит ли заказ под фильтр; пустые поля не ограничивают выборку.
func (f OrderFilter) Matches(o Order) bool {
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	return f.CustomerID <= 0 || o.CustomerID == f.CustomerID
}

// Offset возвращает смещение для постраничной выборки.
func (f OrderFilter) Offset() int {
	if f.Page <= 1 {
		return 0
	}
	return (f.Page - 1) * f.Limit
}

// Pagination описывает страницу результата.
type Pagination struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewPagination считает количество страниц для выборки.
func NewPagination(total, page, limit int) Pagination {
	pages := 0
	if limit > 0 {
		pages = (total + limit - 1) / limit
	}
	return Pagination{Total: total, Page: page, Limit: limit, TotalPages: pages}
}

// OrderPage — страница заказов вместе с метаданными пагинации.
type OrderPage struct {
	Orders     []Order    `json:"orders"`
	Pagination Pagination `json:"pagination"`
}
