package domain

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует бизнес-ошибки для вызывающей стороны.
type ErrorKind string

const (
	// KindValidation — отсутствующее или некорректное поле запроса.
	KindValidation ErrorKind = "validation"
	// KindNotFound — неизвестный идентификатор клиента, товара или заказа.
	KindNotFound ErrorKind = "not_found"
	// KindConflict — операция противоречит текущему состоянию (нет стока, товар без учёта остатков).
	KindConflict ErrorKind = "conflict"
)

// Error — структурированная бизнес-ошибка: сообщение и имя поля, которое её вызвало.
type Error struct {
	Kind    ErrorKind
	Field   string
	Message string
}

func (e *Error) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// NewValidationError создаёт ошибку валидации для конкретного поля.
func NewValidationError(field, message string) error {
	return &Error{Kind: KindValidation, Field: field, Message: message}
}

// NewNotFoundError создаёт ошибку отсутствующей сущности.
func NewNotFoundError(field, message string) error {
	return &Error{Kind: KindNotFound, Field: field, Message: message}
}

// NewConflictError создаёт ошибку конфликта состояния.
func NewConflictError(field, message string) error {
	return &Error{Kind: KindConflict, Field: field, Message: message}
}

var (
	// ErrCustomerRequired — не передан ни customerId, ни данные гостя.
	ErrCustomerRequired = &Error{Kind: KindValidation, Field: "customerId", Message: "customerId or customer is required"}
	// ErrFirstNameRequired — у гостевого клиента нет имени.
	ErrFirstNameRequired = &Error{Kind: KindValidation, Field: "customer.firstName", Message: "first name is required"}
	// ErrInvalidStatus — неизвестный статус заказа.
	ErrInvalidStatus = &Error{Kind: KindValidation, Field: "status", Message: "invalid status"}
	// ErrQuantityInvalid — количество должно быть больше нуля.
	ErrQuantityInvalid = &Error{Kind: KindValidation, Field: "quantity", Message: "quantity must be greater than 0"}
	// ErrAmountNegative — сумма заказа не может быть отрицательной.
	ErrAmountNegative = &Error{Kind: KindValidation, Field: "totalAmount", Message: "total amount cannot be negative"}
	// ErrAmountDerived — сумма заказа с позициями вычисляется из позиций и не задаётся вручную.
	ErrAmountDerived = &Error{Kind: KindValidation, Field: "totalAmount", Message: "total amount is derived from order items"}
	// ErrInvalidDirection — операция со стоком не "add" и не "subtract".
	ErrInvalidDirection = &Error{Kind: KindValidation, Field: "operation", Message: `invalid operation, use "add" or "subtract"`}
	// ErrPriceInvalid — цена должна быть больше нуля.
	ErrPriceInvalid = &Error{Kind: KindValidation, Field: "price", Message: "price must be greater than 0"}
	// ErrBasePriceInvalid — базовая цена товара должна быть больше нуля.
	ErrBasePriceInvalid = &Error{Kind: KindValidation, Field: "basePrice", Message: "base price must be greater than 0"}
	// ErrStockNegative — начальный остаток товара не может быть отрицательным.
	ErrStockNegative = &Error{Kind: KindValidation, Field: "stockQuantity", Message: "stock quantity cannot be negative"}
	// ErrPriceTypeRequired — у ценового уровня нет типа.
	ErrPriceTypeRequired = &Error{Kind: KindValidation, Field: "priceType", Message: "price type is required"}
	// ErrMinQuantityInvalid — порог уровня должен быть не меньше 1.
	ErrMinQuantityInvalid = &Error{Kind: KindValidation, Field: "minQuantity", Message: "min quantity must be at least 1"}
	// ErrDuplicateKey — нарушена уникальность (например, SKU).
	ErrDuplicateKey = &Error{Kind: KindValidation, Field: "sku", Message: "value already exists"}

	// ErrCustomerNotFound — клиент не найден или неактивен.
	ErrCustomerNotFound = &Error{Kind: KindNotFound, Field: "customerId", Message: "customer not found or inactive"}
	// ErrProductNotFound — товар не найден или неактивен.
	ErrProductNotFound = &Error{Kind: KindNotFound, Field: "productId", Message: "product not found"}
	// ErrOrderNotFound возвращается, если заказ не найден в репозитории.
	ErrOrderNotFound = &Error{Kind: KindNotFound, Field: "id", Message: "order not found"}

	// ErrInsufficientStock — списание увело бы остаток ниже нуля.
	ErrInsufficientStock = &Error{Kind: KindConflict, Field: "stockQuantity", Message: "insufficient stock"}
	// ErrInventoryNotTracked — операция со стоком для товара без учёта остатков.
	ErrInventoryNotTracked = &Error{Kind: KindConflict, Field: "trackInventory", Message: "this product does not track inventory"}
	// ErrOrderVersionConflict сигнализирует о конфликте версий при сохранении.
	ErrOrderVersionConflict = &Error{Kind: KindConflict, Field: "version", Message: "order version conflict"}

	// ErrOutboxNotPending — сообщения нет или оно уже отправлено либо помечено ошибкой.
	ErrOutboxNotPending = errors.New("outbox message is not pending")
)

func kindOf(err error) (ErrorKind, bool) {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Kind, true
	}
	return "", false
}

// IsValidation сообщает, что ошибка вызвана некорректным запросом.
func IsValidation(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindValidation
}

// IsNotFound сообщает, что запрошенная сущность отсутствует.
func IsNotFound(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindNotFound
}

// IsConflict сообщает о конфликте с текущим состоянием.
func IsConflict(err error) bool {
	kind, ok := kindOf(err)
	return ok && kind == KindConflict
}

// FieldOf возвращает имя поля, вызвавшего бизнес-ошибку.
func FieldOf(err error) string {
	var domainErr *Error
	if errors.As(err, &domainErr) {
		return domainErr.Field
	}
	return ""
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrOrderVersionConflict)
}
