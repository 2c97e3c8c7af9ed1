package domain

import (
	"errors"
	"fmt"
)

// ErrorKind классифицирует ошибку для транспорта и логов.
type ErrorKind string

const (
	KindNotFound               ErrorKind = "not_found"
	KindForbidden              ErrorKind = "forbidden"
	KindValidation             ErrorKind = "validation_failed"
	KindInvalidStateTransition ErrorKind = "invalid_state_transition"
	KindInsufficientStock      ErrorKind = "insufficient_stock"
	KindConflict               ErrorKind = "conflict"
	KindUpstream               ErrorKind = "upstream_failure"
	KindSignatureInvalid       ErrorKind = "signature_invalid"
	KindInternal               ErrorKind = "internal"
)

// Error - типизированная бизнес-ошибка.
// Две ошибки считаются равными для errors.Is, если совпадает Code.
type Error struct {
	Kind    ErrorKind
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil && e.Message == "" {
		return e.Err.Error()
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is сравнивает ошибки по коду, чтобы детализированные ошибки
// совпадали со своими sentinel-значениями.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code != "" && e.Code == t.Code
}

func newError(kind ErrorKind, code, message string) *Error {
	return &Error{Kind: kind, Code: code, Message: message}
}

// KindOf возвращает класс ошибки; неизвестные ошибки считаются внутренними.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return KindInternal
}

// CodeOf возвращает машинный код ошибки или "internal_error".
func CodeOf(err error) string {
	var de *Error
	if errors.As(err, &de) && de.Code != "" {
		return de.Code
	}
	return "internal_error"
}

var (
	// Каталог и склад.
	ErrProductNotFound   = newError(KindNotFound, "product_not_found", "product not found")
	ErrProductInactive   = newError(KindValidation, "product_inactive", "product is not available")
	ErrProductIDRequired = newError(KindValidation, "product_id_required", "product_id is required")
	ErrSKURequired       = newError(KindValidation, "sku_required", "sku is required")
	ErrPriceInvalid      = newError(KindValidation, "price_invalid", "price must be non-negative")
	ErrSizeRequired      = newError(KindValidation, "size_required", "size is required for products with size variants")
	ErrSizeNotApplicable = newError(KindValidation, "size_not_applicable", "product has no size variants")
	ErrUnknownSize       = newError(KindValidation, "unknown_size", "size is not declared for product")
	ErrInsufficientStock = newError(KindInsufficientStock, "insufficient_stock", "insufficient stock")
	ErrInvalidQuantity   = newError(KindValidation, "invalid_quantity", "invalid quantity")
	ErrInvalidMovement   = newError(KindValidation, "invalid_movement", "invalid inventory movement")
	ErrOrderRefRequired  = newError(KindValidation, "order_reference_required", "sale and return movements require an order reference")
	ErrInvalidCursor     = newError(KindValidation, "invalid_cursor", "invalid pagination cursor")

	// Заказы.
	ErrOrderNotFound          = newError(KindNotFound, "order_not_found", "order not found")
	ErrItemsRequired          = newError(KindValidation, "items_required", "order must contain at least one item")
	ErrInvalidOrderState      = newError(KindValidation, "invalid_order_state", "unknown order state")
	ErrInvalidStateTransition = newError(KindInvalidStateTransition, "invalid_state_transition", "invalid state transition")
	ErrShippingAddressInvalid = newError(KindValidation, "shipping_address_invalid", "shipping address is incomplete")
	ErrAmountNegative         = newError(KindValidation, "amount_negative", "amount must be non-negative")
	ErrAmountMismatch         = newError(KindInternal, "amount_mismatch", "order totals do not match items")
	ErrOwnerRequired          = newError(KindValidation, "owner_required", "owner is required")
	ErrCurrencyRequired       = newError(KindValidation, "currency_required", "currency is required")
	ErrCurrencyMismatch       = newError(KindValidation, "currency_mismatch", "all items must share one currency")

	// Корзина.
	ErrCartNotFound          = newError(KindNotFound, "cart_not_found", "cart not found")
	ErrCartOwnerRequired     = newError(KindValidation, "cart_owner_required", "cart owner must be exactly one of user id or session id")
	ErrEmptyCart             = newError(KindValidation, "empty_cart", "cart is empty")
	ErrQuantityLimitExceeded = newError(KindValidation, "quantity_limit_exceeded", "quantity per line exceeds the limit")
	ErrCartItemNotFound      = newError(KindNotFound, "cart_item_not_found", "cart item not found")

	// Платежи.
	ErrPaymentNotFound           = newError(KindNotFound, "payment_not_found", "payment not found")
	ErrUnsupportedPaymentMethod  = newError(KindValidation, "unsupported_payment_method", "unsupported payment method")
	ErrIdempotencyKeyMismatch    = newError(KindConflict, "idempotency_key_reused", "idempotency key already used for another order")
	ErrRefundAmountInvalid       = newError(KindValidation, "refund_amount_invalid", "refund amount must be positive and not exceed the payment amount")
	ErrMetadataInvalid           = newError(KindValidation, "metadata_invalid", "metadata values must be scalars")
	ErrSignatureInvalid          = newError(KindSignatureInvalid, "signature_invalid", "webhook signature verification failed")
	ErrGatewayUnavailable        = newError(KindUpstream, "gateway_unavailable", "payment provider unavailable")
	ErrPaymentProviderRequired   = newError(KindValidation, "payment_provider_required", "payment provider is required")
	ErrPaymentAmountNegative     = newError(KindValidation, "payment_amount_negative", "payment amount must be non-negative")
	ErrPaymentAlreadyInitialized = newError(KindConflict, "payment_already_exists", "payment already exists for idempotency key")

	// Доступ.
	ErrUnauthenticated = newError(KindForbidden, "unauthenticated", "authentication required")
	ErrForbidden       = newError(KindForbidden, "forbidden", "access denied")

	// Хранилище.
	ErrVersionConflict = newError(KindConflict, "version_conflict", "concurrent modification detected")
	ErrAlreadyExists   = newError(KindConflict, "already_exists", "entity already exists")

	// Идемпотентность HTTP-запросов.
	ErrIdempotencyKeyRequired         = errors.New("idempotency key is required")
	ErrIdempotencyRequestHashRequired = errors.New("idempotency request hash is required")
	ErrIdempotencyKeyAlreadyExists    = newError(KindConflict, "idempotency_in_progress", "request with this idempotency key is already being processed")
	ErrIdempotencyHashMismatch        = newError(KindConflict, "idempotency_hash_mismatch", "idempotency key reused with a different request")
	ErrIdempotencyKeyNotFound         = errors.New("idempotency key not found")

	// ErrOutboxPublish - ошибка при публикации сообщения из outbox.
	ErrOutboxPublish = errors.New("outbox publish failed")
)

// InsufficientStock возвращает ошибку с доступным и запрошенным количеством.
func InsufficientStock(productID, size string, available, requested int64) error {
	target := productID
	if size != "" {
		target = fmt.Sprintf("%s (size %s)", productID, size)
	}
	return &Error{
		Kind:    KindInsufficientStock,
		Code:    ErrInsufficientStock.Code,
		Message: fmt.Sprintf("insufficient stock for %s: available: %d, requested: %d", target, available, requested),
	}
}

// InvalidQuantity описывает некорректное количество для конкретной операции.
func InvalidQuantity(format string, args ...any) error {
	return &Error{
		Kind:    KindValidation,
		Code:    ErrInvalidQuantity.Code,
		Message: "invalid quantity: " + fmt.Sprintf(format, args...),
	}
}

// InvalidTransition сообщает о недопустимом переходе с указанием состояний.
func InvalidTransition(entity string, from, to string) error {
	return &Error{
		Kind:    KindInvalidStateTransition,
		Code:    ErrInvalidStateTransition.Code,
		Message: fmt.Sprintf("cannot move %s from %s to %s", entity, from, to),
	}
}

// QuantityLimitExceeded сообщает о превышении лимита на позицию корзины.
func QuantityLimitExceeded(limit, requested int64) error {
	return &Error{
		Kind:    KindValidation,
		Code:    ErrQuantityLimitExceeded.Code,
		Message: fmt.Sprintf("quantity per line exceeds the limit: limit: %d, requested: %d", limit, requested),
	}
}

// Validation создаёт ошибку валидации с произвольным сообщением.
func Validation(code, format string, args ...any) error {
	return &Error{Kind: KindValidation, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Upstream оборачивает ошибку внешнего провайдера.
func Upstream(err error) error {
	return &Error{
		Kind:    KindUpstream,
		Code:    ErrGatewayUnavailable.Code,
		Message: "payment provider error: " + err.Error(),
		Err:     err,
	}
}

// IsVersionConflict проверяет, является ли ошибка конфликтом версий.
func IsVersionConflict(err error) bool {
	return errors.Is(err, ErrVersionConflict)
}

// IsNotFound проверяет принадлежность ошибки к классу NotFound.
func IsNotFound(err error) bool {
	return KindOf(err) == KindNotFound
}

// IsIdempotencyConflict сообщает, что ключ уже занят (в работе или с другим телом).
func IsIdempotencyConflict(err error) bool {
	return errors.Is(err, ErrIdempotencyKeyAlreadyExists) || errors.Is(err, ErrIdempotencyHashMismatch)
}
