package domain

import (
	"strings"
	"time"
)

// OrderStatus описывает жизненный цикл заказа.
type OrderStatus string

const (
	// OrderStatusPending - заказ создан и ожидает оплаты.
	OrderStatusPending OrderStatus = "PENDING"
	// OrderStatusConfirmed - оплата подтверждена.
	OrderStatusConfirmed OrderStatus = "CONFIRMED"
	// OrderStatusProcessing - заказ собирается.
	OrderStatusProcessing OrderStatus = "PROCESSING"
	// OrderStatusShipped - передан перевозчику.
	OrderStatusShipped OrderStatus = "SHIPPED"
	// OrderStatusDelivered - доставлен, терминальное состояние.
	OrderStatusDelivered OrderStatus = "DELIVERED"
	// OrderStatusCancelled - отменён, терминальное состояние.
	OrderStatusCancelled OrderStatus = "CANCELLED"
)

// ParseOrderStatus разбирает статус без учёта регистра.
func ParseOrderStatus(raw string) (OrderStatus, error) {
	status := OrderStatus(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", Validation(ErrInvalidOrderState.Code, "unknown order state %q", raw)
	}
	return status, nil
}

// Valid проверяет, что статус известен.
func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusConfirmed, OrderStatusProcessing,
		OrderStatusShipped, OrderStatusDelivered, OrderStatusCancelled:
		return true
	default:
		return false
	}
}

// Terminal сообщает, что из статуса нет переходов.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusDelivered || s == OrderStatusCancelled
}

// Cancellable сообщает, что заказ ещё можно отменить.
func (s OrderStatus) Cancellable() bool {
	return s == OrderStatusPending || s == OrderStatusConfirmed
}

// CanTransitionTo проверяет переход для updateState:
// из любого нетерминального статуса в любой известный.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !next.Valid() || s.Terminal() {
		return false
	}
	if next == OrderStatusCancelled {
		return s.Cancellable()
	}
	return true
}

// Address - адрес доставки.
type Address struct {
	Recipient  string
	Line1      string
	Line2      string
	City       string
	Region     string
	PostalCode string
	Country    string
	Phone      string
}

// Validate проверяет обязательные поля адреса.
func (a Address) Validate() error {
	if strings.TrimSpace(a.Line1) == "" || strings.TrimSpace(a.City) == "" ||
		strings.TrimSpace(a.PostalCode) == "" || strings.TrimSpace(a.Country) == "" {
		return ErrShippingAddressInvalid
	}
	return nil
}

// OrderItem - зафиксированная позиция заказа.
type OrderItem struct {
	ID             string
	ProductID      string
	SKU            string
	Name           string
	Size           string
	Qty            int64
	UnitPriceMinor int64
	SubtotalMinor  int64
	CreatedAt      time.Time
}

// Order агрегирует состояние заказа и его позиции.
// Позиции и суммы не меняются после создания.
type Order struct {
	ID              string
	OwnerID         string
	Status          OrderStatus
	Currency        string
	Items           []OrderItem
	SubtotalMinor   int64
	TaxMinor        int64
	ShippingMinor   int64
	TotalMinor      int64
	ShippingAddress Address
	PaymentMethod   string
	Notes           string
	Carrier         string
	TrackingNumber  string
	PaymentRef      string
	// StockReserved выставляется, когда при создании были списаны остатки.
	StockReserved bool
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Clone возвращает копию заказа с независимым срезом позиций.
func (o Order) Clone() Order {
	out := o
	out.Items = append([]OrderItem(nil), o.Items...)
	return out
}

// ValidateInvariants проверяет базовые инварианты заказа и возвращает список замечаний.
func (o *Order) ValidateInvariants() []error {
	var errs []error

	if o.OwnerID == "" {
		errs = append(errs, ErrOwnerRequired)
	}
	if o.Currency == "" {
		errs = append(errs, ErrCurrencyRequired)
	}
	if len(o.Items) == 0 {
		errs = append(errs, ErrItemsRequired)
	}
	if o.SubtotalMinor < 0 || o.TaxMinor < 0 || o.ShippingMinor < 0 {
		errs = append(errs, ErrAmountNegative)
	}

	var calc int64
	for _, item := range o.Items {
		if item.Qty <= 0 {
			errs = append(errs, ErrInvalidQuantity)
		}
		if item.UnitPriceMinor < 0 {
			errs = append(errs, ErrPriceInvalid)
		}
		if item.SubtotalMinor != item.Qty*item.UnitPriceMinor {
			errs = append(errs, ErrAmountMismatch)
		}
		calc += item.SubtotalMinor
	}
	if calc != o.SubtotalMinor || o.SubtotalMinor+o.TaxMinor+o.ShippingMinor != o.TotalMinor {
		errs = append(errs, ErrAmountMismatch)
	}

	return errs
}

// OrderFilter - параметры выборки заказов.
// OwnerID принудительно выставляется сервисом для непривилегированных субъектов.
type OrderFilter struct {
	OwnerID string
	Status  OrderStatus
	From    time.Time
	To      time.Time
	Limit   int
	Offset  int
}

// Matches проверяет заказ на соответствие фильтру (без пагинации).
func (f OrderFilter) Matches(o Order) bool {
	if f.OwnerID != "" && o.OwnerID != f.OwnerID {
		return false
	}
	if f.Status != "" && o.Status != f.Status {
		return false
	}
	if !f.From.IsZero() && o.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !o.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
