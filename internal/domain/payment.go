package domain

import (
	"fmt"
	"strings"
	"time"
)

// PaymentStatus описывает состояние платежа в системе.
type PaymentStatus string

const (
	PaymentStatusPending        PaymentStatus = "PENDING"
	PaymentStatusRequiresAction PaymentStatus = "REQUIRES_ACTION"
	PaymentStatusProcessing     PaymentStatus = "PROCESSING"
	PaymentStatusCompleted      PaymentStatus = "COMPLETED"
	PaymentStatusFailed         PaymentStatus = "FAILED"
	PaymentStatusRefunded       PaymentStatus = "REFUNDED"
)

// PaymentMethodCard - единственный поддерживаемый способ оплаты.
const PaymentMethodCard = "card"

var paymentTransitions = map[PaymentStatus][]PaymentStatus{
	PaymentStatusPending:        {PaymentStatusRequiresAction, PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusRequiresAction: {PaymentStatusProcessing, PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusProcessing:     {PaymentStatusCompleted, PaymentStatusFailed},
	PaymentStatusCompleted:      {PaymentStatusRefunded},
}

// CanTransitionTo проверяет переход по машине состояний платежа.
func (s PaymentStatus) CanTransitionTo(next PaymentStatus) bool {
	for _, allowed := range paymentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Payment описывает одну попытку оплаты заказа.
type Payment struct {
	ID                string
	OrderID           string
	PayerID           string
	Provider          string
	Method            string
	AmountMinor       int64
	Currency          string
	Status            PaymentStatus
	ProviderPaymentID string
	CheckoutSessionID string
	ClientSecret      string
	IdempotencyKey    string
	FailureCode       string
	FailureMessage    string
	RefundID          string
	RefundAmountMinor int64
	RefundReason      string
	ProcessedEventIDs []string
	Metadata          map[string]any
	Version           int64
	CompletedAt       time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// HasProcessedEvent сообщает, применялось ли уже событие провайдера.
func (p Payment) HasProcessedEvent(eventID string) bool {
	for _, id := range p.ProcessedEventIDs {
		if id == eventID {
			return true
		}
	}
	return false
}

// Clone возвращает копию платежа с независимыми коллекциями.
func (p Payment) Clone() Payment {
	out := p
	out.ProcessedEventIDs = append([]string(nil), p.ProcessedEventIDs...)
	if p.Metadata != nil {
		out.Metadata = make(map[string]any, len(p.Metadata))
		for k, v := range p.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Validate проверяет корректность полей платежа и возвращает ошибки, если они есть.
func (p *Payment) Validate() []error {
	var errs []error

	if p.OrderID == "" {
		errs = append(errs, Validation("order_id_required", "order_id is required"))
	}
	if p.Provider == "" {
		errs = append(errs, ErrPaymentProviderRequired)
	}
	if p.AmountMinor < 0 {
		errs = append(errs, ErrPaymentAmountNegative)
	}
	if strings.TrimSpace(p.IdempotencyKey) == "" {
		errs = append(errs, Validation("idempotency_key_required", "idempotency key is required"))
	}
	if err := ValidateMetadata(p.Metadata); err != nil {
		errs = append(errs, err)
	}

	return errs
}

// ValidateMetadata допускает только скалярные значения.
func ValidateMetadata(md map[string]any) error {
	for k, v := range md {
		switch v.(type) {
		case nil, string, bool, int, int32, int64, float32, float64:
		default:
			return Validation(ErrMetadataInvalid.Code, "metadata value for %q must be a scalar, got %T", k, v)
		}
	}
	return nil
}

// MetadataStrings приводит метаданные к строкам для провайдера.
func MetadataStrings(md map[string]any) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		if v == nil {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// PaymentOrderView - минимальная проекция заказа в ответе о платеже.
type PaymentOrderView struct {
	ID         string
	Status     OrderStatus
	TotalMinor int64
	Currency   string
}

// PaymentWithOrder объединяет платёж и проекцию заказа.
type PaymentWithOrder struct {
	Payment Payment
	Order   PaymentOrderView
}
