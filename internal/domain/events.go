package domain

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Агрегаты outbox.
const (
	AggregateProduct = "product"
	AggregateOrder   = "order"
	AggregatePayment = "payment"
)

// Типы событий outbox.
const (
	EventStockMovementRecorded = "StockMovementRecorded"
	EventLowStockDetected      = "LowStockDetected"
	EventOrderCreated          = "OrderCreated"
	EventOrderStatusChanged    = "OrderStatusChanged"
	EventOrderCancelled        = "OrderCancelled"
	EventPaymentInitiated      = "PaymentInitiated"
	EventPaymentCompleted      = "PaymentCompleted"
	EventPaymentFailed         = "PaymentFailed"
	EventPaymentRefunded       = "PaymentRefunded"
)

// EventPaymentReconciliationRequired: провайдер сообщил об успехе платежа, который уже FAILED.
const EventPaymentReconciliationRequired = "PaymentReconciliationRequired"

// StockMovementEvent - полезная нагрузка StockMovementRecorded.
type StockMovementEvent struct {
	MovementID     string       `json:"movement_id"`
	ProductID      string       `json:"product_id"`
	Size           string       `json:"size,omitempty"`
	Kind           MovementKind `json:"kind"`
	Delta          int64        `json:"delta"`
	QuantityBefore int64        `json:"quantity_before"`
	QuantityAfter  int64        `json:"quantity_after"`
	OrderID        string       `json:"order_id,omitempty"`
	OccurredAt     time.Time    `json:"occurred_at"`
}

// LowStockEvent - полезная нагрузка LowStockDetected.
type LowStockEvent struct {
	ProductID  string          `json:"product_id"`
	SKU        string          `json:"sku"`
	Critical   bool            `json:"critical"`
	Alerts     []LowStockAlert `json:"alerts"`
	OccurredAt time.Time       `json:"occurred_at"`
}

// OrderEvent - полезная нагрузка событий заказа.
type OrderEvent struct {
	OrderID    string      `json:"order_id"`
	OwnerID    string      `json:"owner_id"`
	Status     OrderStatus `json:"status"`
	Previous   OrderStatus `json:"previous_status,omitempty"`
	TotalMinor int64       `json:"total_minor"`
	Currency   string      `json:"currency"`
	Reason     string      `json:"reason,omitempty"`
	OccurredAt time.Time   `json:"occurred_at"`
}

// PaymentEvent - полезная нагрузка событий платежа.
type PaymentEvent struct {
	PaymentID         string        `json:"payment_id"`
	OrderID           string        `json:"order_id"`
	Status            PaymentStatus `json:"status"`
	AmountMinor       int64         `json:"amount_minor"`
	Currency          string        `json:"currency"`
	ProviderPaymentID string        `json:"provider_payment_id,omitempty"`
	ProviderEventID   string        `json:"provider_event_id,omitempty"`
	FailureCode       string        `json:"failure_code,omitempty"`
	RefundAmountMinor int64         `json:"refund_amount_minor,omitempty"`
	OccurredAt        time.Time     `json:"occurred_at"`
}

// NewOutboxMessage сериализует payload в сообщение outbox.
func NewOutboxMessage(aggregateType, aggregateID, eventType string, payload any) (OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return OutboxMessage{
		ID:            uuid.NewString(),
		AggregateType: aggregateType,
		AggregateID:   aggregateID,
		EventType:     eventType,
		Payload:       raw,
	}, nil
}

// EnqueueEvent добавляет событие в outbox текущей единицы работы.
func EnqueueEvent(ctx context.Context, outbox OutboxRepository, aggregateType, aggregateID, eventType string, payload any) error {
	msg, err := NewOutboxMessage(aggregateType, aggregateID, eventType, payload)
	if err != nil {
		return err
	}
	if _, err := outbox.Enqueue(ctx, msg); err != nil {
		return fmt.Errorf("enqueue %s: %w", eventType, err)
	}
	return nil
}
