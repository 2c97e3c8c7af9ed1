package domain

import (
	"context"
	"time"
)

// OutboxPublisher публикует события из transactional outbox.
type OutboxPublisher interface {
	// Publish передаёт событие наружу; должен быть идемпотентным.
	Publish(ctx context.Context, event OutboxMessage) error
}

// OutboxRepository позволяет сохранять события для последующей публикации.
type OutboxRepository interface {
	Enqueue(ctx context.Context, msg OutboxMessage) (OutboxMessage, error)
	PullPending(ctx context.Context, limit int) ([]OutboxMessage, error)
	Stats(ctx context.Context) (OutboxStats, error)
	MarkSent(ctx context.Context, id string) error
	MarkFailed(ctx context.Context, id string) error
}

// TimelineRepository хранит события жизненного цикла заказа.
type TimelineRepository interface {
	Append(ctx context.Context, event TimelineEvent) error
	List(ctx context.Context, orderID string) ([]TimelineEvent, error)
}

// IdempotencyRepository хранит состояние обработки запросов по idempotency-key.
type IdempotencyRepository interface {
	// Claim закрепляет ключ за запросом. Живая запись возвращается вместе с
	// ErrIdempotencyKeyAlreadyExists или ErrIdempotencyHashMismatch; просроченная перезаписывается.
	Claim(ctx context.Context, claim IdempotencyClaim) (IdempotencyRecord, error)
	Get(ctx context.Context, scope, key string) (IdempotencyRecord, error)
	// Finish сохраняет ответ; статус выбирается по httpStatus.
	Finish(ctx context.Context, scope, key string, httpStatus int, responseBody []byte) error
	DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error)
}

// OutboxMessage хранит данные для публикуемого события.
type OutboxMessage struct {
	ID            string
	AggregateType string
	AggregateID   string
	EventType     string
	Payload       []byte
}

// OutboxStats описывает текущее состояние backlog transactional outbox.
type OutboxStats struct {
	PendingCount    int
	OldestPendingAt time.Time
}

// PaymentIntentRequest - запрос на создание (или повторное получение) объекта оплаты.
type PaymentIntentRequest struct {
	IdempotencyKey string
	AmountMinor    int64
	Currency       string
	Method         string
	Description    string
	Metadata       map[string]string
}

// PaymentIntent - объект оплаты у провайдера.
type PaymentIntent struct {
	ProviderID   string
	ClientSecret string
	Status       PaymentStatus
}

// RefundRequest - запрос на возврат. AmountMinor=0 означает полный возврат.
type RefundRequest struct {
	ProviderPaymentID string
	AmountMinor       int64
	Reason            string
	IdempotencyKey    string
}

// RefundResult - результат возврата у провайдера.
type RefundResult struct {
	RefundID    string
	AmountMinor int64
	Status      string
}

// GatewayEventType - нормализованный тип вебхук-события.
type GatewayEventType string

const (
	GatewayEventPaymentSucceeded       GatewayEventType = "payment_succeeded"
	GatewayEventPaymentFailed          GatewayEventType = "payment_failed"
	GatewayEventCheckoutCompleted      GatewayEventType = "checkout_completed"
	GatewayEventCheckoutAsyncSucceeded GatewayEventType = "checkout_async_succeeded"
	GatewayEventCheckoutAsyncFailed    GatewayEventType = "checkout_async_failed"
	GatewayEventRefunded               GatewayEventType = "refunded"
	GatewayEventUnknown                GatewayEventType = "unknown"
)

// GatewayEvent - проверенное и нормализованное событие провайдера.
type GatewayEvent struct {
	ID                string
	Type              GatewayEventType
	RawType           string
	ProviderPaymentID string
	CheckoutSessionID string
	// CheckoutPaid для checkout_completed: true, если оплата уже прошла синхронно.
	CheckoutPaid      bool
	FailureCode       string
	FailureMessage    string
	RefundID          string
	RefundAmountMinor int64
	RefundReason      string
}

// PaymentGateway - внешний платёжный провайдер.
type PaymentGateway interface {
	Provider() string
	// CreatePaymentIntent создаёт объект оплаты; повтор с тем же ключом возвращает тот же объект.
	CreatePaymentIntent(ctx context.Context, req PaymentIntentRequest) (PaymentIntent, error)
	// VerifyWebhook проверяет подпись над сырым телом и нормализует событие.
	VerifyWebhook(rawBody []byte, signature string) (GatewayEvent, error)
	Refund(ctx context.Context, req RefundRequest) (RefundResult, error)
}
