package payment

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// MockProvider - имя провайдера заглушки.
const MockProvider = "mock"

// MockEvent - формат вебхука заглушки. Типы событий совпадают с именами Stripe.
type MockEvent struct {
	ID   string        `json:"id"`
	Type string        `json:"type"`
	Data MockEventData `json:"data"`
}

// MockEventData - объект события.
type MockEventData struct {
	PaymentIntentID   string `json:"payment_intent,omitempty"`
	CheckoutSessionID string `json:"checkout_session,omitempty"`
	PaymentStatus     string `json:"payment_status,omitempty"`
	FailureCode       string `json:"failure_code,omitempty"`
	FailureMessage    string `json:"failure_message,omitempty"`
	RefundID          string `json:"refund_id,omitempty"`
	AmountRefunded    int64  `json:"amount_refunded,omitempty"`
	RefundReason      string `json:"refund_reason,omitempty"`
}

// MockGateway - конфигурируемый платёжный шлюз для тестов и локального запуска.
// Вебхуки подписываются HMAC-SHA256 (hex) над сырым телом.
type MockGateway struct {
	secret []byte

	mu        sync.Mutex
	intents   map[string]domain.PaymentIntent
	refunds   map[string]domain.RefundResult
	seq       int
	CreateErr error
	RefundErr error

	CreateCalls int
	RefundCalls int
}

// NewMockGateway возвращает шлюз с успешным сценарием по умолчанию.
func NewMockGateway(webhookSecret string) *MockGateway {
	return &MockGateway{
		secret:  []byte(webhookSecret),
		intents: make(map[string]domain.PaymentIntent),
		refunds: make(map[string]domain.RefundResult),
	}
}

// Provider возвращает имя провайдера.
func (m *MockGateway) Provider() string { return MockProvider }

// CreatePaymentIntent возвращает один и тот же объект для повторов с тем же ключом.
func (m *MockGateway) CreatePaymentIntent(_ context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CreateCalls++
	if m.CreateErr != nil {
		return domain.PaymentIntent{}, m.CreateErr
	}
	if intent, ok := m.intents[req.IdempotencyKey]; ok {
		return intent, nil
	}
	m.seq++
	intent := domain.PaymentIntent{
		ProviderID:   fmt.Sprintf("pi_mock_%d", m.seq),
		ClientSecret: fmt.Sprintf("pi_mock_%d_secret", m.seq),
		Status:       domain.PaymentStatusPending,
	}
	m.intents[req.IdempotencyKey] = intent
	return intent, nil
}

// IntentCount возвращает число созданных объектов оплаты.
func (m *MockGateway) IntentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.intents)
}

// Refund возвращает настроенный результат и считает вызовы.
func (m *MockGateway) Refund(_ context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.RefundCalls++
	if m.RefundErr != nil {
		return domain.RefundResult{}, m.RefundErr
	}
	if res, ok := m.refunds[req.IdempotencyKey]; ok {
		return res, nil
	}
	m.seq++
	res := domain.RefundResult{
		RefundID:    fmt.Sprintf("re_mock_%d", m.seq),
		AmountMinor: req.AmountMinor,
		Status:      "succeeded",
	}
	m.refunds[req.IdempotencyKey] = res
	return res, nil
}

// Sign возвращает подпись тела.
func (m *MockGateway) Sign(rawBody []byte) string {
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifyWebhook проверяет подпись и нормализует событие.
func (m *MockGateway) VerifyWebhook(rawBody []byte, signature string) (domain.GatewayEvent, error) {
	if len(rawBody) == 0 || signature == "" || len(m.secret) == 0 {
		return domain.GatewayEvent{}, domain.ErrSignatureInvalid
	}
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return domain.GatewayEvent{}, domain.ErrSignatureInvalid
	}
	mac := hmac.New(sha256.New, m.secret)
	mac.Write(rawBody)
	if !hmac.Equal(expected, mac.Sum(nil)) {
		return domain.GatewayEvent{}, domain.ErrSignatureInvalid
	}

	var event MockEvent
	if err := json.Unmarshal(rawBody, &event); err != nil {
		return domain.GatewayEvent{}, domain.Validation("webhook_payload_invalid", "decode webhook payload: %v", err)
	}
	if event.ID == "" {
		return domain.GatewayEvent{}, domain.Validation("webhook_payload_invalid", "webhook event id is missing")
	}

	out := domain.GatewayEvent{
		ID:                event.ID,
		RawType:           event.Type,
		Type:              NormalizeEventType(event.Type),
		ProviderPaymentID: event.Data.PaymentIntentID,
		CheckoutSessionID: event.Data.CheckoutSessionID,
		CheckoutPaid:      event.Data.PaymentStatus == "paid",
		FailureCode:       event.Data.FailureCode,
		FailureMessage:    event.Data.FailureMessage,
		RefundID:          event.Data.RefundID,
		RefundAmountMinor: event.Data.AmountRefunded,
		RefundReason:      event.Data.RefundReason,
	}
	return out, nil
}

// NormalizeEventType сопоставляет тип события провайдера с типом домена.
func NormalizeEventType(raw string) domain.GatewayEventType {
	switch raw {
	case "payment_intent.succeeded":
		return domain.GatewayEventPaymentSucceeded
	case "payment_intent.payment_failed":
		return domain.GatewayEventPaymentFailed
	case "checkout.session.completed":
		return domain.GatewayEventCheckoutCompleted
	case "checkout.session.async_payment_succeeded":
		return domain.GatewayEventCheckoutAsyncSucceeded
	case "checkout.session.async_payment_failed":
		return domain.GatewayEventCheckoutAsyncFailed
	case "charge.refunded":
		return domain.GatewayEventRefunded
	default:
		return domain.GatewayEventUnknown
	}
}

var _ domain.PaymentGateway = (*MockGateway)(nil)
