package payment

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

func TestMockGateway(t *testing.T) {
	mock := NewMockGateway("whsec_test")
	if mock == nil {
		t.Fatal("expected non-nil mock")
	}

	first, err := mock.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k-1", AmountMinor: 100})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	second, err := mock.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k-1", AmountMinor: 100})
	if err != nil {
		t.Fatalf("unexpected create error: %v", err)
	}
	if first.ProviderID != second.ProviderID || mock.IntentCount() != 1 {
		t.Fatalf("same key must return the same intent: %s vs %s", first.ProviderID, second.ProviderID)
	}

	refund, err := mock.Refund(context.Background(), domain.RefundRequest{ProviderPaymentID: first.ProviderID, AmountMinor: 50, IdempotencyKey: "r-1"})
	if err != nil {
		t.Fatalf("unexpected refund error: %v", err)
	}
	if refund.AmountMinor != 50 || refund.RefundID == "" {
		t.Fatalf("unexpected refund: %+v", refund)
	}

	mock.CreateErr = errors.New("provider down")
	mock.RefundErr = errors.New("provider down")
	if _, err := mock.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k-2"}); err == nil {
		t.Fatal("expected create error")
	}
	if _, err := mock.Refund(context.Background(), domain.RefundRequest{IdempotencyKey: "r-2"}); err == nil {
		t.Fatal("expected refund error")
	}

	if mock.CreateCalls != 3 || mock.RefundCalls != 2 {
		t.Fatalf("unexpected call counters: create=%d refund=%d", mock.CreateCalls, mock.RefundCalls)
	}
}

func TestMockGatewayVerifyWebhook(t *testing.T) {
	mock := NewMockGateway("whsec_test")
	body, _ := json.Marshal(MockEvent{
		ID:   "evt_1",
		Type: "payment_intent.payment_failed",
		Data: MockEventData{PaymentIntentID: "pi_1", FailureCode: "card_declined"},
	})

	event, err := mock.VerifyWebhook(body, mock.Sign(body))
	if err != nil {
		t.Fatalf("unexpected verify error: %v", err)
	}
	if event.Type != domain.GatewayEventPaymentFailed || event.ProviderPaymentID != "pi_1" || event.FailureCode != "card_declined" {
		t.Fatalf("unexpected event: %+v", event)
	}

	tampered := append([]byte(nil), body...)
	tampered[len(tampered)-2] = 'x'
	if _, err := mock.VerifyWebhook(tampered, mock.Sign(body)); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected signature error, got %v", err)
	}
	if _, err := mock.VerifyWebhook(body, ""); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected signature error for missing header, got %v", err)
	}
	if _, err := mock.VerifyWebhook(nil, "00"); !errors.Is(err, domain.ErrSignatureInvalid) {
		t.Fatalf("expected signature error for empty body, got %v", err)
	}
}
