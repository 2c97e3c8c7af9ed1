package stripe

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdk "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const testWebhookSecret = "whsec_test_secret"

func newTestGateway(t *testing.T, handler http.HandlerFunc) *Gateway {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	backend := sdk.GetBackendWithConfig(sdk.APIBackend, &sdk.BackendConfig{
		URL:               sdk.String(srv.URL),
		HTTPClient:        srv.Client(),
		MaxNetworkRetries: sdk.Int64(0),
		LeveledLogger:     &sdk.LeveledLogger{Level: sdk.LevelNull},
	})
	gw, err := New(Config{
		SecretKey:     "sk_test_123",
		WebhookSecret: testWebhookSecret,
		Backends:      &sdk.Backends{API: backend, Connect: backend, Uploads: backend},
	})
	require.NoError(t, err)
	return gw
}

func signed(t *testing.T, payload map[string]any) ([]byte, string) {
	t.Helper()

	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	sp := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   raw,
		Secret:    testWebhookSecret,
		Timestamp: time.Now(),
	})
	return sp.Payload, sp.Header
}

func TestNewRequiresSecretKey(t *testing.T) {
	_, err := New(Config{})
	require.Error(t, err)
}

func TestCreatePaymentIntentSendsIdempotencyKey(t *testing.T) {
	var (
		mu      sync.Mutex
		gotKey  string
		gotForm map[string][]string
	)
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		mu.Lock()
		gotKey = r.Header.Get("Idempotency-Key")
		gotForm = r.PostForm
		mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"pi_123","object":"payment_intent","client_secret":"pi_123_secret","status":"requires_payment_method","amount":2650,"currency":"usd"}`))
	})

	intent, err := gw.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{
		IdempotencyKey: "order-1:key-1",
		AmountMinor:    2650,
		Currency:       "USD",
		Method:         "card",
		Metadata:       map[string]string{"order_id": "order-1"},
	})
	require.NoError(t, err)
	require.Equal(t, "pi_123", intent.ProviderID)
	require.Equal(t, "pi_123_secret", intent.ClientSecret)
	require.Equal(t, domain.PaymentStatusPending, intent.Status)

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "order-1:key-1", gotKey)
	require.Equal(t, []string{"2650"}, gotForm["amount"])
	require.Equal(t, []string{"usd"}, gotForm["currency"])
	require.Equal(t, []string{"order-1"}, gotForm["metadata[order_id]"])
}

func TestCreatePaymentIntentMapsProviderErrors(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte(`{"error":{"type":"api_error","message":"try later"}}`))
	})

	_, err := gw.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k", AmountMinor: 100, Currency: "usd"})
	require.Equal(t, domain.KindUpstream, domain.KindOf(err))

	rejecting := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"invalid_request_error","message":"amount too small"}}`))
	})
	_, err = rejecting.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k", AmountMinor: 1, Currency: "usd"})
	require.Equal(t, domain.KindUpstream, domain.KindOf(err))
	require.Equal(t, "payment_rejected", domain.CodeOf(err))
}

func TestIdempotencyErrorIsUpstreamFailure(t *testing.T) {
	gw := newTestGateway(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"type":"idempotency_error","message":"keys for idempotent requests can only be used with the same parameters"}}`))
	})

	_, err := gw.CreatePaymentIntent(context.Background(), domain.PaymentIntentRequest{IdempotencyKey: "k", AmountMinor: 100, Currency: "usd"})
	require.Error(t, err)
	require.Equal(t, domain.KindUpstream, domain.KindOf(err))
	require.Equal(t, "payment_rejected", domain.CodeOf(err))
	require.NotErrorIs(t, err, domain.ErrGatewayUnavailable)
}

func TestRefundUsesPaymentIntent(t *testing.T) {
	var form map[string][]string
	gw := newTestGateway(t, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		form = r.PostForm
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"re_1","object":"refund","amount":500,"status":"succeeded"}`))
	})

	res, err := gw.Refund(context.Background(), domain.RefundRequest{
		ProviderPaymentID: "pi_9",
		AmountMinor:       500,
		Reason:            "requested_by_customer",
		IdempotencyKey:    "refund:pay-1",
	})
	require.NoError(t, err)
	require.Equal(t, "re_1", res.RefundID)
	require.Equal(t, int64(500), res.AmountMinor)
	require.Equal(t, []string{"pi_9"}, form["payment_intent"])
	require.Equal(t, []string{"requested_by_customer"}, form["reason"])
}

func TestVerifyWebhookNormalizesPaymentIntentEvents(t *testing.T) {
	gw := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})

	body, header := signed(t, map[string]any{
		"id":          "evt_1",
		"object":      "event",
		"type":        "payment_intent.payment_failed",
		"api_version": "2020-08-27",
		"data": map[string]any{"object": map[string]any{
			"id":     "pi_77",
			"object": "payment_intent",
			"last_payment_error": map[string]any{
				"code":    "card_declined",
				"message": "Your card was declined.",
			},
		}},
	})

	event, err := gw.VerifyWebhook(body, header)
	require.NoError(t, err)
	require.Equal(t, "evt_1", event.ID)
	require.Equal(t, domain.GatewayEventPaymentFailed, event.Type)
	require.Equal(t, "pi_77", event.ProviderPaymentID)
	require.Equal(t, "card_declined", event.FailureCode)
	require.Equal(t, "Your card was declined.", event.FailureMessage)
}

func TestVerifyWebhookCheckoutAndRefund(t *testing.T) {
	gw := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})

	body, header := signed(t, map[string]any{
		"id": "evt_2", "object": "event", "type": "checkout.session.completed",
		"data": map[string]any{"object": map[string]any{
			"id": "cs_1", "object": "checkout.session", "payment_status": "paid", "payment_intent": "pi_5",
		}},
	})
	event, err := gw.VerifyWebhook(body, header)
	require.NoError(t, err)
	require.Equal(t, domain.GatewayEventCheckoutCompleted, event.Type)
	require.Equal(t, "cs_1", event.CheckoutSessionID)
	require.Equal(t, "pi_5", event.ProviderPaymentID)
	require.True(t, event.CheckoutPaid)

	body, header = signed(t, map[string]any{
		"id": "evt_3", "object": "event", "type": "charge.refunded",
		"data": map[string]any{"object": map[string]any{
			"id": "ch_1", "object": "charge", "payment_intent": "pi_5", "amount_refunded": 700,
			"refunds": map[string]any{"object": "list", "data": []map[string]any{{"id": "re_9", "object": "refund", "reason": "duplicate"}}},
		}},
	})
	event, err = gw.VerifyWebhook(body, header)
	require.NoError(t, err)
	require.Equal(t, domain.GatewayEventRefunded, event.Type)
	require.Equal(t, "pi_5", event.ProviderPaymentID)
	require.Equal(t, int64(700), event.RefundAmountMinor)
	require.Equal(t, "re_9", event.RefundID)
}

func TestVerifyWebhookRejectsBadSignature(t *testing.T) {
	gw := newTestGateway(t, func(http.ResponseWriter, *http.Request) {})

	body, header := signed(t, map[string]any{"id": "evt_4", "object": "event", "type": "payment_intent.succeeded"})

	_, err := gw.VerifyWebhook(body, header+"0")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, err = gw.VerifyWebhook(append(body, ' '), header)
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	_, err = gw.VerifyWebhook(body, "")
	require.ErrorIs(t, err, domain.ErrSignatureInvalid)

	event, err := gw.VerifyWebhook(body, header)
	require.NoError(t, err)
	require.Equal(t, domain.GatewayEventPaymentSucceeded, event.Type)
}
