// Package stripe - платёжный шлюз поверх Stripe API.
package stripe

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	log "github.com/sirupsen/logrus"
	sdk "github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/client"
	"github.com/stripe/stripe-go/v76/webhook"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/payment"
)

// Provider - имя провайдера в записях платежей.
const Provider = "stripe"

// Config - параметры шлюза.
type Config struct {
	SecretKey     string
	WebhookSecret string
	// Backends переопределяет HTTP-бэкенды SDK (тесты, прокси).
	Backends *sdk.Backends
	Logger   *log.Entry
}

// Gateway реализует domain.PaymentGateway.
type Gateway struct {
	api           *client.API
	webhookSecret string
	logger        *log.Entry
}

// New создаёт шлюз. Секретный ключ обязателен.
func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.SecretKey) == "" {
		return nil, errors.New("stripe secret key is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.WithField("component", "stripe-gateway")
	}
	return &Gateway{
		api:           client.New(cfg.SecretKey, cfg.Backends),
		webhookSecret: cfg.WebhookSecret,
		logger:        logger,
	}, nil
}

func (g *Gateway) Provider() string { return Provider }

// CreatePaymentIntent создаёт PaymentIntent. Ключ идемпотентности передаётся в Stripe,
// поэтому повтор запроса возвращает тот же объект.
func (g *Gateway) CreatePaymentIntent(ctx context.Context, req domain.PaymentIntentRequest) (domain.PaymentIntent, error) {
	params := &sdk.PaymentIntentParams{
		Amount:             sdk.Int64(req.AmountMinor),
		Currency:           sdk.String(strings.ToLower(req.Currency)),
		PaymentMethodTypes: sdk.StringSlice([]string{methodType(req.Method)}),
	}
	if req.Description != "" {
		params.Description = sdk.String(req.Description)
	}
	params.Context = ctx
	params.SetIdempotencyKey(req.IdempotencyKey)
	for k, v := range req.Metadata {
		params.AddMetadata(k, v)
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return domain.PaymentIntent{}, mapError(err)
	}

	g.logger.WithFields(log.Fields{
		"payment_intent": pi.ID,
		"status":         pi.Status,
	}).Debug("stripe payment intent created")

	return domain.PaymentIntent{
		ProviderID:   pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       intentStatus(pi.Status),
	}, nil
}

// Refund возвращает деньги по PaymentIntent. AmountMinor=0 означает полный возврат.
func (g *Gateway) Refund(ctx context.Context, req domain.RefundRequest) (domain.RefundResult, error) {
	params := &sdk.RefundParams{
		PaymentIntent: sdk.String(req.ProviderPaymentID),
	}
	if req.AmountMinor > 0 {
		params.Amount = sdk.Int64(req.AmountMinor)
	}
	if reason := refundReason(req.Reason); reason != "" {
		params.Reason = sdk.String(reason)
	}
	params.Context = ctx
	if req.IdempotencyKey != "" {
		params.SetIdempotencyKey(req.IdempotencyKey)
	}

	refund, err := g.api.Refunds.New(params)
	if err != nil {
		return domain.RefundResult{}, mapError(err)
	}

	return domain.RefundResult{
		RefundID:    refund.ID,
		AmountMinor: refund.Amount,
		Status:      string(refund.Status),
	}, nil
}

// VerifyWebhook проверяет заголовок Stripe-Signature и нормализует событие.
func (g *Gateway) VerifyWebhook(rawBody []byte, signature string) (domain.GatewayEvent, error) {
	if len(rawBody) == 0 || signature == "" || g.webhookSecret == "" {
		return domain.GatewayEvent{}, domain.ErrSignatureInvalid
	}

	event, err := webhook.ConstructEventWithOptions(rawBody, signature, g.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		g.logger.WithError(err).Warn("stripe webhook signature rejected")
		return domain.GatewayEvent{}, domain.ErrSignatureInvalid
	}

	out := domain.GatewayEvent{
		ID:      event.ID,
		RawType: string(event.Type),
		Type:    payment.NormalizeEventType(string(event.Type)),
	}
	if event.Data == nil {
		return out, nil
	}

	switch out.Type {
	case domain.GatewayEventPaymentSucceeded, domain.GatewayEventPaymentFailed:
		var pi sdk.PaymentIntent
		if err := json.Unmarshal(event.Data.Raw, &pi); err != nil {
			return domain.GatewayEvent{}, invalidPayload(err)
		}
		out.ProviderPaymentID = pi.ID
		if pi.LastPaymentError != nil {
			out.FailureCode = string(pi.LastPaymentError.Code)
			out.FailureMessage = pi.LastPaymentError.Msg
		}
	case domain.GatewayEventCheckoutCompleted, domain.GatewayEventCheckoutAsyncSucceeded, domain.GatewayEventCheckoutAsyncFailed:
		var session sdk.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return domain.GatewayEvent{}, invalidPayload(err)
		}
		out.CheckoutSessionID = session.ID
		out.CheckoutPaid = session.PaymentStatus == sdk.CheckoutSessionPaymentStatusPaid
		if session.PaymentIntent != nil {
			out.ProviderPaymentID = session.PaymentIntent.ID
		}
	case domain.GatewayEventRefunded:
		var charge sdk.Charge
		if err := json.Unmarshal(event.Data.Raw, &charge); err != nil {
			return domain.GatewayEvent{}, invalidPayload(err)
		}
		if charge.PaymentIntent != nil {
			out.ProviderPaymentID = charge.PaymentIntent.ID
		}
		out.RefundAmountMinor = charge.AmountRefunded
		if charge.Refunds != nil && len(charge.Refunds.Data) > 0 {
			latest := charge.Refunds.Data[0]
			out.RefundID = latest.ID
			out.RefundReason = string(latest.Reason)
		}
	}
	return out, nil
}

func methodType(method string) string {
	switch strings.ToLower(strings.TrimSpace(method)) {
	case "", domain.PaymentMethodCard:
		return "card"
	default:
		return strings.ToLower(method)
	}
}

func intentStatus(status sdk.PaymentIntentStatus) domain.PaymentStatus {
	switch status {
	case sdk.PaymentIntentStatusRequiresAction:
		return domain.PaymentStatusRequiresAction
	case sdk.PaymentIntentStatusProcessing:
		return domain.PaymentStatusProcessing
	case sdk.PaymentIntentStatusSucceeded:
		return domain.PaymentStatusCompleted
	case sdk.PaymentIntentStatusCanceled:
		return domain.PaymentStatusFailed
	default:
		return domain.PaymentStatusPending
	}
}

// refundReason пропускает только причины, которые принимает Stripe.
func refundReason(reason string) string {
	switch reason {
	case string(sdk.RefundReasonDuplicate), string(sdk.RefundReasonFraudulent), string(sdk.RefundReasonRequestedByCustomer):
		return reason
	default:
		return ""
	}
}

// mapError отделяет отказ провайдера (4xx) от его недоступности.
func mapError(err error) error {
	var stripeErr *sdk.Error
	if errors.As(err, &stripeErr) {
		if stripeErr.HTTPStatusCode >= http.StatusBadRequest && stripeErr.HTTPStatusCode < http.StatusInternalServerError &&
			stripeErr.HTTPStatusCode != http.StatusTooManyRequests {
			// отказ провайдера остаётся upstream-ошибкой (502), код отличает его от недоступности
			return &domain.Error{
				Kind:    domain.KindUpstream,
				Code:    "payment_rejected",
				Message: "payment provider rejected the request: " + stripeErr.Msg,
				Err:     err,
			}
		}
		return domain.Upstream(err)
	}
	return domain.Upstream(err)
}

func invalidPayload(err error) error {
	return domain.Validation("webhook_payload_invalid", "decode stripe event: %v", err)
}

var _ domain.PaymentGateway = (*Gateway)(nil)
