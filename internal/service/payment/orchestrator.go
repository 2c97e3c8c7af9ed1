// Package payment проводит оплату заказов через внешний платёжный шлюз.
package payment

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
)

// Исходы обработки вебхука.
const (
	OutcomeApplied   = "applied"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
)

// InitiateInput - параметры запуска оплаты.
type InitiateInput struct {
	OrderID        string
	Method         string
	IdempotencyKey string
	Metadata       map[string]any
}

// InitiateResult - платёж и признак того, что он создан этим вызовом.
type InitiateResult struct {
	Payment domain.Payment
	Created bool
}

// WebhookResult - итог обработки события провайдера.
type WebhookResult struct {
	Outcome   string
	EventID   string
	EventType string
	PaymentID string
	Status    domain.PaymentStatus
	// Reconcile: событие проигнорировано, но деньги могли быть списаны, нужна сверка.
	Reconcile bool
}

// RefundInput - параметры возврата. AmountMinor=0 означает полный возврат.
type RefundInput struct {
	PaymentID   string
	AmountMinor int64
	Reason      string
}

// Orchestrator - оркестратор платежей.
type Orchestrator struct {
	uow      domain.UnitOfWork
	payments domain.PaymentRepository
	orders   domain.OrderRepository
	manager  *orders.Manager
	gateway  domain.PaymentGateway
	retry    retry.Config
	metrics  *metrics.CommerceMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Orchestrator.
type Option func(*Orchestrator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(o *Orchestrator) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

// WithRetryConfig переопределяет политику повторов.
func WithRetryConfig(cfg retry.Config) Option {
	return func(o *Orchestrator) { o.retry = cfg }
}

// NewOrchestrator создаёт оркестратор платежей.
func NewOrchestrator(store domain.Store, manager *orders.Manager, gateway domain.PaymentGateway, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		uow:      store,
		payments: store.Payments(),
		orders:   store.Orders(),
		manager:  manager,
		gateway:  gateway,
		retry:    retry.DefaultConfig(),
		logger:   log.New().WithField("component", "payments"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Initiate создаёт платёж по заказу. Повтор с тем же ключом возвращает существующий платёж
// (Created=false); объект у провайдера создаётся не более одного раза на ключ.
func (o *Orchestrator) Initiate(ctx context.Context, actor domain.Principal, in InitiateInput) (InitiateResult, error) {
	if !actor.Authenticated() {
		return InitiateResult{}, domain.ErrUnauthenticated
	}
	key := strings.TrimSpace(in.IdempotencyKey)
	if key == "" {
		return InitiateResult{}, domain.Validation("idempotency_key_required", "idempotency key is required")
	}
	if err := domain.ValidateMetadata(in.Metadata); err != nil {
		return InitiateResult{}, err
	}

	order, err := o.orders.Get(ctx, strings.TrimSpace(in.OrderID))
	if err != nil {
		return InitiateResult{}, err
	}
	if !actor.CanAccess(order.OwnerID) {
		return InitiateResult{}, domain.ErrForbidden
	}

	if existing, err := o.payments.GetByIdempotencyKey(ctx, key); err == nil {
		return o.reuse(existing, order)
	} else if !errors.Is(err, domain.ErrPaymentNotFound) {
		return InitiateResult{}, err
	}

	if order.Status != domain.OrderStatusPending {
		return InitiateResult{}, domain.Validation(domain.ErrInvalidOrderState.Code, "order %s is %s, payment requires PENDING", order.ID, order.Status)
	}
	method := strings.ToLower(strings.TrimSpace(in.Method))
	if method == "" {
		method = order.PaymentMethod
	}
	if method != domain.PaymentMethodCard {
		return InitiateResult{}, domain.Validation(domain.ErrUnsupportedPaymentMethod.Code, "payment method %q is not supported", method)
	}

	providerMeta := domain.MetadataStrings(in.Metadata)
	providerMeta["order_id"] = order.ID
	providerMeta["payer_id"] = actor.ID
	intent, err := o.gateway.CreatePaymentIntent(ctx, domain.PaymentIntentRequest{
		IdempotencyKey: key,
		AmountMinor:    order.TotalMinor,
		Currency:       order.Currency,
		Method:         method,
		Description:    "order " + order.ID,
		Metadata:       providerMeta,
	})
	if err != nil {
		o.metrics.RecordPaymentInitiation("gateway_error")
		o.logger.WithError(err).WithField("order_id", order.ID).Error("create payment intent failed")
		return InitiateResult{}, upstream(err)
	}

	now := o.now()
	payment := domain.Payment{
		ID:                uuid.NewString(),
		OrderID:           order.ID,
		PayerID:           actor.ID,
		Provider:          o.gateway.Provider(),
		Method:            method,
		AmountMinor:       order.TotalMinor,
		Currency:          order.Currency,
		Status:            domain.PaymentStatusPending,
		ProviderPaymentID: intent.ProviderID,
		ClientSecret:      intent.ClientSecret,
		IdempotencyKey:    key,
		Metadata:          in.Metadata,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if errs := payment.Validate(); len(errs) > 0 {
		return InitiateResult{}, errs[0]
	}

	err = o.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		if err := tx.Payments().Create(ctx, payment); err != nil {
			return err
		}
		return o.enqueue(ctx, tx, domain.EventPaymentInitiated, payment, "")
	})
	if errors.Is(err, domain.ErrPaymentAlreadyInitialized) {
		existing, getErr := o.payments.GetByIdempotencyKey(ctx, key)
		if getErr != nil {
			return InitiateResult{}, getErr
		}
		return o.reuse(existing, order)
	}
	if err != nil {
		return InitiateResult{}, err
	}
	payment.Version = 1

	o.metrics.RecordPaymentInitiation("created")
	o.manager.ObserveTransition(ctx, domain.TimelineEvent{OrderID: order.ID, Type: domain.TimelinePaymentInitiated, Reason: payment.ID, Actor: actor.ID})
	o.logger.WithFields(log.Fields{
		"payment_id":  payment.ID,
		"order_id":    order.ID,
		"provider_id": payment.ProviderPaymentID,
		"amount":      payment.AmountMinor,
	}).Info("payment initiated")
	return InitiateResult{Payment: payment, Created: true}, nil
}

func (o *Orchestrator) reuse(existing domain.Payment, order domain.Order) (InitiateResult, error) {
	if existing.OrderID != order.ID {
		return InitiateResult{}, domain.ErrIdempotencyKeyMismatch
	}
	o.metrics.RecordPaymentInitiation("reused")
	return InitiateResult{Payment: existing, Created: false}, nil
}

// ProcessWebhookEvent проверяет подпись над сырым телом и применяет событие ровно один раз.
// Идентификатор события сохраняется в платеже тем же обновлением, что и смена статуса.
func (o *Orchestrator) ProcessWebhookEvent(ctx context.Context, rawBody []byte, signature string) (WebhookResult, error) {
	if len(rawBody) == 0 || strings.TrimSpace(signature) == "" {
		o.metrics.RecordWebhook("invalid_signature")
		return WebhookResult{}, domain.ErrSignatureInvalid
	}
	event, err := o.gateway.VerifyWebhook(rawBody, signature)
	if err != nil {
		o.metrics.RecordWebhook("invalid_signature")
		o.logger.WithError(err).Warn("webhook verification failed")
		return WebhookResult{}, err
	}

	result := WebhookResult{EventID: event.ID, EventType: event.RawType}
	target, ok := targetStatus(event)
	if !ok {
		result.Outcome = OutcomeIgnored
		o.metrics.RecordWebhook(result.Outcome)
		o.logger.WithFields(log.Fields{"event_id": event.ID, "type": event.RawType}).Debug("webhook event type ignored")
		return result, nil
	}

	var (
		payment      domain.Payment
		order        domain.Order
		orderChanged bool
	)
	err = retry.OnConflict(ctx, o.retry, o.logger, "payments.webhook", o.onRetry, func(ctx context.Context) error {
		orderChanged = false
		result.Reconcile = false
		return o.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := locate(ctx, tx.Payments(), event)
			if err != nil {
				return err
			}
			result.PaymentID = current.ID
			if current.HasProcessedEvent(event.ID) {
				result.Outcome = OutcomeDuplicate
				result.Status = current.Status
				return nil
			}

			current.ProcessedEventIDs = append(current.ProcessedEventIDs, event.ID)
			current.UpdatedAt = o.now()
			if current.CheckoutSessionID == "" && event.CheckoutSessionID != "" {
				current.CheckoutSessionID = event.CheckoutSessionID
			}
			if !current.Status.CanTransitionTo(target) {
				result.Outcome = OutcomeIgnored
				result.Status = current.Status
				result.Reconcile = needsReconciliation(current.Status, target)
				if err := tx.Payments().Save(ctx, current); err != nil {
					return err
				}
				if result.Reconcile {
					current.Version++
					return o.enqueue(ctx, tx, domain.EventPaymentReconciliationRequired, current, event.ID)
				}
				return nil
			}

			applyEvent(&current, target, event, current.UpdatedAt)
			if err := tx.Payments().Save(ctx, current); err != nil {
				return err
			}
			current.Version++
			if eventType := eventTypeFor(target); eventType != "" {
				if err := o.enqueue(ctx, tx, eventType, current, event.ID); err != nil {
					return err
				}
			}

			if target == domain.PaymentStatusCompleted {
				order, orderChanged, err = o.manager.MarkPaidInTx(ctx, tx, current.OrderID, current.ID)
				if err != nil {
					return err
				}
			}
			payment = current
			result.Outcome = OutcomeApplied
			result.Status = current.Status
			return nil
		})
	})
	if err != nil {
		o.metrics.RecordWebhook("error")
		o.logger.WithError(err).WithFields(log.Fields{"event_id": event.ID, "type": event.RawType}).Warn("webhook processing failed")
		return WebhookResult{}, err
	}

	o.metrics.RecordWebhook(result.Outcome)
	if result.Reconcile {
		o.metrics.RecordReconciliation("succeeded_after_failure")
		o.logger.WithFields(log.Fields{
			"event_id":   event.ID,
			"type":       event.RawType,
			"payment_id": result.PaymentID,
			"status":     result.Status,
		}).Error("provider reports success for a failed payment, reconciliation required")
	}
	if result.Outcome == OutcomeApplied {
		if timelineType := timelineTypeFor(target); timelineType != "" {
			o.manager.ObserveTransition(ctx, domain.TimelineEvent{OrderID: payment.OrderID, Type: timelineType, Reason: event.RawType, Actor: domain.SystemPrincipal.ID})
		}
		if orderChanged {
			o.manager.ObserveTransition(ctx, domain.TimelineEvent{
				OrderID: order.ID,
				Type:    domain.TimelineStatusChanged,
				From:    domain.OrderStatusPending,
				To:      order.Status,
				Reason:  "payment completed",
				Actor:   domain.SystemPrincipal.ID,
			})
		}
	}
	o.logger.WithFields(log.Fields{
		"event_id":   event.ID,
		"type":       event.RawType,
		"payment_id": result.PaymentID,
		"outcome":    result.Outcome,
		"status":     result.Status,
	}).Info("webhook processed")
	return result, nil
}

// Refund возвращает средства у провайдера и переводит платёж в REFUNDED.
// Остатки товара не восстанавливаются.
func (o *Orchestrator) Refund(ctx context.Context, actor domain.Principal, in RefundInput) (domain.Payment, error) {
	if !actor.Authenticated() {
		return domain.Payment{}, domain.ErrUnauthenticated
	}
	payment, err := o.payments.Get(ctx, strings.TrimSpace(in.PaymentID))
	if err != nil {
		return domain.Payment{}, err
	}
	if !actor.CanAccess(payment.PayerID) {
		return domain.Payment{}, domain.ErrForbidden
	}
	if payment.Status != domain.PaymentStatusCompleted {
		return domain.Payment{}, domain.InvalidTransition("payment", string(payment.Status), string(domain.PaymentStatusRefunded))
	}
	amount := in.AmountMinor
	if amount == 0 {
		amount = payment.AmountMinor
	}
	if amount < 0 || amount > payment.AmountMinor {
		return domain.Payment{}, domain.ErrRefundAmountInvalid
	}
	reason := strings.TrimSpace(in.Reason)

	refund, err := o.gateway.Refund(ctx, domain.RefundRequest{
		ProviderPaymentID: payment.ProviderPaymentID,
		AmountMinor:       amount,
		Reason:            reason,
		IdempotencyKey:    "refund:" + payment.ID,
	})
	if err != nil {
		o.metrics.RecordRefund("gateway_error")
		o.logger.WithError(err).WithField("payment_id", payment.ID).Error("provider refund failed")
		return domain.Payment{}, upstream(err)
	}

	var updated domain.Payment
	err = retry.OnConflict(ctx, o.retry, o.logger, "payments.refund", o.onRetry, func(ctx context.Context) error {
		return o.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := tx.Payments().Get(ctx, payment.ID)
			if err != nil {
				return err
			}
			if current.Status == domain.PaymentStatusRefunded {
				updated = current
				return nil
			}
			if !current.Status.CanTransitionTo(domain.PaymentStatusRefunded) {
				return domain.InvalidTransition("payment", string(current.Status), string(domain.PaymentStatusRefunded))
			}
			current.Status = domain.PaymentStatusRefunded
			current.RefundID = refund.RefundID
			current.RefundAmountMinor = amount
			if refund.AmountMinor > 0 {
				current.RefundAmountMinor = refund.AmountMinor
			}
			current.RefundReason = reason
			current.UpdatedAt = o.now()
			if err := tx.Payments().Save(ctx, current); err != nil {
				return err
			}
			current.Version++
			updated = current
			return o.enqueue(ctx, tx, domain.EventPaymentRefunded, current, "")
		})
	})
	if err != nil {
		o.metrics.RecordRefund("error")
		return domain.Payment{}, err
	}

	o.metrics.RecordRefund("success")
	o.manager.ObserveTransition(ctx, domain.TimelineEvent{OrderID: updated.OrderID, Type: domain.TimelinePaymentRefunded, Reason: reason, Actor: actor.ID})
	o.logger.WithFields(log.Fields{
		"payment_id": updated.ID,
		"refund_id":  updated.RefundID,
		"amount":     updated.RefundAmountMinor,
	}).Info("payment refunded")
	return updated, nil
}

// GetByID возвращает платёж с краткой проекцией заказа. Чужой платёж не существует.
func (o *Orchestrator) GetByID(ctx context.Context, actor domain.Principal, paymentID string) (domain.PaymentWithOrder, error) {
	if !actor.Authenticated() {
		return domain.PaymentWithOrder{}, domain.ErrUnauthenticated
	}
	payment, err := o.payments.Get(ctx, strings.TrimSpace(paymentID))
	if err != nil {
		return domain.PaymentWithOrder{}, err
	}
	if !actor.CanAccess(payment.PayerID) {
		return domain.PaymentWithOrder{}, domain.ErrPaymentNotFound
	}
	return o.withOrder(ctx, payment)
}

// GetByOrderID возвращает последний платёж по заказу.
func (o *Orchestrator) GetByOrderID(ctx context.Context, actor domain.Principal, orderID string) (domain.PaymentWithOrder, error) {
	order, err := o.manager.Get(ctx, actor, orderID)
	if err != nil {
		return domain.PaymentWithOrder{}, err
	}
	list, err := o.payments.ListByOrder(ctx, order.ID)
	if err != nil {
		return domain.PaymentWithOrder{}, err
	}
	if len(list) == 0 {
		return domain.PaymentWithOrder{}, domain.ErrPaymentNotFound
	}
	return domain.PaymentWithOrder{Payment: list[0], Order: orderView(order)}, nil
}

func (o *Orchestrator) withOrder(ctx context.Context, payment domain.Payment) (domain.PaymentWithOrder, error) {
	order, err := o.orders.Get(ctx, payment.OrderID)
	if err != nil {
		return domain.PaymentWithOrder{}, err
	}
	return domain.PaymentWithOrder{Payment: payment, Order: orderView(order)}, nil
}

func (o *Orchestrator) enqueue(ctx context.Context, tx domain.Tx, eventType string, p domain.Payment, providerEventID string) error {
	return domain.EnqueueEvent(ctx, tx.Outbox(), domain.AggregatePayment, p.ID, eventType, domain.PaymentEvent{
		PaymentID:         p.ID,
		OrderID:           p.OrderID,
		Status:            p.Status,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		ProviderPaymentID: p.ProviderPaymentID,
		ProviderEventID:   providerEventID,
		FailureCode:       p.FailureCode,
		RefundAmountMinor: p.RefundAmountMinor,
		OccurredAt:        p.UpdatedAt,
	})
}

func (o *Orchestrator) onRetry(int) {
	o.metrics.RecordConflictRetry("payments")
}

// locate находит платёж по payment intent, а для событий checkout - по сессии.
func locate(ctx context.Context, payments domain.PaymentRepository, event domain.GatewayEvent) (domain.Payment, error) {
	if event.ProviderPaymentID != "" {
		p, err := payments.GetByProviderPaymentID(ctx, event.ProviderPaymentID)
		if err == nil || !errors.Is(err, domain.ErrPaymentNotFound) {
			return p, err
		}
	}
	if event.CheckoutSessionID != "" {
		return payments.GetByCheckoutSessionID(ctx, event.CheckoutSessionID)
	}
	return domain.Payment{}, domain.ErrPaymentNotFound
}

func targetStatus(event domain.GatewayEvent) (domain.PaymentStatus, bool) {
	switch event.Type {
	case domain.GatewayEventPaymentSucceeded, domain.GatewayEventCheckoutAsyncSucceeded:
		return domain.PaymentStatusCompleted, true
	case domain.GatewayEventCheckoutCompleted:
		if event.CheckoutPaid {
			return domain.PaymentStatusCompleted, true
		}
		return domain.PaymentStatusProcessing, true
	case domain.GatewayEventPaymentFailed, domain.GatewayEventCheckoutAsyncFailed:
		return domain.PaymentStatusFailed, true
	case domain.GatewayEventRefunded:
		return domain.PaymentStatusRefunded, true
	default:
		return "", false
	}
}

func applyEvent(p *domain.Payment, target domain.PaymentStatus, event domain.GatewayEvent, now time.Time) {
	p.Status = target
	switch target {
	case domain.PaymentStatusCompleted:
		p.CompletedAt = now
	case domain.PaymentStatusFailed:
		p.FailureCode = event.FailureCode
		p.FailureMessage = event.FailureMessage
	case domain.PaymentStatusRefunded:
		p.RefundID = event.RefundID
		p.RefundAmountMinor = event.RefundAmountMinor
		if p.RefundAmountMinor == 0 {
			p.RefundAmountMinor = p.AmountMinor
		}
		p.RefundReason = event.RefundReason
	}
}

// needsReconciliation: успех после FAILED не укладывается в машину состояний,
// но означает списание у провайдера при заказе, оставшемся в PENDING.
func needsReconciliation(current, target domain.PaymentStatus) bool {
	return current == domain.PaymentStatusFailed && target == domain.PaymentStatusCompleted
}

func eventTypeFor(status domain.PaymentStatus) string {
	switch status {
	case domain.PaymentStatusCompleted:
		return domain.EventPaymentCompleted
	case domain.PaymentStatusFailed:
		return domain.EventPaymentFailed
	case domain.PaymentStatusRefunded:
		return domain.EventPaymentRefunded
	default:
		return ""
	}
}

func timelineTypeFor(status domain.PaymentStatus) string {
	switch status {
	case domain.PaymentStatusCompleted:
		return domain.TimelinePaymentSucceeded
	case domain.PaymentStatusFailed:
		return domain.TimelinePaymentFailed
	case domain.PaymentStatusRefunded:
		return domain.TimelinePaymentRefunded
	default:
		return ""
	}
}

func orderView(order domain.Order) domain.PaymentOrderView {
	return domain.PaymentOrderView{
		ID:         order.ID,
		Status:     order.Status,
		TotalMinor: order.TotalMinor,
		Currency:   order.Currency,
	}
}
