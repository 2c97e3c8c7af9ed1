// Package orders управляет жизненным циклом заказов.
package orders

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	defaultCurrency  = "USD"
)

// LineInput - позиция запроса на создание заказа. Цена клиента не принимается.
type LineInput struct {
	ProductID string
	Size      string
	Qty       int64
}

// CreateInput - параметры создания заказа.
type CreateInput struct {
	Items           []LineInput
	ShippingAddress domain.Address
	PaymentMethod   string
	ShippingMinor   int64
	Notes           string
}

// StateUpdate - смена статуса и полей доставки.
type StateUpdate struct {
	Status         domain.OrderStatus
	Carrier        string
	TrackingNumber string
	Reason         string
}

// Manager - менеджер жизненного цикла заказов.
type Manager struct {
	uow      domain.UnitOfWork
	orders   domain.OrderRepository
	timeline domain.TimelineRepository
	stock    *stock.Engine
	taxRate  decimal.Decimal
	currency string
	retry    retry.Config
	metrics  *metrics.CommerceMetrics
	logger   *log.Entry
	now      func() time.Time
}

// Option настраивает Manager.
type Option func(*Manager)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(m *Manager) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(cm *metrics.CommerceMetrics) Option {
	return func(m *Manager) { m.metrics = cm }
}

// WithTaxRate задаёт ставку налога (0.2 = 20%).
func WithTaxRate(rate decimal.Decimal) Option {
	return func(m *Manager) { m.taxRate = rate }
}

// WithCurrency задаёт валюту магазина.
func WithCurrency(currency string) Option {
	return func(m *Manager) {
		if c := strings.ToUpper(strings.TrimSpace(currency)); c != "" {
			m.currency = c
		}
	}
}

// WithRetryConfig переопределяет политику повторов.
func WithRetryConfig(cfg retry.Config) Option {
	return func(m *Manager) { m.retry = cfg }
}

// WithClock подменяет источник времени.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// NewManager создаёт менеджер заказов. timeline может быть nil.
func NewManager(uow domain.UnitOfWork, orders domain.OrderRepository, timeline domain.TimelineRepository, engine *stock.Engine, opts ...Option) *Manager {
	m := &Manager{
		uow:      uow,
		orders:   orders,
		timeline: timeline,
		stock:    engine,
		taxRate:  decimal.Zero,
		currency: defaultCurrency,
		retry:    retry.DefaultConfig(),
		logger:   log.New().WithField("component", "orders"),
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Currency возвращает валюту магазина.
func (m *Manager) Currency() string { return m.currency }

// Create создаёт заказ в статусе PENDING без списания остатков.
func (m *Manager) Create(ctx context.Context, actor domain.Principal, in CreateInput) (domain.Order, error) {
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}

	var order domain.Order
	err := m.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		var err error
		order, _, err = m.CreateInTx(ctx, tx, actor.ID, in, false)
		return err
	})
	if err != nil {
		m.logger.WithError(err).WithField("owner_id", actor.ID).Info("order creation rejected")
		return domain.Order{}, err
	}

	m.afterCreate(ctx, order, actor.ID)
	return order, nil
}

// CreateReserved создаёт заказ и списывает остатки по всем позициям одной единицей работы.
// Ошибка на любой позиции откатывает и заказ, и все списания.
func (m *Manager) CreateReserved(ctx context.Context, actor domain.Principal, in CreateInput) (domain.Order, error) {
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}

	var (
		order   domain.Order
		results []stock.Result
	)
	err := retry.OnConflict(ctx, m.retry, m.logger, "orders.create_reserved", m.onRetry, func(ctx context.Context) error {
		return m.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			order, results, err = m.CreateInTx(ctx, tx, actor.ID, in, true)
			return err
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	m.stock.Observe(results...)
	m.afterCreate(ctx, order, actor.ID)
	return order, nil
}

// CreateInTx строит заказ по актуальным данным товаров внутри единицы работы.
// При reserve=true остатки списываются движениями sale со ссылкой на заказ.
func (m *Manager) CreateInTx(ctx context.Context, tx domain.Tx, ownerID string, in CreateInput, reserve bool) (domain.Order, []stock.Result, error) {
	lines, err := normalizeLines(in.Items)
	if err != nil {
		return domain.Order{}, nil, err
	}
	if err := in.ShippingAddress.Validate(); err != nil {
		return domain.Order{}, nil, err
	}
	if in.ShippingMinor < 0 {
		return domain.Order{}, nil, domain.ErrAmountNegative
	}
	method := strings.ToLower(strings.TrimSpace(in.PaymentMethod))
	if method == "" {
		method = domain.PaymentMethodCard
	}

	now := m.now()
	order := domain.Order{
		ID:              uuid.NewString(),
		OwnerID:         ownerID,
		Status:          domain.OrderStatusPending,
		Currency:        m.currency,
		ShippingMinor:   in.ShippingMinor,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   method,
		Notes:           strings.TrimSpace(in.Notes),
		StockReserved:   reserve,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	var shortages []error
	for _, line := range lines {
		product, err := tx.Products().Get(ctx, line.ProductID)
		if err != nil {
			return domain.Order{}, nil, err
		}
		if !product.Active {
			return domain.Order{}, nil, domain.Validation(domain.ErrProductInactive.Code, "product %s is not available for sale", product.ID)
		}
		if product.Currency != "" && !strings.EqualFold(product.Currency, m.currency) {
			return domain.Order{}, nil, domain.ErrCurrencyMismatch
		}
		available, err := product.QuantityFor(line.Size)
		if err != nil {
			return domain.Order{}, nil, err
		}
		if available < line.Qty {
			shortages = append(shortages, domain.InsufficientStock(product.ID, line.Size, available, line.Qty))
			continue
		}

		subtotal := product.PriceMinor * line.Qty
		order.Items = append(order.Items, domain.OrderItem{
			ID:             uuid.NewString(),
			ProductID:      product.ID,
			SKU:            product.SKU,
			Name:           product.Name,
			Size:           line.Size,
			Qty:            line.Qty,
			UnitPriceMinor: product.PriceMinor,
			SubtotalMinor:  subtotal,
			CreatedAt:      now,
		})
		order.SubtotalMinor += subtotal
	}
	if len(shortages) > 0 {
		return domain.Order{}, nil, joinShortages(shortages)
	}

	order.TaxMinor = m.tax(order.SubtotalMinor)
	order.TotalMinor = order.SubtotalMinor + order.TaxMinor + order.ShippingMinor
	if errs := order.ValidateInvariants(); len(errs) > 0 {
		return domain.Order{}, nil, errs[0]
	}

	if err := tx.Orders().Create(ctx, order); err != nil {
		return domain.Order{}, nil, err
	}
	order.Version = 1

	var results []stock.Result
	if reserve {
		for _, item := range order.Items {
			res, err := m.stock.ApplyInTx(ctx, tx, stock.Request{
				ProductID: item.ProductID,
				Size:      item.Size,
				Kind:      domain.MovementSale,
				Quantity:  item.Qty,
				Reason:    "checkout",
				OrderID:   order.ID,
				Actor:     ownerID,
			})
			if err != nil {
				return domain.Order{}, nil, err
			}
			results = append(results, res)
		}
	}

	if err := m.enqueue(ctx, tx, domain.EventOrderCreated, order, "", ""); err != nil {
		return domain.Order{}, nil, err
	}
	return order, results, nil
}

// UpdateState меняет статус заказа. Переход в CANCELLED выполняется через Cancel.
func (m *Manager) UpdateState(ctx context.Context, actor domain.Principal, orderID string, upd StateUpdate) (domain.Order, error) {
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	if !upd.Status.Valid() {
		return domain.Order{}, domain.Validation(domain.ErrInvalidOrderState.Code, "unknown order state %q", upd.Status)
	}
	if upd.Status == domain.OrderStatusCancelled {
		return m.Cancel(ctx, actor, orderID, upd.Reason)
	}

	var (
		order    domain.Order
		previous domain.OrderStatus
	)
	err := retry.OnConflict(ctx, m.retry, m.logger, "orders.update_state", m.onRetry, func(ctx context.Context) error {
		return m.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := tx.Orders().Get(ctx, orderID)
			if err != nil {
				return err
			}
			if !actor.CanAccess(current.OwnerID) {
				return domain.ErrForbidden
			}
			if !current.Status.CanTransitionTo(upd.Status) {
				return domain.InvalidTransition("order", string(current.Status), string(upd.Status))
			}

			previous = current.Status
			current.Status = upd.Status
			if c := strings.TrimSpace(upd.Carrier); c != "" {
				current.Carrier = c
			}
			if t := strings.TrimSpace(upd.TrackingNumber); t != "" {
				current.TrackingNumber = t
			}
			current.UpdatedAt = m.now()
			if err := tx.Orders().Save(ctx, current); err != nil {
				return err
			}
			current.Version++
			order = current
			return m.enqueue(ctx, tx, domain.EventOrderStatusChanged, current, previous, upd.Reason)
		})
	})
	if err != nil {
		return domain.Order{}, err
	}

	m.metrics.RecordOrderTransition(string(order.Status))
	m.appendTimeline(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineStatusChanged,
		From:    previous,
		To:      order.Status,
		Reason:  upd.Reason,
		Actor:   actor.ID,
	})
	m.logger.WithFields(log.Fields{
		"order_id": order.ID,
		"from":     previous,
		"to":       order.Status,
		"actor":    actor.ID,
	}).Info("order state updated")
	return order, nil
}

// Cancel отменяет заказ и возвращает списанные остатки одной единицей работы.
// Повторная отмена отклоняется с InvalidStateTransition, остатки второй раз не возвращаются.
func (m *Manager) Cancel(ctx context.Context, actor domain.Principal, orderID, reason string) (domain.Order, error) {
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	reason = strings.TrimSpace(reason)

	var (
		order    domain.Order
		previous domain.OrderStatus
		results  []stock.Result
	)
	err := retry.OnConflict(ctx, m.retry, m.logger, "orders.cancel", m.onRetry, func(ctx context.Context) error {
		results = nil
		return m.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			current, err := tx.Orders().Get(ctx, orderID)
			if err != nil {
				return err
			}
			if !actor.CanAccess(current.OwnerID) {
				return domain.ErrForbidden
			}
			if !current.Status.Cancellable() {
				return domain.InvalidTransition("order", string(current.Status), string(domain.OrderStatusCancelled))
			}

			previous = current.Status
			current.Status = domain.OrderStatusCancelled
			current.UpdatedAt = m.now()
			if err := tx.Orders().Save(ctx, current); err != nil {
				return err
			}
			current.Version++

			if current.StockReserved {
				for _, item := range current.Items {
					res, err := m.stock.ApplyInTx(ctx, tx, stock.Request{
						ProductID: item.ProductID,
						Size:      item.Size,
						Kind:      domain.MovementReturn,
						Quantity:  item.Qty,
						Reason:    "cancel",
						OrderID:   current.ID,
						Actor:     actor.ID,
					})
					if err != nil {
						return err
					}
					results = append(results, res)
				}
			}

			order = current
			return m.enqueue(ctx, tx, domain.EventOrderCancelled, current, previous, reason)
		})
	})
	if err != nil {
		m.logger.WithError(err).WithField("order_id", orderID).Info("order cancel rejected")
		return domain.Order{}, err
	}

	m.stock.Observe(results...)
	m.metrics.RecordOrderTransition(string(domain.OrderStatusCancelled))
	m.appendTimeline(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineOrderCancelled,
		From:    previous,
		To:      domain.OrderStatusCancelled,
		Reason:  reason,
		Actor:   actor.ID,
	})
	m.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"from":           previous,
		"restored_lines": len(results),
	}).Info("order cancelled")
	return order, nil
}

// MarkPaidInTx переводит PENDING-заказ в CONFIRMED после успешной оплаты.
// Для заказа в другом статусе только запоминает ссылку на платёж.
func (m *Manager) MarkPaidInTx(ctx context.Context, tx domain.Tx, orderID, paymentRef string) (domain.Order, bool, error) {
	order, err := tx.Orders().Get(ctx, orderID)
	if err != nil {
		return domain.Order{}, false, err
	}

	advanced := order.Status == domain.OrderStatusPending
	if !advanced && order.PaymentRef == paymentRef {
		return order, false, nil
	}

	previous := order.Status
	if advanced {
		order.Status = domain.OrderStatusConfirmed
	}
	order.PaymentRef = paymentRef
	order.UpdatedAt = m.now()
	if err := tx.Orders().Save(ctx, order); err != nil {
		return domain.Order{}, false, err
	}
	order.Version++

	if advanced {
		if err := m.enqueue(ctx, tx, domain.EventOrderStatusChanged, order, previous, "payment completed"); err != nil {
			return domain.Order{}, false, err
		}
	}
	return order, advanced, nil
}

// ObserveTransition фиксирует событие, записанное в чужой единице работы.
func (m *Manager) ObserveTransition(ctx context.Context, event domain.TimelineEvent) {
	if event.StatusChange() {
		m.metrics.RecordOrderTransition(string(event.To))
	}
	m.appendTimeline(ctx, event)
}

// Get возвращает заказ. Чужой заказ для непривилегированного субъекта не существует.
func (m *Manager) Get(ctx context.Context, actor domain.Principal, orderID string) (domain.Order, error) {
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	order, err := m.orders.Get(ctx, strings.TrimSpace(orderID))
	if err != nil {
		return domain.Order{}, err
	}
	if !actor.CanAccess(order.OwnerID) {
		return domain.Order{}, domain.ErrOrderNotFound
	}
	return order, nil
}

// List возвращает заказы. Для непривилегированного субъекта фильтр по владельцу принудительный.
func (m *Manager) List(ctx context.Context, actor domain.Principal, filter domain.OrderFilter) ([]domain.Order, error) {
	if !actor.Authenticated() {
		return nil, domain.ErrUnauthenticated
	}
	if !actor.IsPrivileged() {
		filter.OwnerID = actor.ID
	}
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, domain.Validation(domain.ErrInvalidOrderState.Code, "unknown order state %q", filter.Status)
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return m.orders.List(ctx, filter)
}

// Timeline возвращает историю заказа с той же проверкой владения, что и Get.
func (m *Manager) Timeline(ctx context.Context, actor domain.Principal, orderID string) ([]domain.TimelineEvent, error) {
	order, err := m.Get(ctx, actor, orderID)
	if err != nil {
		return nil, err
	}
	if m.timeline == nil {
		return nil, nil
	}
	return m.timeline.List(ctx, order.ID)
}

func (m *Manager) afterCreate(ctx context.Context, order domain.Order, actorID string) {
	m.metrics.RecordOrderTransition(string(order.Status))
	m.appendTimeline(ctx, domain.TimelineEvent{
		OrderID: order.ID,
		Type:    domain.TimelineOrderCreated,
		To:      order.Status,
		Actor:   actorID,
	})
	m.logger.WithFields(log.Fields{
		"order_id":       order.ID,
		"owner_id":       order.OwnerID,
		"total_minor":    order.TotalMinor,
		"items":          len(order.Items),
		"stock_reserved": order.StockReserved,
	}).Info("order created")
}

// appendTimeline пишет событие таймлайна; ошибка только логируется.
func (m *Manager) appendTimeline(ctx context.Context, event domain.TimelineEvent) {
	if m.timeline == nil {
		return
	}
	if event.Occurred.IsZero() {
		event.Occurred = m.now()
	}
	if event.ID == "" {
		event.ID = ulid.Make().String()
	}
	if err := m.timeline.Append(ctx, event); err != nil {
		m.logger.WithError(err).WithFields(log.Fields{
			"order_id": event.OrderID,
			"type":     event.Type,
		}).Warn("append timeline event failed")
	}
}

func (m *Manager) enqueue(ctx context.Context, tx domain.Tx, eventType string, order domain.Order, previous domain.OrderStatus, reason string) error {
	return domain.EnqueueEvent(ctx, tx.Outbox(), domain.AggregateOrder, order.ID, eventType, domain.OrderEvent{
		OrderID:    order.ID,
		OwnerID:    order.OwnerID,
		Status:     order.Status,
		Previous:   previous,
		TotalMinor: order.TotalMinor,
		Currency:   order.Currency,
		Reason:     reason,
		OccurredAt: order.UpdatedAt,
	})
}

// tax округляет налог до минимальных единиц по правилу half-up.
func (m *Manager) tax(subtotal int64) int64 {
	if m.taxRate.IsZero() {
		return 0
	}
	return decimal.NewFromInt(subtotal).Mul(m.taxRate).Round(0).IntPart()
}

func (m *Manager) onRetry(int) {
	m.metrics.RecordConflictRetry("orders")
}

// normalizeLines проверяет позиции и объединяет повторы одного товара и размера.
func normalizeLines(items []LineInput) ([]LineInput, error) {
	if len(items) == 0 {
		return nil, domain.ErrItemsRequired
	}
	out := make([]LineInput, 0, len(items))
	index := make(map[string]int, len(items))
	for _, item := range items {
		item.ProductID = strings.TrimSpace(item.ProductID)
		item.Size = strings.TrimSpace(item.Size)
		if item.ProductID == "" {
			return nil, domain.ErrProductIDRequired
		}
		if item.Qty <= 0 {
			return nil, domain.InvalidQuantity("quantity for %s must be positive, got %d", item.ProductID, item.Qty)
		}
		key := item.ProductID + "\x00" + item.Size
		if i, ok := index[key]; ok {
			out[i].Qty += item.Qty
			continue
		}
		index[key] = len(out)
		out = append(out, item)
	}
	return out, nil
}

// joinShortages объединяет нехватки по позициям в одну ошибку InsufficientStock.
func joinShortages(errs []error) error {
	if len(errs) == 1 {
		return errs[0]
	}
	messages := make([]string, 0, len(errs))
	for _, err := range errs {
		messages = append(messages, err.Error())
	}
	return &domain.Error{
		Kind:    domain.KindInsufficientStock,
		Code:    domain.ErrInsufficientStock.Code,
		Message: strings.Join(messages, "; "),
		Err:     errors.Join(errs...),
	}
}
