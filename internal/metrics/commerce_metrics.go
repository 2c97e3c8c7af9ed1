package metrics

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// CommerceMetrics содержит метрики складского, заказного и платёжного контуров.
// Все методы безопасны для nil-получателя.
type CommerceMetrics struct {
	stockMovements   *prometheus.CounterVec
	stockRejections  *prometheus.CounterVec
	lowStockDetected prometheus.Counter

	checkouts        *prometheus.CounterVec
	checkoutDuration prometheus.Histogram
	orderTransitions *prometheus.CounterVec

	paymentInitiations *prometheus.CounterVec
	webhookEvents      *prometheus.CounterVec
	refunds            *prometheus.CounterVec
	reconciliations    *prometheus.CounterVec

	cartOperations *prometheus.CounterVec
	conflictRetry  *prometheus.CounterVec
}

// NewCommerceMetrics регистрирует метрики в DefaultRegisterer.
func NewCommerceMetrics() *CommerceMetrics {
	return NewCommerceMetricsWithRegisterer(prometheus.DefaultRegisterer)
}

// NewCommerceMetricsWithRegisterer регистрирует метрики в указанном реестре.
func NewCommerceMetricsWithRegisterer(registerer prometheus.Registerer) *CommerceMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	return &CommerceMetrics{
		stockMovements: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_stock_movements_total",
			Help: "Inventory movements applied, by kind",
		}, []string{"kind"}),
		stockRejections: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_stock_rejections_total",
			Help: "Inventory movements rejected, by reason",
		}, []string{"reason"}),
		lowStockDetected: registerCounter(registerer, prometheus.CounterOpts{
			Name: "retail_low_stock_detected_total",
			Help: "Movements that left a product below its minimum stock",
		}),
		checkouts: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_checkouts_total",
			Help: "Cart checkouts, by result",
		}, []string{"result"}),
		checkoutDuration: registerHistogram(registerer, prometheus.HistogramOpts{
			Name:    "retail_checkout_duration_seconds",
			Help:    "Duration of cart checkout including stock decrements",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		}),
		orderTransitions: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_order_transitions_total",
			Help: "Order state transitions, by target state",
		}, []string{"status"}),
		paymentInitiations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_payment_initiations_total",
			Help: "Payment initiations, by result (created, reused, failed)",
		}, []string{"result"}),
		webhookEvents: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_webhook_events_total",
			Help: "Payment provider webhook events, by outcome",
		}, []string{"outcome"}),
		refunds: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_refunds_total",
			Help: "Refund requests, by result",
		}, []string{"result"}),
		reconciliations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_payment_reconciliation_required_total",
			Help: "Provider events that contradict the stored payment state, by reason",
		}, []string{"reason"}),
		cartOperations: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_cart_operations_total",
			Help: "Cart mutations, by operation",
		}, []string{"operation"}),
		conflictRetry: registerCounterVec(registerer, prometheus.CounterOpts{
			Name: "retail_version_conflict_retries_total",
			Help: "Optimistic concurrency retries, by component",
		}, []string{"component"}),
	}
}

func registerCounter(registerer prometheus.Registerer, opts prometheus.CounterOpts) prometheus.Counter {
	return register(registerer, opts.Name, prometheus.NewCounter(opts))
}

func registerCounterVec(registerer prometheus.Registerer, opts prometheus.CounterOpts, labels []string) *prometheus.CounterVec {
	return register(registerer, opts.Name, prometheus.NewCounterVec(opts, labels))
}

func registerHistogram(registerer prometheus.Registerer, opts prometheus.HistogramOpts) prometheus.Histogram {
	return register(registerer, opts.Name, prometheus.NewHistogram(opts))
}

// register переиспользует уже зарегистрированный коллектор с тем же именем.
func register[C prometheus.Collector](registerer prometheus.Registerer, name string, collector C) C {
	if err := registerer.Register(collector); err != nil {
		if alreadyRegistered, ok := err.(prometheus.AlreadyRegisteredError); ok {
			existing, ok := alreadyRegistered.ExistingCollector.(C)
			if !ok {
				panic(fmt.Sprintf("collector %q already registered with unexpected type", name))
			}
			return existing
		}
		panic(fmt.Sprintf("register collector %q: %v", name, err))
	}
	return collector
}

// RecordMovement учитывает применённое движение.
func (m *CommerceMetrics) RecordMovement(kind string) {
	if m == nil {
		return
	}
	m.stockMovements.WithLabelValues(kind).Inc()
}

// RecordStockRejected учитывает отклонённое движение.
func (m *CommerceMetrics) RecordStockRejected(reason string) {
	if m == nil {
		return
	}
	m.stockRejections.WithLabelValues(reason).Inc()
}

// RecordLowStock учитывает срабатывание порога минимального остатка.
func (m *CommerceMetrics) RecordLowStock() {
	if m == nil {
		return
	}
	m.lowStockDetected.Inc()
}

// RecordCheckout учитывает результат оформления корзины и его длительность.
func (m *CommerceMetrics) RecordCheckout(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.checkouts.WithLabelValues(result).Inc()
	m.checkoutDuration.Observe(duration.Seconds())
}

// RecordOrderTransition учитывает переход заказа в статус.
func (m *CommerceMetrics) RecordOrderTransition(status string) {
	if m == nil {
		return
	}
	m.orderTransitions.WithLabelValues(status).Inc()
}

// RecordPaymentInitiation учитывает попытку инициировать платёж.
func (m *CommerceMetrics) RecordPaymentInitiation(result string) {
	if m == nil {
		return
	}
	m.paymentInitiations.WithLabelValues(result).Inc()
}

// RecordWebhook учитывает исход обработки вебхука.
func (m *CommerceMetrics) RecordWebhook(outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(outcome).Inc()
}

// RecordRefund учитывает результат возврата.
func (m *CommerceMetrics) RecordRefund(result string) {
	if m == nil {
		return
	}
	m.refunds.WithLabelValues(result).Inc()
}

// RecordReconciliation учитывает платёж, требующий ручной сверки.
func (m *CommerceMetrics) RecordReconciliation(reason string) {
	if m == nil {
		return
	}
	m.reconciliations.WithLabelValues(reason).Inc()
}

// RecordCartOperation учитывает изменение корзины.
func (m *CommerceMetrics) RecordCartOperation(operation string) {
	if m == nil {
		return
	}
	m.cartOperations.WithLabelValues(operation).Inc()
}

// RecordConflictRetry учитывает повтор после конфликта версий.
func (m *CommerceMetrics) RecordConflictRetry(component string) {
	if m == nil {
		return
	}
	m.conflictRetry.WithLabelValues(component).Inc()
}
