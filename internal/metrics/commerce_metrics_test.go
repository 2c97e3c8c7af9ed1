package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCommerceMetrics_Record(t *testing.T) {
	m := NewCommerceMetricsWithRegisterer(prometheus.NewRegistry())

	m.RecordMovement("sale")
	m.RecordMovement("sale")
	m.RecordStockRejected("insufficient_stock")
	m.RecordLowStock()
	m.RecordCheckout("success", 15*time.Millisecond)
	m.RecordWebhook("duplicate")
	m.RecordReconciliation("succeeded_after_failure")

	if got := testutil.ToFloat64(m.stockMovements.WithLabelValues("sale")); got != 2 {
		t.Fatalf("expected 2 sale movements, got %v", got)
	}
	if got := testutil.ToFloat64(m.stockRejections.WithLabelValues("insufficient_stock")); got != 1 {
		t.Fatalf("expected 1 rejection, got %v", got)
	}
	if got := testutil.ToFloat64(m.lowStockDetected); got != 1 {
		t.Fatalf("expected 1 low stock event, got %v", got)
	}
	if got := testutil.ToFloat64(m.webhookEvents.WithLabelValues("duplicate")); got != 1 {
		t.Fatalf("expected 1 duplicate webhook, got %v", got)
	}
	if got := testutil.ToFloat64(m.reconciliations.WithLabelValues("succeeded_after_failure")); got != 1 {
		t.Fatalf("expected 1 reconciliation, got %v", got)
	}
}

func TestCommerceMetrics_ReusesRegisteredCollectors(t *testing.T) {
	registry := prometheus.NewRegistry()
	first := NewCommerceMetricsWithRegisterer(registry)
	second := NewCommerceMetricsWithRegisterer(registry)

	first.RecordRefund("succeeded")
	second.RecordRefund("succeeded")

	if got := testutil.ToFloat64(first.refunds.WithLabelValues("succeeded")); got != 2 {
		t.Fatalf("expected shared collector with 2 refunds, got %v", got)
	}
}

func TestCommerceMetrics_NilSafe(t *testing.T) {
	var m *CommerceMetrics
	m.RecordMovement("entry")
	m.RecordCheckout("failed", time.Second)
	m.RecordConflictRetry("stock")
	m.RecordReconciliation("succeeded_after_failure")
}
