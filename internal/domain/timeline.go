package domain

import (
	"strings"
	"time"
)

// Типы событий таймлайна заказа.
const (
	TimelineOrderCreated     = "order_created"
	TimelineStatusChanged    = "status_changed"
	TimelineOrderCancelled   = "order_cancelled"
	TimelinePaymentInitiated = "payment_initiated"
	TimelinePaymentSucceeded = "payment_succeeded"
	TimelinePaymentFailed    = "payment_failed"
	TimelinePaymentRefunded  = "payment_refunded"
)

// TimelineEvent - запись истории заказа.
// From/To заполнены только для событий, сменивших статус заказа.
type TimelineEvent struct {
	ID       string
	OrderID  string
	Type     string
	From     OrderStatus
	To       OrderStatus
	Reason   string
	Actor    string
	Occurred time.Time
}

// StatusChange сообщает, меняло ли событие статус заказа.
func (e TimelineEvent) StatusChange() bool {
	return e.To != "" && e.From != e.To
}

// Summary - короткая строка для логов и CLI.
func (e TimelineEvent) Summary() string {
	var b strings.Builder
	b.WriteString(e.Type)
	if e.StatusChange() {
		b.WriteString(" ")
		if e.From != "" {
			b.WriteString(string(e.From))
			b.WriteString(" -> ")
		}
		b.WriteString(string(e.To))
	}
	if e.Reason != "" {
		b.WriteString(": ")
		b.WriteString(e.Reason)
	}
	return b.String()
}
