package domain

import (
	"strings"
	"time"
)

// MovementKind - тип складского движения.
type MovementKind string

const (
	MovementEntry      MovementKind = "entry"
	MovementExit       MovementKind = "exit"
	MovementAdjustment MovementKind = "adjustment"
	MovementSale       MovementKind = "sale"
	MovementReturn     MovementKind = "return"
)

// Valid проверяет, что тип движения поддерживается.
func (k MovementKind) Valid() bool {
	switch k {
	case MovementEntry, MovementExit, MovementAdjustment, MovementSale, MovementReturn:
		return true
	default:
		return false
	}
}

// RequiresOrder сообщает, что движение обязано ссылаться на заказ.
func (k MovementKind) RequiresOrder() bool {
	return k == MovementSale || k == MovementReturn
}

// InventoryMovement - неизменяемая запись журнала движений.
type InventoryMovement struct {
	ID             string
	Kind           MovementKind
	ProductID      string
	Size           string
	QuantityBefore int64
	QuantityAfter  int64
	Delta          int64
	Reason         string
	Reference      string
	OrderID        string
	Actor          string
	CreatedAt      time.Time
}

// Validate проверяет согласованность записи перед добавлением в журнал.
func (m InventoryMovement) Validate() error {
	if strings.TrimSpace(m.ProductID) == "" {
		return ErrProductIDRequired
	}
	if !m.Kind.Valid() {
		return Validation(ErrInvalidMovement.Code, "unknown movement kind %q", m.Kind)
	}
	if m.Kind.RequiresOrder() && strings.TrimSpace(m.OrderID) == "" {
		return ErrOrderRefRequired
	}
	if m.QuantityBefore < 0 || m.QuantityAfter < 0 {
		return Validation(ErrInvalidMovement.Code, "movement quantities must be non-negative")
	}
	if m.QuantityAfter-m.QuantityBefore != m.Delta {
		return Validation(ErrInvalidMovement.Code, "delta %d does not match %d -> %d", m.Delta, m.QuantityBefore, m.QuantityAfter)
	}
	return nil
}

// MovementFilter - фильтры журнала; пустые поля не ограничивают выборку.
type MovementFilter struct {
	ProductID string
	Size      string
	Kind      MovementKind
	OrderID   string
	From      time.Time
	To        time.Time
}

// Matches проверяет запись на соответствие фильтру.
func (f MovementFilter) Matches(m InventoryMovement) bool {
	if f.ProductID != "" && m.ProductID != f.ProductID {
		return false
	}
	if f.Size != "" && m.Size != f.Size {
		return false
	}
	if f.Kind != "" && m.Kind != f.Kind {
		return false
	}
	if f.OrderID != "" && m.OrderID != f.OrderID {
		return false
	}
	if !f.From.IsZero() && m.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !m.CreatedAt.Before(f.To) {
		return false
	}
	return true
}

// MovementPage - страница журнала.
// NextCursor пуст, если страниц больше нет.
type MovementPage struct {
	Items      []InventoryMovement
	NextCursor string
}
