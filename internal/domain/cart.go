package domain

import (
	"strings"
	"time"
)

// DefaultMaxQtyPerLine - лимит количества на одну позицию корзины.
const DefaultMaxQtyPerLine int64 = 10

// CartOwner идентифицирует корзину: пользователь либо анонимная сессия.
type CartOwner struct {
	UserID    string
	SessionID string
}

// UserCart возвращает владельца-пользователя.
func UserCart(userID string) CartOwner { return CartOwner{UserID: userID} }

// SessionCart возвращает владельца-сессию.
func SessionCart(sessionID string) CartOwner { return CartOwner{SessionID: sessionID} }

// Validate проверяет, что задан ровно один идентификатор.
func (o CartOwner) Validate() error {
	hasUser := strings.TrimSpace(o.UserID) != ""
	hasSession := strings.TrimSpace(o.SessionID) != ""
	if hasUser == hasSession {
		return ErrCartOwnerRequired
	}
	return nil
}

// IsUser сообщает, что корзина принадлежит пользователю.
func (o CartOwner) IsUser() bool {
	return strings.TrimSpace(o.UserID) != ""
}

// Key возвращает ключ хранения корзины.
func (o CartOwner) Key() string {
	if o.IsUser() {
		return "user:" + strings.TrimSpace(o.UserID)
	}
	return "session:" + strings.TrimSpace(o.SessionID)
}

// CartItem - строка корзины. Строка определяется парой товар+размер.
type CartItem struct {
	ProductID      string
	Size           string
	Qty            int64
	UnitPriceMinor int64
	Name           string
}

// Cart - изменяемая корзина до оформления заказа.
type Cart struct {
	Owner         CartOwner
	Items         []CartItem
	Currency      string
	SubtotalMinor int64
	TotalMinor    int64
	Version       int64
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Find возвращает индекс строки или -1.
func (c Cart) Find(productID, size string) int {
	for i, item := range c.Items {
		if item.ProductID == productID && item.Size == size {
			return i
		}
	}
	return -1
}

// Recalculate пересчитывает производные суммы корзины.
func (c *Cart) Recalculate() {
	var subtotal int64
	for _, item := range c.Items {
		subtotal += item.Qty * item.UnitPriceMinor
	}
	c.SubtotalMinor = subtotal
	c.TotalMinor = subtotal
	if len(c.Items) == 0 {
		c.Currency = ""
	}
}

// Clone возвращает копию корзины.
func (c Cart) Clone() Cart {
	out := c
	out.Items = append([]CartItem(nil), c.Items...)
	return out
}

// IsEmpty сообщает, что в корзине нет строк.
func (c Cart) IsEmpty() bool {
	return len(c.Items) == 0
}
