package httpapi

import (
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/cart"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

// Представления ответов. Доменные типы не сериализуются напрямую.

type productView struct {
	ID              string           `json:"id"`
	SKU             string           `json:"sku"`
	Name            string           `json:"name"`
	Description     string           `json:"description,omitempty"`
	PriceMinor      int64            `json:"price_minor"`
	Currency        string           `json:"currency"`
	HasSizes        bool             `json:"has_sizes"`
	StockQuantity   int64            `json:"stock_quantity"`
	InventoryBySize map[string]int64 `json:"inventory_by_size,omitempty"`
	MinStock        int64            `json:"min_stock"`
	MinStockBySize  map[string]int64 `json:"min_stock_by_size,omitempty"`
	TotalStock      int64            `json:"total_stock"`
	Active          bool             `json:"active"`
	Version         int64            `json:"version"`
	CreatedAt       time.Time        `json:"created_at"`
	UpdatedAt       *time.Time       `json:"updated_at,omitempty"`
}

func newProductView(p domain.Product) productView {
	return productView{
		ID:              p.ID,
		SKU:             p.SKU,
		Name:            p.Name,
		Description:     p.Description,
		PriceMinor:      p.PriceMinor,
		Currency:        p.Currency,
		HasSizes:        p.HasSizes,
		StockQuantity:   p.StockQuantity,
		InventoryBySize: p.InventoryBySize,
		MinStock:        p.MinStock,
		MinStockBySize:  p.MinStockBySize,
		TotalStock:      p.TotalStock(),
		Active:          p.Active,
		Version:         p.Version,
		CreatedAt:       p.CreatedAt,
		UpdatedAt:       optionalTime(p.UpdatedAt),
	}
}

// publicProductView скрывает пороги остатков от покупателей.
type publicProductView struct {
	ID          string   `json:"id"`
	SKU         string   `json:"sku"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	PriceMinor  int64    `json:"price_minor"`
	Currency    string   `json:"currency"`
	Sizes       []string `json:"sizes,omitempty"`
	InStock     bool     `json:"in_stock"`
}

func newPublicProductView(p domain.Product) publicProductView {
	return publicProductView{
		ID:          p.ID,
		SKU:         p.SKU,
		Name:        p.Name,
		Description: p.Description,
		PriceMinor:  p.PriceMinor,
		Currency:    p.Currency,
		Sizes:       p.Sizes(),
		InStock:     p.TotalStock() > 0,
	}
}

type movementView struct {
	ID             string    `json:"id"`
	Kind           string    `json:"type"`
	ProductID      string    `json:"product_id"`
	Size           string    `json:"size,omitempty"`
	QuantityBefore int64     `json:"quantity_before"`
	QuantityAfter  int64     `json:"quantity_after"`
	Delta          int64     `json:"delta"`
	Reason         string    `json:"reason,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	OrderID        string    `json:"order_id,omitempty"`
	Actor          string    `json:"actor,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

func newMovementView(m domain.InventoryMovement) movementView {
	return movementView{
		ID:             m.ID,
		Kind:           string(m.Kind),
		ProductID:      m.ProductID,
		Size:           m.Size,
		QuantityBefore: m.QuantityBefore,
		QuantityAfter:  m.QuantityAfter,
		Delta:          m.Delta,
		Reason:         m.Reason,
		Reference:      m.Reference,
		OrderID:        m.OrderID,
		Actor:          m.Actor,
		CreatedAt:      m.CreatedAt,
	}
}

type movementPageView struct {
	Items      []movementView `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

type movementResultView struct {
	Movement       movementView `json:"movement"`
	Product        productView  `json:"product"`
	LowStock       bool         `json:"low_stock"`
	LowStockRaised bool         `json:"low_stock_raised"`
}

func newMovementResultView(res stock.Result) movementResultView {
	return movementResultView{
		Movement:       newMovementView(res.Movement),
		Product:        newProductView(res.Product),
		LowStock:       res.LowStock.AnyBelow,
		LowStockRaised: res.LowStockRaised,
	}
}

type sizeStockView struct {
	Size     string `json:"size,omitempty"`
	Quantity int64  `json:"quantity"`
	Minimum  int64  `json:"minimum"`
	Low      bool   `json:"low"`
}

type breakdownView struct {
	ProductID string          `json:"product_id"`
	SKU       string          `json:"sku"`
	Mode      string          `json:"mode"`
	Sizes     []sizeStockView `json:"sizes"`
	Total     int64           `json:"total"`
	MinStock  int64           `json:"min_stock"`
}

func newBreakdownView(b stock.Breakdown) breakdownView {
	out := breakdownView{
		ProductID: b.ProductID,
		SKU:       b.SKU,
		Mode:      string(b.Mode),
		Sizes:     make([]sizeStockView, 0, len(b.Sizes)),
		Total:     b.Total,
		MinStock:  b.MinStock,
	}
	for _, s := range b.Sizes {
		out.Sizes = append(out.Sizes, sizeStockView(s))
	}
	return out
}

type lowStockView struct {
	ProductID  string                 `json:"product_id"`
	SKU        string                 `json:"sku"`
	Name       string                 `json:"name"`
	Mode       string                 `json:"mode"`
	Alerts     []domain.LowStockAlert `json:"alerts"`
	AllBelow   bool                   `json:"all_below"`
	Critical   bool                   `json:"critical"`
	MaxDeficit int64                  `json:"max_deficit"`
	TotalStock int64                  `json:"total_stock"`
}

func newLowStockView(r domain.LowStockReport) lowStockView {
	return lowStockView{
		ProductID:  r.ProductID,
		SKU:        r.SKU,
		Name:       r.Name,
		Mode:       string(r.Mode),
		Alerts:     r.Alerts,
		AllBelow:   r.AllBelow,
		Critical:   r.Critical,
		MaxDeficit: r.MaxDeficit,
		TotalStock: r.TotalStock,
	}
}

type addressView struct {
	Recipient  string `json:"recipient"`
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
	Phone      string `json:"phone,omitempty"`
}

func (a addressView) toDomain() domain.Address {
	return domain.Address(a)
}

type orderItemView struct {
	ID             string `json:"id"`
	ProductID      string `json:"product_id"`
	SKU            string `json:"sku"`
	Name           string `json:"name"`
	Size           string `json:"size,omitempty"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	SubtotalMinor  int64  `json:"subtotal_minor"`
}

type orderView struct {
	ID              string          `json:"id"`
	OwnerID         string          `json:"owner_id"`
	Status          string          `json:"status"`
	Currency        string          `json:"currency"`
	Items           []orderItemView `json:"items"`
	SubtotalMinor   int64           `json:"subtotal_minor"`
	TaxMinor        int64           `json:"tax_minor"`
	ShippingMinor   int64           `json:"shipping_minor"`
	TotalMinor      int64           `json:"total_minor"`
	ShippingAddress addressView     `json:"shipping_address"`
	PaymentMethod   string          `json:"payment_method"`
	Notes           string          `json:"notes,omitempty"`
	Carrier         string          `json:"carrier,omitempty"`
	TrackingNumber  string          `json:"tracking_number,omitempty"`
	PaymentRef      string          `json:"payment_ref,omitempty"`
	StockReserved   bool            `json:"stock_reserved"`
	Version         int64           `json:"version"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

func newOrderView(o domain.Order) orderView {
	out := orderView{
		ID:              o.ID,
		OwnerID:         o.OwnerID,
		Status:          string(o.Status),
		Currency:        o.Currency,
		Items:           make([]orderItemView, 0, len(o.Items)),
		SubtotalMinor:   o.SubtotalMinor,
		TaxMinor:        o.TaxMinor,
		ShippingMinor:   o.ShippingMinor,
		TotalMinor:      o.TotalMinor,
		ShippingAddress: addressView(o.ShippingAddress),
		PaymentMethod:   o.PaymentMethod,
		Notes:           o.Notes,
		Carrier:         o.Carrier,
		TrackingNumber:  o.TrackingNumber,
		PaymentRef:      o.PaymentRef,
		StockReserved:   o.StockReserved,
		Version:         o.Version,
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items {
		out.Items = append(out.Items, orderItemView{
			ID:             it.ID,
			ProductID:      it.ProductID,
			SKU:            it.SKU,
			Name:           it.Name,
			Size:           it.Size,
			Qty:            it.Qty,
			UnitPriceMinor: it.UnitPriceMinor,
			SubtotalMinor:  it.SubtotalMinor,
		})
	}
	return out
}

type timelineView struct {
	ID       string    `json:"id"`
	Type     string    `json:"type"`
	From     string    `json:"from_status,omitempty"`
	To       string    `json:"to_status,omitempty"`
	Reason   string    `json:"reason,omitempty"`
	Actor    string    `json:"actor,omitempty"`
	Occurred time.Time `json:"occurred_at"`
}

type cartItemView struct {
	ProductID      string `json:"product_id"`
	Size           string `json:"size,omitempty"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	Name           string `json:"name"`
}

type cartView struct {
	UserID        string         `json:"user_id,omitempty"`
	SessionID     string         `json:"session_id,omitempty"`
	Items         []cartItemView `json:"items"`
	Currency      string         `json:"currency,omitempty"`
	SubtotalMinor int64          `json:"subtotal_minor"`
	TotalMinor    int64          `json:"total_minor"`
	Version       int64          `json:"version"`
}

func newCartView(c domain.Cart) cartView {
	out := cartView{
		UserID:        c.Owner.UserID,
		SessionID:     c.Owner.SessionID,
		Items:         make([]cartItemView, 0, len(c.Items)),
		Currency:      c.Currency,
		SubtotalMinor: c.SubtotalMinor,
		TotalMinor:    c.TotalMinor,
		Version:       c.Version,
	}
	for _, it := range c.Items {
		out.Items = append(out.Items, cartItemView(it))
	}
	return out
}

type skippedView struct {
	ProductID string `json:"product_id"`
	Size      string `json:"size,omitempty"`
	Qty       int64  `json:"qty"`
	Reason    string `json:"reason"`
}

type mergeView struct {
	Cart    cartView      `json:"cart"`
	Merged  int           `json:"merged"`
	Skipped []skippedView `json:"skipped"`
}

func newMergeView(res cart.MergeResult) mergeView {
	out := mergeView{Cart: newCartView(res.Cart), Merged: res.Merged, Skipped: make([]skippedView, 0, len(res.Skipped))}
	for _, s := range res.Skipped {
		out.Skipped = append(out.Skipped, skippedView(s))
	}
	return out
}

type paymentView struct {
	ID                string         `json:"id"`
	OrderID           string         `json:"order_id"`
	Provider          string         `json:"provider"`
	Method            string         `json:"method"`
	AmountMinor       int64          `json:"amount_minor"`
	Currency          string         `json:"currency"`
	Status            string         `json:"status"`
	ProviderPaymentID string         `json:"provider_payment_id,omitempty"`
	CheckoutSessionID string         `json:"checkout_session_id,omitempty"`
	ClientSecret      string         `json:"client_secret,omitempty"`
	FailureCode       string         `json:"failure_code,omitempty"`
	FailureMessage    string         `json:"failure_message,omitempty"`
	RefundID          string         `json:"refund_id,omitempty"`
	RefundAmountMinor int64          `json:"refund_amount_minor,omitempty"`
	RefundReason      string         `json:"refund_reason,omitempty"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	CompletedAt       *time.Time     `json:"completed_at,omitempty"`
	CreatedAt         time.Time      `json:"created_at"`
	UpdatedAt         time.Time      `json:"updated_at"`
}

func newPaymentView(p domain.Payment) paymentView {
	return paymentView{
		ID:                p.ID,
		OrderID:           p.OrderID,
		Provider:          p.Provider,
		Method:            p.Method,
		AmountMinor:       p.AmountMinor,
		Currency:          p.Currency,
		Status:            string(p.Status),
		ProviderPaymentID: p.ProviderPaymentID,
		CheckoutSessionID: p.CheckoutSessionID,
		ClientSecret:      p.ClientSecret,
		FailureCode:       p.FailureCode,
		FailureMessage:    p.FailureMessage,
		RefundID:          p.RefundID,
		RefundAmountMinor: p.RefundAmountMinor,
		RefundReason:      p.RefundReason,
		Metadata:          p.Metadata,
		CompletedAt:       optionalTime(p.CompletedAt),
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}
}

type paymentOrderView struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	TotalMinor int64  `json:"total_minor"`
	Currency   string `json:"currency"`
}

type paymentWithOrderView struct {
	Payment paymentView      `json:"payment"`
	Order   paymentOrderView `json:"order"`
}

func newPaymentWithOrderView(pw domain.PaymentWithOrder) paymentWithOrderView {
	return paymentWithOrderView{
		Payment: newPaymentView(pw.Payment),
		Order: paymentOrderView{
			ID:         pw.Order.ID,
			Status:     string(pw.Order.Status),
			TotalMinor: pw.Order.TotalMinor,
			Currency:   pw.Order.Currency,
		},
	}
}

type webhookView struct {
	Received  bool   `json:"received"`
	Outcome   string `json:"outcome"`
	EventID   string `json:"event_id,omitempty"`
	PaymentID string `json:"payment_id,omitempty"`
	Status    string `json:"status,omitempty"`
}

func optionalTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
