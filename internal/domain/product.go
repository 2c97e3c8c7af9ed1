package domain

import (
	"sort"
	"strings"
	"time"
)

// StockMode определяет способ учёта остатков товара.
type StockMode string

const (
	// StockModeGlobal - один общий остаток.
	StockModeGlobal StockMode = "global"
	// StockModePerSize - остаток по каждому размеру.
	StockModePerSize StockMode = "per_size"
)

// Product - товар каталога вместе с текущими остатками.
// Поля остатков меняет только складской движок.
type Product struct {
	ID              string
	SKU             string
	Name            string
	Description     string
	PriceMinor      int64
	Currency        string
	HasSizes        bool
	StockQuantity   int64
	InventoryBySize map[string]int64
	MinStock        int64
	MinStockBySize  map[string]int64
	Active          bool
	Version         int64
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Mode возвращает режим учёта остатков.
func (p Product) Mode() StockMode {
	if p.HasSizes {
		return StockModePerSize
	}
	return StockModeGlobal
}

// CheckSize проверяет, что размер согласован с режимом учёта.
func (p Product) CheckSize(size string) error {
	size = strings.TrimSpace(size)
	if p.HasSizes {
		if size == "" {
			return ErrSizeRequired
		}
		if _, ok := p.InventoryBySize[size]; !ok {
			return Validation(ErrUnknownSize.Code, "size %s is not declared for product %s", size, p.ID)
		}
		return nil
	}
	if size != "" {
		return ErrSizeNotApplicable
	}
	return nil
}

// QuantityFor возвращает текущий остаток для размера (или общий остаток).
func (p Product) QuantityFor(size string) (int64, error) {
	if err := p.CheckSize(size); err != nil {
		return 0, err
	}
	if p.HasSizes {
		return p.InventoryBySize[strings.TrimSpace(size)], nil
	}
	return p.StockQuantity, nil
}

// WithQuantity возвращает копию товара с новым остатком для размера.
func (p Product) WithQuantity(size string, qty int64) Product {
	out := p.Clone()
	if out.HasSizes {
		out.InventoryBySize[strings.TrimSpace(size)] = qty
		return out
	}
	out.StockQuantity = qty
	return out
}

// TotalStock суммирует остатки по всем размерам.
func (p Product) TotalStock() int64 {
	if !p.HasSizes {
		return p.StockQuantity
	}
	var total int64
	for _, qty := range p.InventoryBySize {
		total += qty
	}
	return total
}

// Sizes возвращает объявленные размеры в стабильном порядке.
func (p Product) Sizes() []string {
	sizes := make([]string, 0, len(p.InventoryBySize))
	for size := range p.InventoryBySize {
		sizes = append(sizes, size)
	}
	sort.Strings(sizes)
	return sizes
}

// Clone делает глубокую копию товара.
func (p Product) Clone() Product {
	out := p
	out.InventoryBySize = cloneQuantities(p.InventoryBySize)
	out.MinStockBySize = cloneQuantities(p.MinStockBySize)
	return out
}

// Validate проверяет инварианты карточки товара.
func (p Product) Validate() error {
	if strings.TrimSpace(p.SKU) == "" {
		return ErrSKURequired
	}
	if p.PriceMinor < 0 {
		return ErrPriceInvalid
	}
	if p.StockQuantity < 0 || p.MinStock < 0 {
		return InvalidQuantity("stock values must be non-negative")
	}
	if !p.HasSizes && len(p.InventoryBySize) > 0 {
		return Validation(ErrInvalidMovement.Code, "inventory_by_size requires size variants")
	}
	if p.HasSizes && len(p.InventoryBySize) == 0 {
		return Validation(ErrSizeRequired.Code, "product with size variants must declare at least one size")
	}
	for size, qty := range p.InventoryBySize {
		if strings.TrimSpace(size) == "" || qty < 0 {
			return InvalidQuantity("size %q has invalid quantity %d", size, qty)
		}
	}
	for size, min := range p.MinStockBySize {
		if _, ok := p.InventoryBySize[size]; !ok || min < 0 {
			return InvalidQuantity("minimum for size %q is invalid", size)
		}
	}
	return nil
}

func cloneQuantities(src map[string]int64) map[string]int64 {
	if src == nil {
		return nil
	}
	dst := make(map[string]int64, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// ProductFilter ограничивает выборку товаров.
type ProductFilter struct {
	ActiveOnly bool
	AfterID    string
	Limit      int
}
