package memory

import (
	"context"
	"sort"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type productRepo struct {
	s *Store
	u *unit
}

func (r productRepo) Create(_ context.Context, product domain.Product) error {
	return r.s.with(r.u, true, func(u *unit) error {
		if _, exists := u.product(product.ID); exists {
			return domain.ErrAlreadyExists
		}
		for _, existing := range u.s.products {
			if existing.SKU == product.SKU {
				return domain.ErrAlreadyExists
			}
		}
		if product.CreatedAt.IsZero() {
			product.CreatedAt = time.Now().UTC()
		}
		product.UpdatedAt = product.CreatedAt
		product.Version = 1
		u.products[product.ID] = product.Clone()
		return nil
	})
}

func (r productRepo) Get(_ context.Context, id string) (domain.Product, error) {
	var out domain.Product
	err := r.s.with(r.u, false, func(u *unit) error {
		p, ok := u.product(id)
		if !ok {
			return domain.ErrProductNotFound
		}
		out = p
		return nil
	})
	return out, err
}

func (r productRepo) List(_ context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	var out []domain.Product
	err := r.s.with(r.u, false, func(u *unit) error {
		seen := make(map[string]struct{}, len(u.products))
		collect := func(p domain.Product) {
			if filter.ActiveOnly && !p.Active {
				return
			}
			if filter.AfterID != "" && p.ID <= filter.AfterID {
				return
			}
			out = append(out, p.Clone())
		}
		for id, p := range u.products {
			seen[id] = struct{}{}
			collect(p)
		}
		for id, p := range u.s.products {
			if _, ok := seen[id]; ok {
				continue
			}
			collect(p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// UpdateStock переносит только поля остатков, проверяя версию.
func (r productRepo) UpdateStock(_ context.Context, product domain.Product) error {
	return r.s.with(r.u, true, func(u *unit) error {
		current, ok := u.product(product.ID)
		if !ok {
			return domain.ErrProductNotFound
		}
		if current.Version != product.Version {
			return domain.ErrVersionConflict
		}
		current.StockQuantity = product.StockQuantity
		current.InventoryBySize = cloneSizes(product.InventoryBySize)
		current.Version++
		current.UpdatedAt = time.Now().UTC()
		u.products[product.ID] = current
		return nil
	})
}

// UpdateCatalog переносит поля каталога; остатки остаются прежними.
func (r productRepo) UpdateCatalog(_ context.Context, product domain.Product) error {
	return r.s.with(r.u, true, func(u *unit) error {
		current, ok := u.product(product.ID)
		if !ok {
			return domain.ErrProductNotFound
		}
		if current.Version != product.Version {
			return domain.ErrVersionConflict
		}
		current.Name = product.Name
		current.Description = product.Description
		current.PriceMinor = product.PriceMinor
		current.Currency = product.Currency
		current.MinStock = product.MinStock
		current.MinStockBySize = cloneSizes(product.MinStockBySize)
		current.Active = product.Active
		current.Version++
		current.UpdatedAt = time.Now().UTC()
		u.products[product.ID] = current
		return nil
	})
}

func cloneSizes(src map[string]int64) map[string]int64 {
	return domain.Product{InventoryBySize: src}.Clone().InventoryBySize
}

var _ domain.ProductRepository = productRepo{}
