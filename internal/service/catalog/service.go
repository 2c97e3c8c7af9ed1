// Package catalog ведёт карточки товаров.
package catalog

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
	"github.com/vladislavdragonenkov/retailcore/internal/service/stock"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// CreateInput - новая карточка товара с начальными остатками.
type CreateInput struct {
	ID              string
	SKU             string
	Name            string
	Description     string
	PriceMinor      int64
	Currency        string
	StockQuantity   int64
	InventoryBySize map[string]int64
	MinStock        int64
	MinStockBySize  map[string]int64
	Active          bool
}

// UpdateInput - изменение полей каталога. nil означает «не менять».
type UpdateInput struct {
	Name           *string
	Description    *string
	PriceMinor     *int64
	Active         *bool
	MinStock       *int64
	MinStockBySize map[string]int64
}

// Service - сервис каталога.
type Service struct {
	store    domain.Store
	engine   *stock.Engine
	currency string
	retry    retry.Config
	logger   *log.Entry
	now      func() time.Time
}

// NewService создаёт сервис каталога.
func NewService(store domain.Store, engine *stock.Engine, currency string, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "catalog")
	}
	return &Service{
		store:    store,
		engine:   engine,
		currency: strings.ToUpper(strings.TrimSpace(currency)),
		retry:    retry.DefaultConfig(),
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Create заводит товар. Начальные остатки проводятся движениями entry в той же единице работы.
func (s *Service) Create(ctx context.Context, actor domain.Principal, in CreateInput) (domain.Product, error) {
	if !actor.IsPrivileged() {
		return domain.Product{}, domain.ErrForbidden
	}

	product := domain.Product{
		ID:             strings.TrimSpace(in.ID),
		SKU:            strings.TrimSpace(in.SKU),
		Name:           strings.TrimSpace(in.Name),
		Description:    in.Description,
		PriceMinor:     in.PriceMinor,
		Currency:       strings.ToUpper(strings.TrimSpace(in.Currency)),
		HasSizes:       len(in.InventoryBySize) > 0,
		StockQuantity:  in.StockQuantity,
		MinStock:       in.MinStock,
		MinStockBySize: in.MinStockBySize,
		Active:         in.Active,
		CreatedAt:      s.now(),
	}
	if product.ID == "" {
		product.ID = uuid.NewString()
	}
	if product.Currency == "" {
		product.Currency = s.currency
	}
	if product.HasSizes {
		product.InventoryBySize = in.InventoryBySize
	}
	if err := product.Validate(); err != nil {
		return domain.Product{}, err
	}

	// карточка создаётся с нулевыми остатками, начальное количество приходит через журнал
	initial := product.Clone()
	product.StockQuantity = 0
	if product.HasSizes {
		product.InventoryBySize = make(map[string]int64, len(initial.InventoryBySize))
		for size := range initial.InventoryBySize {
			product.InventoryBySize[size] = 0
		}
	}

	var (
		created domain.Product
		results []stock.Result
	)
	err := s.store.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
		results = nil
		if err := tx.Products().Create(ctx, product); err != nil {
			return err
		}
		for _, size := range stockKeys(initial) {
			qty, _ := initial.QuantityFor(size)
			if qty == 0 {
				continue
			}
			res, err := s.engine.ApplyInTx(ctx, tx, stock.Request{
				ProductID: product.ID,
				Size:      size,
				Kind:      domain.MovementEntry,
				Quantity:  qty,
				Reason:    "initial stock",
				Actor:     actor.ID,
			})
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		var err error
		created, err = tx.Products().Get(ctx, product.ID)
		return err
	})
	if err != nil {
		return domain.Product{}, err
	}

	s.engine.Observe(results...)
	s.logger.WithFields(log.Fields{
		"product_id": created.ID,
		"sku":        created.SKU,
		"total":      created.TotalStock(),
	}).Info("product created")
	return created, nil
}

// Update меняет поля каталога. Остатки этим методом не меняются.
func (s *Service) Update(ctx context.Context, actor domain.Principal, productID string, in UpdateInput) (domain.Product, error) {
	if !actor.IsPrivileged() {
		return domain.Product{}, domain.ErrForbidden
	}

	var updated domain.Product
	err := retry.OnConflict(ctx, s.retry, s.logger, "catalog.update", nil, func(ctx context.Context) error {
		current, err := s.store.Products().Get(ctx, strings.TrimSpace(productID))
		if err != nil {
			return err
		}
		if in.Name != nil {
			current.Name = strings.TrimSpace(*in.Name)
		}
		if in.Description != nil {
			current.Description = *in.Description
		}
		if in.PriceMinor != nil {
			current.PriceMinor = *in.PriceMinor
		}
		if in.Active != nil {
			current.Active = *in.Active
		}
		if in.MinStock != nil {
			current.MinStock = *in.MinStock
		}
		if in.MinStockBySize != nil {
			current.MinStockBySize = in.MinStockBySize
		}
		if err := current.Validate(); err != nil {
			return err
		}
		current.UpdatedAt = s.now()
		if err := s.store.Products().UpdateCatalog(ctx, current); err != nil {
			return err
		}
		current.Version++
		updated = current
		return nil
	})
	if err != nil {
		return domain.Product{}, err
	}
	return updated, nil
}

// Get возвращает товар.
func (s *Service) Get(ctx context.Context, productID string) (domain.Product, error) {
	return s.store.Products().Get(ctx, strings.TrimSpace(productID))
}

// List возвращает страницу товаров по возрастанию ID.
func (s *Service) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultListLimit
	case filter.Limit > maxListLimit:
		filter.Limit = maxListLimit
	}
	return s.store.Products().List(ctx, filter)
}

func stockKeys(p domain.Product) []string {
	if !p.HasSizes {
		return []string{""}
	}
	return p.Sizes()
}
