// Package stock применяет складские движения к остаткам товаров.
package stock

import (
	"context"
	"errors"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/ledger"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
)

const lowStockScanPage = 200

// Request - запрос на складское движение.
// Для adjustment Quantity - новое абсолютное значение остатка.
type Request struct {
	ProductID string
	Size      string
	Kind      domain.MovementKind
	Quantity  int64
	Reason    string
	Reference string
	OrderID   string
	Actor     string
}

// Result - итог применённого движения.
type Result struct {
	Movement domain.InventoryMovement
	Product  domain.Product
	LowStock domain.LowStockReport
	// LowStockRaised - движение впервые опустило товар ниже порога.
	LowStockRaised bool
}

// SizeStock - остаток одного размера.
type SizeStock struct {
	Size     string
	Quantity int64
	Minimum  int64
	Low      bool
}

// Breakdown - остатки товара по размерам.
type Breakdown struct {
	ProductID string
	SKU       string
	Mode      domain.StockMode
	Sizes     []SizeStock
	Total     int64
	MinStock  int64
}

// LowStockFilter - параметры выборки предупреждений.
type LowStockFilter struct {
	CriticalOnly bool
	Limit        int
}

// Engine - складской движок. Запись товара и журнала выполняется одной единицей работы.
type Engine struct {
	uow      domain.UnitOfWork
	products domain.ProductRepository
	retry    retry.Config
	metrics  *metrics.CommerceMetrics
	logger   *log.Entry
}

// Option настраивает Engine.
type Option func(*Engine)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRetryConfig переопределяет политику повторов при конфликте версий.
func WithRetryConfig(cfg retry.Config) Option {
	return func(e *Engine) { e.retry = cfg }
}

// NewEngine создаёт складской движок.
func NewEngine(uow domain.UnitOfWork, products domain.ProductRepository, opts ...Option) *Engine {
	e := &Engine{
		uow:      uow,
		products: products,
		retry:    retry.DefaultConfig(),
		logger:   log.New().WithField("component", "stock-engine"),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Apply применяет движение в собственной единице работы с повтором при конфликте версий.
func (e *Engine) Apply(ctx context.Context, req Request) (Result, error) {
	var result Result
	err := retry.OnConflict(ctx, e.retry, e.logger, "stock.apply", e.onRetry, func(ctx context.Context) error {
		return e.uow.Do(ctx, func(ctx context.Context, tx domain.Tx) error {
			var err error
			result, err = e.ApplyInTx(ctx, tx, req)
			return err
		})
	})
	if err != nil {
		e.observeRejection(req, err)
		return Result{}, err
	}

	e.Observe(result)
	return result, nil
}

// ApplyInTx применяет движение внутри внешней единицы работы (оформление, отмена).
// Метрики не пишутся: вызывающий код передаёт результаты в Observe после фиксации.
func (e *Engine) ApplyInTx(ctx context.Context, tx domain.Tx, req Request) (Result, error) {
	req.ProductID = strings.TrimSpace(req.ProductID)
	req.Size = strings.TrimSpace(req.Size)
	if err := validateRequest(req); err != nil {
		return Result{}, err
	}

	product, err := tx.Products().Get(ctx, req.ProductID)
	if err != nil {
		return Result{}, err
	}
	current, err := product.QuantityFor(req.Size)
	if err != nil {
		return Result{}, err
	}
	next, err := nextQuantity(req, current)
	if err != nil {
		return Result{}, err
	}

	before := domain.EvaluateLowStock(product)
	updated := product.WithQuantity(req.Size, next)
	if err := tx.Products().UpdateStock(ctx, updated); err != nil {
		return Result{}, err
	}
	updated.Version++

	movement, err := ledger.Record(ctx, tx.Movements(), domain.InventoryMovement{
		Kind:           req.Kind,
		ProductID:      req.ProductID,
		Size:           req.Size,
		QuantityBefore: current,
		QuantityAfter:  next,
		Delta:          next - current,
		Reason:         req.Reason,
		Reference:      req.Reference,
		OrderID:        req.OrderID,
		Actor:          req.Actor,
	})
	if err != nil {
		return Result{}, err
	}

	report := domain.EvaluateLowStock(updated)
	raised := report.AnyBelow && report.AlertCount() > before.AlertCount()

	if err := domain.EnqueueEvent(ctx, tx.Outbox(), domain.AggregateProduct, product.ID, domain.EventStockMovementRecorded, domain.StockMovementEvent{
		MovementID:     movement.ID,
		ProductID:      movement.ProductID,
		Size:           movement.Size,
		Kind:           movement.Kind,
		Delta:          movement.Delta,
		QuantityBefore: movement.QuantityBefore,
		QuantityAfter:  movement.QuantityAfter,
		OrderID:        movement.OrderID,
		OccurredAt:     movement.CreatedAt,
	}); err != nil {
		return Result{}, err
	}
	if raised {
		if err := domain.EnqueueEvent(ctx, tx.Outbox(), domain.AggregateProduct, product.ID, domain.EventLowStockDetected, domain.LowStockEvent{
			ProductID:  product.ID,
			SKU:        product.SKU,
			Critical:   report.Critical,
			Alerts:     report.Alerts,
			OccurredAt: movement.CreatedAt,
		}); err != nil {
			return Result{}, err
		}
	}

	return Result{Movement: movement, Product: updated, LowStock: report, LowStockRaised: raised}, nil
}

// Observe записывает метрики и логи для зафиксированных движений.
func (e *Engine) Observe(results ...Result) {
	for _, r := range results {
		e.metrics.RecordMovement(string(r.Movement.Kind))
		fields := log.Fields{
			"product_id":  r.Movement.ProductID,
			"size":        r.Movement.Size,
			"kind":        r.Movement.Kind,
			"delta":       r.Movement.Delta,
			"movement_id": r.Movement.ID,
		}
		if r.Movement.OrderID != "" {
			fields["order_id"] = r.Movement.OrderID
		}
		e.logger.WithFields(fields).Debug("stock movement applied")

		if r.LowStockRaised {
			e.metrics.RecordLowStock()
			e.logger.WithFields(log.Fields{
				"product_id":  r.Product.ID,
				"sku":         r.Product.SKU,
				"critical":    r.LowStock.Critical,
				"max_deficit": r.LowStock.MaxDeficit,
			}).Warn("product dropped below minimum stock")
		}
	}
}

// GetStockBySize возвращает остатки товара по размерам.
func (e *Engine) GetStockBySize(ctx context.Context, productID string) (Breakdown, error) {
	product, err := e.products.Get(ctx, strings.TrimSpace(productID))
	if err != nil {
		return Breakdown{}, err
	}

	out := Breakdown{
		ProductID: product.ID,
		SKU:       product.SKU,
		Mode:      product.Mode(),
		Total:     product.TotalStock(),
		MinStock:  product.MinStock,
	}
	if !product.HasSizes {
		out.Sizes = []SizeStock{{
			Quantity: product.StockQuantity,
			Minimum:  product.MinStock,
			Low:      product.MinStock > 0 && product.StockQuantity < product.MinStock,
		}}
		return out, nil
	}
	for _, size := range product.Sizes() {
		qty, min := product.InventoryBySize[size], product.MinStockBySize[size]
		out.Sizes = append(out.Sizes, SizeStock{Size: size, Quantity: qty, Minimum: min, Low: min > 0 && qty < min})
	}
	return out, nil
}

// ListLowStockAlerts проходит по активным товарам и возвращает нарушенные пороги,
// наибольший дефицит первым.
func (e *Engine) ListLowStockAlerts(ctx context.Context, filter LowStockFilter) ([]domain.LowStockReport, error) {
	var (
		reports []domain.LowStockReport
		afterID string
	)
	for {
		page, err := e.products.List(ctx, domain.ProductFilter{ActiveOnly: true, AfterID: afterID, Limit: lowStockScanPage})
		if err != nil {
			return nil, err
		}
		for _, p := range page {
			report := domain.EvaluateLowStock(p)
			if !report.AnyBelow || (filter.CriticalOnly && !report.Critical) {
				continue
			}
			reports = append(reports, report)
		}
		if len(page) < lowStockScanPage {
			break
		}
		afterID = page[len(page)-1].ID
	}

	sort.SliceStable(reports, func(i, j int) bool {
		if reports[i].MaxDeficit != reports[j].MaxDeficit {
			return reports[i].MaxDeficit > reports[j].MaxDeficit
		}
		return reports[i].ProductID < reports[j].ProductID
	})
	if filter.Limit > 0 && len(reports) > filter.Limit {
		reports = reports[:filter.Limit]
	}
	return reports, nil
}

func validateRequest(req Request) error {
	if req.ProductID == "" {
		return domain.ErrProductIDRequired
	}
	if !req.Kind.Valid() {
		return domain.Validation(domain.ErrInvalidMovement.Code, "unknown movement kind %q", req.Kind)
	}
	if req.Kind.RequiresOrder() && strings.TrimSpace(req.OrderID) == "" {
		return domain.ErrOrderRefRequired
	}
	if req.Kind == domain.MovementAdjustment {
		if req.Quantity < 0 {
			return domain.InvalidQuantity("adjustment target must be non-negative, got %d", req.Quantity)
		}
		return nil
	}
	if req.Quantity <= 0 {
		return domain.InvalidQuantity("%s quantity must be positive, got %d", req.Kind, req.Quantity)
	}
	return nil
}

func nextQuantity(req Request, current int64) (int64, error) {
	switch req.Kind {
	case domain.MovementEntry, domain.MovementReturn:
		return current + req.Quantity, nil
	case domain.MovementExit, domain.MovementSale:
		if current-req.Quantity < 0 {
			return 0, domain.InsufficientStock(req.ProductID, req.Size, current, req.Quantity)
		}
		return current - req.Quantity, nil
	case domain.MovementAdjustment:
		return req.Quantity, nil
	default:
		return 0, domain.Validation(domain.ErrInvalidMovement.Code, "unknown movement kind %q", req.Kind)
	}
}

func (e *Engine) onRetry(int) {
	e.metrics.RecordConflictRetry("stock")
}

func (e *Engine) observeRejection(req Request, err error) {
	reason := domain.CodeOf(err)
	e.metrics.RecordStockRejected(reason)

	entry := e.logger.WithFields(log.Fields{
		"product_id": req.ProductID,
		"size":       req.Size,
		"kind":       req.Kind,
		"quantity":   req.Quantity,
	}).WithError(err)
	if errors.Is(err, domain.ErrInsufficientStock) || domain.KindOf(err) == domain.KindValidation || domain.IsNotFound(err) {
		entry.Info("stock movement rejected")
		return
	}
	entry.Error("stock movement failed")
}
