// Package cart ведёт корзины покупателей и оформляет из них заказы.
package cart

import (
	"context"
	"errors"
	"slices"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/metrics"
	"github.com/vladislavdragonenkov/retailcore/internal/service/orders"
	"github.com/vladislavdragonenkov/retailcore/internal/service/retry"
)

// ItemInput - добавление или изменение строки корзины.
type ItemInput struct {
	ProductID string
	Size      string
	Qty       int64
}

// CheckoutInput - параметры оформления корзины.
type CheckoutInput struct {
	ShippingAddress domain.Address
	PaymentMethod   string
	ShippingMinor   int64
	Notes           string
}

// SkippedItem - строка сессионной корзины, не перенесённая при слиянии.
type SkippedItem struct {
	ProductID string
	Size      string
	Qty       int64
	Reason    string
}

// MergeResult - итог слияния сессионной корзины в корзину пользователя.
type MergeResult struct {
	Cart    domain.Cart
	Merged  int
	Skipped []SkippedItem
}

// Aggregator - сервис корзин.
type Aggregator struct {
	carts    domain.CartRepository
	products domain.ProductRepository
	orders   *orders.Manager
	maxQty   int64
	retry    retry.Config
	metrics  *metrics.CommerceMetrics
	logger   *log.Entry
}

// Option настраивает Aggregator.
type Option func(*Aggregator)

// WithLogger задаёт логгер.
func WithLogger(logger *log.Entry) Option {
	return func(a *Aggregator) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithMetrics подключает метрики.
func WithMetrics(m *metrics.CommerceMetrics) Option {
	return func(a *Aggregator) { a.metrics = m }
}

// WithMaxQtyPerLine задаёт лимит количества на строку.
func WithMaxQtyPerLine(limit int64) Option {
	return func(a *Aggregator) {
		if limit > 0 {
			a.maxQty = limit
		}
	}
}

// WithRetryConfig переопределяет политику повторов при конфликте версий корзины.
func WithRetryConfig(cfg retry.Config) Option {
	return func(a *Aggregator) { a.retry = cfg }
}

// NewAggregator создаёт сервис корзин.
func NewAggregator(carts domain.CartRepository, products domain.ProductRepository, manager *orders.Manager, opts ...Option) *Aggregator {
	a := &Aggregator{
		carts:    carts,
		products: products,
		orders:   manager,
		maxQty:   domain.DefaultMaxQtyPerLine,
		retry:    retry.DefaultConfig(),
		logger:   log.New().WithField("component", "cart"),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Get возвращает корзину; отсутствующая корзина возвращается пустой.
func (a *Aggregator) Get(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return domain.Cart{}, err
	}
	return a.load(ctx, owner)
}

// AddItem добавляет товар или увеличивает количество существующей строки.
func (a *Aggregator) AddItem(ctx context.Context, owner domain.CartOwner, in ItemInput) (domain.Cart, error) {
	in = trimInput(in)
	if in.Qty <= 0 {
		return domain.Cart{}, domain.InvalidQuantity("quantity must be positive, got %d", in.Qty)
	}
	return a.mutate(ctx, owner, "add", func(ctx context.Context, c *domain.Cart) error {
		return a.addLine(ctx, c, in)
	})
}

// UpdateItem задаёт количество строки; 0 удаляет строку.
func (a *Aggregator) UpdateItem(ctx context.Context, owner domain.CartOwner, in ItemInput) (domain.Cart, error) {
	in = trimInput(in)
	if in.Qty < 0 {
		return domain.Cart{}, domain.InvalidQuantity("quantity must not be negative, got %d", in.Qty)
	}
	if in.Qty == 0 {
		return a.RemoveItem(ctx, owner, in.ProductID, in.Size)
	}
	return a.mutate(ctx, owner, "update", func(ctx context.Context, c *domain.Cart) error {
		idx := c.Find(in.ProductID, in.Size)
		if idx < 0 {
			return domain.ErrCartItemNotFound
		}
		product, err := a.sellable(ctx, in.ProductID, in.Size, in.Qty)
		if err != nil {
			return err
		}
		c.Items[idx].Qty = in.Qty
		c.Items[idx].UnitPriceMinor = product.PriceMinor
		c.Items[idx].Name = product.Name
		return nil
	})
}

// RemoveItem удаляет строку корзины.
func (a *Aggregator) RemoveItem(ctx context.Context, owner domain.CartOwner, productID, size string) (domain.Cart, error) {
	productID, size = strings.TrimSpace(productID), strings.TrimSpace(size)
	return a.mutate(ctx, owner, "remove", func(_ context.Context, c *domain.Cart) error {
		idx := c.Find(productID, size)
		if idx < 0 {
			return domain.ErrCartItemNotFound
		}
		c.Items = append(c.Items[:idx], c.Items[idx+1:]...)
		return nil
	})
}

// Clear очищает корзину, сама корзина сохраняется.
func (a *Aggregator) Clear(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	return a.mutate(ctx, owner, "clear", func(_ context.Context, c *domain.Cart) error {
		c.Items = nil
		return nil
	})
}

// Merge переносит строки сессионной корзины в корзину пользователя по правилам AddItem.
// Строки с неактивным или отсутствующим товаром, превышением лимита или нехваткой остатка пропускаются.
// Сессионная корзина удаляется. Повторное слияние одной сессии не защищено и может удвоить количества.
func (a *Aggregator) Merge(ctx context.Context, userID, sessionID string) (MergeResult, error) {
	target := domain.UserCart(userID)
	source := domain.SessionCart(sessionID)
	if err := target.Validate(); err != nil {
		return MergeResult{}, err
	}
	if err := source.Validate(); err != nil {
		return MergeResult{}, err
	}

	session, err := a.carts.Get(ctx, source)
	if errors.Is(err, domain.ErrCartNotFound) {
		current, err := a.load(ctx, target)
		return MergeResult{Cart: current}, err
	}
	if err != nil {
		return MergeResult{}, err
	}

	var result MergeResult
	merged, err := a.mutate(ctx, target, "merge", func(ctx context.Context, c *domain.Cart) error {
		result.Merged, result.Skipped = 0, nil
		for _, item := range session.Items {
			err := a.addLine(ctx, c, ItemInput{ProductID: item.ProductID, Size: item.Size, Qty: item.Qty})
			if err == nil {
				result.Merged++
				continue
			}
			if domain.KindOf(err) == domain.KindInternal {
				return err
			}
			result.Skipped = append(result.Skipped, SkippedItem{
				ProductID: item.ProductID,
				Size:      item.Size,
				Qty:       item.Qty,
				Reason:    err.Error(),
			})
		}
		return nil
	})
	if err != nil {
		return MergeResult{}, err
	}
	result.Cart = merged

	if err := a.carts.Delete(ctx, source); err != nil {
		a.logger.WithError(err).WithField("session_id", sessionID).Warn("delete merged session cart failed")
	}
	a.logger.WithFields(log.Fields{
		"user_id": userID,
		"merged":  result.Merged,
		"skipped": len(result.Skipped),
	}).Info("session cart merged")
	return result, nil
}

// Checkout оформляет корзину пользователя: заказ и списание остатков одной единицей работы.
// Сначала строки забираются из корзины сохранением пустой копии по версии, поэтому
// параллельное оформление той же корзины получает ErrEmptyCart. При ошибке строки возвращаются.
func (a *Aggregator) Checkout(ctx context.Context, actor domain.Principal, in CheckoutInput) (domain.Order, error) {
	start := time.Now()
	if !actor.Authenticated() {
		return domain.Order{}, domain.ErrUnauthenticated
	}
	owner := domain.UserCart(actor.ID)

	claimed, err := a.claim(ctx, owner)
	if err != nil {
		if errors.Is(err, domain.ErrEmptyCart) {
			a.metrics.RecordCheckout("empty", time.Since(start))
		}
		return domain.Order{}, err
	}

	lines := make([]orders.LineInput, 0, len(claimed.Items))
	for _, item := range claimed.Items {
		lines = append(lines, orders.LineInput{ProductID: item.ProductID, Size: item.Size, Qty: item.Qty})
	}
	order, err := a.orders.CreateReserved(ctx, actor, orders.CreateInput{
		Items:           lines,
		ShippingAddress: in.ShippingAddress,
		PaymentMethod:   in.PaymentMethod,
		ShippingMinor:   in.ShippingMinor,
		Notes:           in.Notes,
	})
	if err != nil {
		a.metrics.RecordCheckout(checkoutResult(err), time.Since(start))
		a.logger.WithError(err).WithField("user_id", actor.ID).Info("checkout rejected")
		if restoreErr := a.restore(context.WithoutCancel(ctx), claimed); restoreErr != nil {
			a.logger.WithError(restoreErr).WithField("user_id", actor.ID).Error("restore cart after failed checkout")
		}
		return domain.Order{}, err
	}

	a.metrics.RecordCheckout("success", time.Since(start))
	return order, nil
}

// claim сохраняет пустую корзину по загруженной версии и возвращает забранные строки.
func (a *Aggregator) claim(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	var claimed domain.Cart
	err := retry.OnConflict(ctx, a.retry, a.logger, "cart.checkout", a.onRetry, func(ctx context.Context) error {
		current, err := a.load(ctx, owner)
		if err != nil {
			return err
		}
		if current.IsEmpty() {
			return domain.ErrEmptyCart
		}
		claimed = current.Clone()

		current.Items = nil
		current.Recalculate()
		_, err = a.carts.Save(ctx, current)
		return err
	})
	if err != nil {
		return domain.Cart{}, err
	}
	return claimed, nil
}

// restore возвращает забранные строки; строки, добавленные после claim, сохраняются.
func (a *Aggregator) restore(ctx context.Context, claimed domain.Cart) error {
	_, err := a.mutate(ctx, claimed.Owner, "restore", func(_ context.Context, c *domain.Cart) error {
		items := slices.Clone(claimed.Items)
		for _, added := range c.Items {
			if claimed.Find(added.ProductID, added.Size) < 0 {
				items = append(items, added)
			}
		}
		c.Items = items
		if c.Currency == "" {
			c.Currency = claimed.Currency
		}
		return nil
	})
	return err
}

// mutate загружает корзину, применяет fn, пересчитывает суммы и сохраняет с проверкой версии.
func (a *Aggregator) mutate(ctx context.Context, owner domain.CartOwner, operation string, fn func(ctx context.Context, c *domain.Cart) error) (domain.Cart, error) {
	if err := owner.Validate(); err != nil {
		return domain.Cart{}, err
	}

	var saved domain.Cart
	err := retry.OnConflict(ctx, a.retry, a.logger, "cart."+operation, a.onRetry, func(ctx context.Context) error {
		current, err := a.load(ctx, owner)
		if err != nil {
			return err
		}
		if err := fn(ctx, &current); err != nil {
			return err
		}
		current.Recalculate()
		saved, err = a.carts.Save(ctx, current)
		return err
	})
	if err != nil {
		return domain.Cart{}, err
	}
	a.metrics.RecordCartOperation(operation)
	return saved, nil
}

func (a *Aggregator) load(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	current, err := a.carts.Get(ctx, owner)
	if errors.Is(err, domain.ErrCartNotFound) {
		return domain.Cart{Owner: owner}, nil
	}
	return current, err
}

// addLine проверяет товар, лимит и остаток и добавляет количество к строке.
func (a *Aggregator) addLine(ctx context.Context, c *domain.Cart, in ItemInput) error {
	if in.Qty <= 0 {
		return domain.InvalidQuantity("quantity must be positive, got %d", in.Qty)
	}
	wanted := in.Qty
	idx := c.Find(in.ProductID, in.Size)
	if idx >= 0 {
		wanted += c.Items[idx].Qty
	}

	product, err := a.sellable(ctx, in.ProductID, in.Size, wanted)
	if err != nil {
		return err
	}
	if c.Currency != "" && product.Currency != "" && !strings.EqualFold(c.Currency, product.Currency) {
		return domain.ErrCurrencyMismatch
	}
	if c.Currency == "" {
		c.Currency = product.Currency
	}

	if idx >= 0 {
		c.Items[idx].Qty = wanted
		c.Items[idx].UnitPriceMinor = product.PriceMinor
		c.Items[idx].Name = product.Name
		return nil
	}
	c.Items = append(c.Items, domain.CartItem{
		ProductID:      product.ID,
		Size:           in.Size,
		Qty:            wanted,
		UnitPriceMinor: product.PriceMinor,
		Name:           product.Name,
	})
	return nil
}

// sellable проверяет, что qty единиц товара можно положить в строку корзины.
func (a *Aggregator) sellable(ctx context.Context, productID, size string, qty int64) (domain.Product, error) {
	if qty > a.maxQty {
		return domain.Product{}, domain.QuantityLimitExceeded(a.maxQty, qty)
	}
	if productID == "" {
		return domain.Product{}, domain.ErrProductIDRequired
	}
	product, err := a.products.Get(ctx, productID)
	if err != nil {
		return domain.Product{}, err
	}
	if !product.Active {
		return domain.Product{}, domain.ErrProductInactive
	}
	available, err := product.QuantityFor(size)
	if err != nil {
		return domain.Product{}, err
	}
	if available < qty {
		return domain.Product{}, domain.InsufficientStock(productID, size, available, qty)
	}
	return product, nil
}

func (a *Aggregator) onRetry(int) {
	a.metrics.RecordConflictRetry("cart")
}

func trimInput(in ItemInput) ItemInput {
	in.ProductID = strings.TrimSpace(in.ProductID)
	in.Size = strings.TrimSpace(in.Size)
	return in
}

func checkoutResult(err error) string {
	switch domain.KindOf(err) {
	case domain.KindInsufficientStock:
		return "insufficient_stock"
	case domain.KindValidation, domain.KindNotFound:
		return "rejected"
	default:
		return "error"
	}
}
