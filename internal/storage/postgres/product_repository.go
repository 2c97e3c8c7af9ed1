package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const productColumns = `
	id, sku, name, description, price_minor, currency, has_sizes,
	stock_quantity, inventory_by_size, min_stock, min_stock_by_size,
	active, version, created_at, updated_at`

type productRepository struct {
	q querier
}

func (r productRepository) Create(ctx context.Context, product domain.Product) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if product.CreatedAt.IsZero() {
		product.CreatedAt = time.Now().UTC()
	}
	sizes, err := marshalSizes(product.InventoryBySize)
	if err != nil {
		return err
	}
	minSizes, err := marshalSizes(product.MinStockBySize)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO products (`+productColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,1,$13,$13)
	`,
		product.ID, product.SKU, product.Name, product.Description, product.PriceMinor,
		product.Currency, product.HasSizes, product.StockQuantity, sizes,
		product.MinStock, minSizes, product.Active, product.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert product: %w", err)
	}
	return nil
}

func (r productRepository) Get(ctx context.Context, id string) (domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	product, err := scanProduct(r.q.QueryRowContext(ctx, `SELECT `+productColumns+` FROM products WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Product{}, domain.ErrProductNotFound
		}
		return domain.Product{}, fmt.Errorf("select product: %w", err)
	}
	return product, nil
}

func (r productRepository) List(ctx context.Context, filter domain.ProductFilter) ([]domain.Product, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	if filter.ActiveOnly {
		where = append(where, "active")
	}
	if filter.AfterID != "" {
		args = append(args, filter.AfterID)
		where = append(where, fmt.Sprintf("id > $%d", len(args)))
	}

	query := `SELECT ` + productColumns + ` FROM products`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	products := make([]domain.Product, 0)
	for rows.Next() {
		product, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("scan product row: %w", err)
		}
		products = append(products, product)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate product rows: %w", err)
	}
	return products, nil
}

// UpdateStock записывает только остатки, проверяя версию.
func (r productRepository) UpdateStock(ctx context.Context, product domain.Product) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	sizes, err := marshalSizes(product.InventoryBySize)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET stock_quantity = $1,
		    inventory_by_size = $2,
		    version = version + 1,
		    updated_at = $3
		WHERE id = $4
		  AND version = $5
	`, product.StockQuantity, sizes, time.Now().UTC(), product.ID, product.Version)
	if err != nil {
		return fmt.Errorf("update product stock: %w", err)
	}
	return r.checkCAS(ctx, res, product.ID)
}

// UpdateCatalog записывает поля каталога; остатки не трогаются.
func (r productRepository) UpdateCatalog(ctx context.Context, product domain.Product) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	minSizes, err := marshalSizes(product.MinStockBySize)
	if err != nil {
		return err
	}
	res, err := r.q.ExecContext(ctx, `
		UPDATE products
		SET name = $1,
		    description = $2,
		    price_minor = $3,
		    currency = $4,
		    min_stock = $5,
		    min_stock_by_size = $6,
		    active = $7,
		    version = version + 1,
		    updated_at = $8
		WHERE id = $9
		  AND version = $10
	`,
		product.Name, product.Description, product.PriceMinor, product.Currency,
		product.MinStock, minSizes, product.Active, time.Now().UTC(),
		product.ID, product.Version,
	)
	if err != nil {
		return fmt.Errorf("update product catalog: %w", err)
	}
	return r.checkCAS(ctx, res, product.ID)
}

func (r productRepository) checkCAS(ctx context.Context, res sql.Result, id string) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected > 0 {
		return nil
	}
	exists, err := rowExists(ctx, r.q, `SELECT 1 FROM products WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if !exists {
		return domain.ErrProductNotFound
	}
	return domain.ErrVersionConflict
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (domain.Product, error) {
	var (
		p        domain.Product
		sizes    []byte
		minSizes []byte
	)
	if err := row.Scan(
		&p.ID, &p.SKU, &p.Name, &p.Description, &p.PriceMinor, &p.Currency, &p.HasSizes,
		&p.StockQuantity, &sizes, &p.MinStock, &minSizes,
		&p.Active, &p.Version, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Product{}, err
	}
	var err error
	if p.InventoryBySize, err = unmarshalSizes(sizes); err != nil {
		return domain.Product{}, err
	}
	if p.MinStockBySize, err = unmarshalSizes(minSizes); err != nil {
		return domain.Product{}, err
	}
	if !p.HasSizes {
		p.InventoryBySize = nil
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func marshalSizes(m map[string]int64) ([]byte, error) {
	if m == nil {
		m = map[string]int64{}
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encode size map: %w", err)
	}
	return raw, nil
}

func unmarshalSizes(raw []byte) (map[string]int64, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var m map[string]int64
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("decode size map: %w", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	return m, nil
}

func rowExists(ctx context.Context, q querier, query string, args ...any) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	return false, fmt.Errorf("check row exists: %w", err)
}

var _ domain.ProductRepository = productRepository{}
