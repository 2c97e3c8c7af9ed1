package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type movementRepository struct {
	q querier
}

// Append дописывает запись в журнал. UPDATE и DELETE запрещены триггером.
func (r movementRepository) Append(ctx context.Context, m domain.InventoryMovement) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO inventory_movements (
			id, kind, product_id, size, quantity_before, quantity_after, delta,
			reason, reference, order_id, actor, created_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`,
		m.ID, string(m.Kind), m.ProductID, m.Size, m.QuantityBefore, m.QuantityAfter, m.Delta,
		m.Reason, m.Reference, m.OrderID, m.Actor, m.CreatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("append inventory movement: %w", err)
	}
	return nil
}

// List возвращает записи по убыванию ID (ULID упорядочен по времени).
func (r movementRepository) List(ctx context.Context, filter domain.MovementFilter, beforeID string, limit int) ([]domain.InventoryMovement, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		where []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if filter.ProductID != "" {
		add("product_id = $%d", filter.ProductID)
	}
	if filter.Size != "" {
		add("size = $%d", filter.Size)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if filter.OrderID != "" {
		add("order_id = $%d", filter.OrderID)
	}
	if !filter.From.IsZero() {
		add("created_at >= $%d", filter.From)
	}
	if !filter.To.IsZero() {
		add("created_at < $%d", filter.To)
	}
	if beforeID != "" {
		add("id < $%d", beforeID)
	}

	query := `
		SELECT id, kind, product_id, size, quantity_before, quantity_after, delta,
		       reason, reference, order_id, actor, created_at
		FROM inventory_movements`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list inventory movements: %w", err)
	}
	defer rows.Close()

	out := make([]domain.InventoryMovement, 0)
	for rows.Next() {
		var (
			m    domain.InventoryMovement
			kind string
		)
		if err := rows.Scan(
			&m.ID, &kind, &m.ProductID, &m.Size, &m.QuantityBefore, &m.QuantityAfter, &m.Delta,
			&m.Reason, &m.Reference, &m.OrderID, &m.Actor, &m.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan inventory movement: %w", err)
		}
		m.Kind = domain.MovementKind(kind)
		m.CreatedAt = m.CreatedAt.UTC()
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate inventory movements: %w", err)
	}
	return out, nil
}

var _ domain.MovementRepository = movementRepository{}
