package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const paymentColumns = `
	id, order_id, payer_id, provider, method, amount_minor, currency, status,
	provider_payment_id, checkout_session_id, client_secret, idempotency_key,
	failure_code, failure_message, refund_id, refund_amount_minor, refund_reason,
	processed_event_ids, metadata, version, completed_at, created_at, updated_at`

type paymentRepository struct {
	q querier
}

func (r paymentRepository) Create(ctx context.Context, p domain.Payment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	events, metadata, err := encodePaymentJSON(p)
	if err != nil {
		return err
	}

	_, err = r.q.ExecContext(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1,$20,$21,$22)
		ON CONFLICT (idempotency_key) DO NOTHING
	`,
		p.ID, p.OrderID, p.PayerID, p.Provider, p.Method, p.AmountMinor, p.Currency, string(p.Status),
		p.ProviderPaymentID, p.CheckoutSessionID, p.ClientSecret, p.IdempotencyKey,
		p.FailureCode, p.FailureMessage, p.RefundID, p.RefundAmountMinor, p.RefundReason,
		events, metadata, nullTime(p.CompletedAt), p.CreatedAt, p.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrAlreadyExists
		}
		return fmt.Errorf("insert payment: %w", err)
	}

	// ON CONFLICT поглощает только конфликт по idempotency_key.
	stored, err := r.Get(ctx, p.ID)
	if errors.Is(err, domain.ErrPaymentNotFound) {
		return domain.ErrPaymentAlreadyInitialized
	}
	if err != nil {
		return err
	}
	if stored.IdempotencyKey != p.IdempotencyKey {
		return domain.ErrAlreadyExists
	}
	return nil
}

func (r paymentRepository) Get(ctx context.Context, id string) (domain.Payment, error) {
	return r.selectOne(ctx, `WHERE id = $1`, id)
}

func (r paymentRepository) GetByIdempotencyKey(ctx context.Context, key string) (domain.Payment, error) {
	return r.selectOne(ctx, `WHERE idempotency_key = $1`, key)
}

func (r paymentRepository) GetByProviderPaymentID(ctx context.Context, providerID string) (domain.Payment, error) {
	if providerID == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.selectOne(ctx, `WHERE provider_payment_id = $1 ORDER BY created_at DESC LIMIT 1`, providerID)
}

func (r paymentRepository) GetByCheckoutSessionID(ctx context.Context, sessionID string) (domain.Payment, error) {
	if sessionID == "" {
		return domain.Payment{}, domain.ErrPaymentNotFound
	}
	return r.selectOne(ctx, `WHERE checkout_session_id = $1 ORDER BY created_at DESC LIMIT 1`, sessionID)
}

// ListByOrder возвращает платежи заказа, новые первыми.
func (r paymentRepository) ListByOrder(ctx context.Context, orderID string) ([]domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT `+paymentColumns+`
		FROM payments
		WHERE order_id = $1
		ORDER BY created_at DESC, id DESC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("list payments: %w", err)
	}
	defer rows.Close()

	out := make([]domain.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan payment row: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payment rows: %w", err)
	}
	return out, nil
}

// Save перезаписывает платёж, проверяя версию. Ключ идемпотентности и дата создания неизменны.
func (r paymentRepository) Save(ctx context.Context, p domain.Payment) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	events, metadata, err := encodePaymentJSON(p)
	if err != nil {
		return err
	}

	res, err := r.q.ExecContext(ctx, `
		UPDATE payments
		SET status = $1,
		    provider_payment_id = $2,
		    checkout_session_id = $3,
		    client_secret = $4,
		    failure_code = $5,
		    failure_message = $6,
		    refund_id = $7,
		    refund_amount_minor = $8,
		    refund_reason = $9,
		    processed_event_ids = $10,
		    metadata = $11,
		    completed_at = $12,
		    updated_at = $13,
		    version = version + 1
		WHERE id = $14
		  AND version = $15
	`,
		string(p.Status), p.ProviderPaymentID, p.CheckoutSessionID, p.ClientSecret,
		p.FailureCode, p.FailureMessage, p.RefundID, p.RefundAmountMinor, p.RefundReason,
		events, metadata, nullTime(p.CompletedAt), p.UpdatedAt,
		p.ID, p.Version,
	)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		exists, err := rowExists(ctx, r.q, `SELECT 1 FROM payments WHERE id = $1`, p.ID)
		if err != nil {
			return err
		}
		if !exists {
			return domain.ErrPaymentNotFound
		}
		return domain.ErrVersionConflict
	}
	return nil
}

func (r paymentRepository) selectOne(ctx context.Context, clause string, arg any) (domain.Payment, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	p, err := scanPayment(r.q.QueryRowContext(ctx, `SELECT `+paymentColumns+` FROM payments `+clause, arg))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Payment{}, domain.ErrPaymentNotFound
		}
		return domain.Payment{}, fmt.Errorf("select payment: %w", err)
	}
	return p, nil
}

func scanPayment(row rowScanner) (domain.Payment, error) {
	var (
		p         domain.Payment
		status    string
		events    []byte
		metadata  []byte
		completed sql.NullTime
	)
	if err := row.Scan(
		&p.ID, &p.OrderID, &p.PayerID, &p.Provider, &p.Method, &p.AmountMinor, &p.Currency, &status,
		&p.ProviderPaymentID, &p.CheckoutSessionID, &p.ClientSecret, &p.IdempotencyKey,
		&p.FailureCode, &p.FailureMessage, &p.RefundID, &p.RefundAmountMinor, &p.RefundReason,
		&events, &metadata, &p.Version, &completed, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Payment{}, err
	}
	p.Status = domain.PaymentStatus(status)
	if len(events) > 0 {
		if err := json.Unmarshal(events, &p.ProcessedEventIDs); err != nil {
			return domain.Payment{}, fmt.Errorf("decode processed events: %w", err)
		}
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &p.Metadata); err != nil {
			return domain.Payment{}, fmt.Errorf("decode payment metadata: %w", err)
		}
		if len(p.Metadata) == 0 {
			p.Metadata = nil
		}
	}
	if completed.Valid {
		p.CompletedAt = completed.Time.UTC()
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return p, nil
}

func encodePaymentJSON(p domain.Payment) (events, metadata []byte, err error) {
	ids := p.ProcessedEventIDs
	if ids == nil {
		ids = []string{}
	}
	if events, err = json.Marshal(ids); err != nil {
		return nil, nil, fmt.Errorf("encode processed events: %w", err)
	}
	meta := p.Metadata
	if meta == nil {
		meta = map[string]any{}
	}
	if metadata, err = json.Marshal(meta); err != nil {
		return nil, nil, fmt.Errorf("encode payment metadata: %w", err)
	}
	return events, metadata, nil
}

var _ domain.PaymentRepository = paymentRepository{}
