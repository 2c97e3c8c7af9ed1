package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const defaultIdempotencyWindow = 24 * time.Hour

type idempotencyRepository struct {
	q querier
}

// Claim вставляет запись или перезаписывает просроченную одним запросом.
// Пустой RETURNING означает, что ключ занят живой записью.
func (r idempotencyRepository) Claim(ctx context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	claim, err := claim.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}
	now := time.Now().UTC()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultIdempotencyWindow)
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var claimed string
	err = r.q.QueryRowContext(ctx, `
		INSERT INTO idempotency_keys (
			scope, key, route, request_hash, status, http_status, response_body, expires_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,0,NULL,$6,$7,$7)
		ON CONFLICT (scope, key) DO UPDATE
		SET route = EXCLUDED.route,
		    request_hash = EXCLUDED.request_hash,
		    status = EXCLUDED.status,
		    http_status = 0,
		    response_body = NULL,
		    expires_at = EXCLUDED.expires_at,
		    created_at = EXCLUDED.created_at,
		    updated_at = EXCLUDED.updated_at
		WHERE idempotency_keys.expires_at <= EXCLUDED.created_at
		RETURNING key
	`, claim.Scope, claim.Key, claim.Route, claim.RequestHash,
		string(domain.IdempotencyStatusProcessing), claim.ExpiresAt, now).Scan(&claimed)
	if errors.Is(err, sql.ErrNoRows) {
		existing, getErr := r.Get(ctx, claim.Scope, claim.Key)
		if getErr != nil {
			// запись удалили между INSERT и SELECT
			return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyAlreadyExists
		}
		return existing, existing.Conflict(claim.RequestHash)
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("claim idempotency key: %w", err)
	}

	return domain.NewIdempotencyRecord(claim, now), nil
}

func (r idempotencyRepository) Get(ctx context.Context, scope, key string) (domain.IdempotencyRecord, error) {
	scope, key = strings.TrimSpace(scope), strings.TrimSpace(key)
	if key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		record    domain.IdempotencyRecord
		statusRaw string
		body      []byte
	)
	err := r.q.QueryRowContext(ctx, `
		SELECT scope, key, route, request_hash, status, http_status, response_body, expires_at, created_at, updated_at
		FROM idempotency_keys
		WHERE scope = $1 AND key = $2
	`, scope, key).Scan(
		&record.Scope,
		&record.Key,
		&record.Route,
		&record.RequestHash,
		&statusRaw,
		&record.HTTPStatus,
		&body,
		&record.ExpiresAt,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	if err != nil {
		return domain.IdempotencyRecord{}, fmt.Errorf("get idempotency record: %w", err)
	}

	record.Status = domain.IdempotencyStatus(statusRaw)
	if !record.Status.Valid() {
		return domain.IdempotencyRecord{}, fmt.Errorf("invalid idempotency status %q for key %s", statusRaw, key)
	}
	record.ResponseBody = body
	return record, nil
}

func (r idempotencyRepository) Finish(ctx context.Context, scope, key string, httpStatus int, responseBody []byte) error {
	scope, key = strings.TrimSpace(scope), strings.TrimSpace(key)
	if key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE idempotency_keys
		SET status = $1, http_status = $2, response_body = $3, updated_at = $4
		WHERE scope = $5 AND key = $6
	`, string(domain.FinishStatus(httpStatus)), httpStatus, responseBody, time.Now().UTC(), scope, key)
	if err != nil {
		return fmt.Errorf("finish idempotency key: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("idempotency rows affected: %w", err)
	}
	if affected == 0 {
		return domain.ErrIdempotencyKeyNotFound
	}
	return nil
}

// DeleteExpired удаляет до limit записей с expires_at <= before, самые старые первыми; limit <= 0 снимает ограничение.
func (r idempotencyRepository) DeleteExpired(ctx context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = time.Now().UTC()
	}

	ctx, cancel := withTimeout(ctx)
	defer cancel()

	query := `DELETE FROM idempotency_keys WHERE expires_at <= $1`
	args := []any{before}
	if limit > 0 {
		query = `
			DELETE FROM idempotency_keys
			WHERE (scope, key) IN (
				SELECT scope, key FROM idempotency_keys
				WHERE expires_at <= $1
				ORDER BY expires_at
				LIMIT $2
			)`
		args = append(args, limit)
	}

	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("delete expired idempotency records: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("idempotency rows affected: %w", err)
	}
	return int(affected), nil
}

var _ domain.IdempotencyRepository = idempotencyRepository{}
