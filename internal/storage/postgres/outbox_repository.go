package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	outboxPending = "pending"
	outboxSent    = "sent"
	outboxFailed  = "failed"

	defaultOutboxBatch = 100
	// outboxLease - на сколько выбранное сообщение скрыто от других экземпляров воркера.
	outboxLease = time.Minute
)

type outboxRepository struct {
	q querier
}

func (r outboxRepository) Enqueue(ctx context.Context, msg domain.OutboxMessage) (domain.OutboxMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	_, err := r.q.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, aggregate_type, aggregate_id, event_type, payload, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, msg.ID, msg.AggregateType, msg.AggregateID, msg.EventType, msg.Payload, outboxPending, now)
	if err != nil {
		return domain.OutboxMessage{}, fmt.Errorf("insert outbox message %s: %w", msg.EventType, err)
	}
	return msg, nil
}

// PullPending арендует до limit самых старых pending-сообщений.
// Параллельные воркеры не получают одни и те же строки, пока аренда не истекла.
func (r outboxRepository) PullPending(ctx context.Context, limit int) ([]domain.OutboxMessage, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	if limit <= 0 {
		limit = defaultOutboxBatch
	}
	now := time.Now().UTC()
	rows, err := r.q.QueryContext(ctx, `
		WITH batch AS (
			SELECT id
			FROM outbox_messages
			WHERE status = $1
			  AND (claimed_until IS NULL OR claimed_until < $2)
			ORDER BY created_at, id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE outbox_messages m
		SET claimed_until = $4
		FROM batch
		WHERE m.id = batch.id
		RETURNING m.id, m.aggregate_type, m.aggregate_id, m.event_type, m.payload, m.created_at
	`, outboxPending, now, limit, now.Add(outboxLease))
	if err != nil {
		return nil, fmt.Errorf("claim outbox batch: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		msg     domain.OutboxMessage
		created time.Time
	}
	var batch []claimed
	for rows.Next() {
		var c claimed
		if err := rows.Scan(&c.msg.ID, &c.msg.AggregateType, &c.msg.AggregateID, &c.msg.EventType, &c.msg.Payload, &c.created); err != nil {
			return nil, fmt.Errorf("scan outbox message: %w", err)
		}
		batch = append(batch, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read outbox batch: %w", err)
	}

	// RETURNING не сохраняет порядок подзапроса
	slices.SortFunc(batch, func(a, b claimed) int {
		if c := a.created.Compare(b.created); c != 0 {
			return c
		}
		return strings.Compare(a.msg.ID, b.msg.ID)
	})
	out := make([]domain.OutboxMessage, len(batch))
	for i, c := range batch {
		out[i] = c.msg
	}
	return out, nil
}

func (r outboxRepository) Stats(ctx context.Context) (domain.OutboxStats, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var (
		stats  domain.OutboxStats
		oldest sql.NullTime
	)
	err := r.q.QueryRowContext(ctx,
		`SELECT COUNT(*), MIN(created_at) FROM outbox_messages WHERE status = $1`, outboxPending,
	).Scan(&stats.PendingCount, &oldest)
	if err != nil {
		return domain.OutboxStats{}, fmt.Errorf("outbox stats: %w", err)
	}
	if oldest.Valid {
		stats.OldestPendingAt = oldest.Time.UTC()
	}
	return stats, nil
}

func (r outboxRepository) MarkSent(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxSent)
}

func (r outboxRepository) MarkFailed(ctx context.Context, id string) error {
	return r.finish(ctx, id, outboxFailed)
}

// finish снимает аренду и фиксирует итог публикации.
func (r outboxRepository) finish(ctx context.Context, id, status string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $2, attempt_count = attempt_count + 1, claimed_until = NULL, updated_at = $3
		WHERE id = $1
	`, id, status, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("outbox %s -> %s: %w", id, status, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("outbox %s -> %s: %w", id, status, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: message %s not found", domain.ErrOutboxPublish, id)
	}
	return nil
}

// Requeue возвращает failed-сообщения в очередь. Неизвестные и не failed id пропускаются.
func (r outboxRepository) Requeue(ctx context.Context, ids ...string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	res, err := r.q.ExecContext(ctx, `
		UPDATE outbox_messages
		SET status = $1, claimed_until = NULL, updated_at = $3
		WHERE id = ANY($2) AND status = $4
	`, outboxPending, ids, time.Now().UTC(), outboxFailed)
	if err != nil {
		return 0, fmt.Errorf("requeue outbox messages: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("requeue outbox messages: %w", err)
	}
	return int(n), nil
}

var _ domain.OutboxRepository = outboxRepository{}
