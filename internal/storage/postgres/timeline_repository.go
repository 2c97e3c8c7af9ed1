package postgres

import (
	"context"
	"fmt"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type timelineRepository struct {
	q querier
}

func (r timelineRepository) Append(ctx context.Context, event domain.TimelineEvent) error {
	if event.ID == "" || event.OrderID == "" {
		return domain.Validation("timeline_event_invalid", "timeline event needs id and order id")
	}
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	_, err := r.q.ExecContext(ctx, `
		INSERT INTO timeline_events (id, order_id, type, from_status, to_status, reason, actor, occurred)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`, event.ID, event.OrderID, event.Type, string(event.From), string(event.To), event.Reason, event.Actor, event.Occurred.UTC())
	if err != nil {
		return fmt.Errorf("insert timeline event %s: %w", event.ID, err)
	}
	return nil
}

func (r timelineRepository) List(ctx context.Context, orderID string) ([]domain.TimelineEvent, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	rows, err := r.q.QueryContext(ctx, `
		SELECT id, order_id, type, from_status, to_status, reason, actor, occurred
		FROM timeline_events
		WHERE order_id = $1
		ORDER BY occurred, id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query timeline of %s: %w", orderID, err)
	}
	defer rows.Close()

	var events []domain.TimelineEvent
	for rows.Next() {
		var (
			e        domain.TimelineEvent
			from, to string
		)
		if err := rows.Scan(&e.ID, &e.OrderID, &e.Type, &from, &to, &e.Reason, &e.Actor, &e.Occurred); err != nil {
			return nil, fmt.Errorf("scan timeline event: %w", err)
		}
		e.From, e.To = domain.OrderStatus(from), domain.OrderStatus(to)
		e.Occurred = e.Occurred.UTC()
		events = append(events, e)
	}
	return events, rows.Err()
}

var _ domain.TimelineRepository = timelineRepository{}
