package memory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type timelineRepository struct {
	mu      sync.RWMutex
	byOrder map[string][]domain.TimelineEvent
}

// NewTimelineRepository создаёт in-memory историю заказов.
func NewTimelineRepository() domain.TimelineRepository {
	return &timelineRepository{byOrder: make(map[string][]domain.TimelineEvent)}
}

// compareEvents упорядочивает по времени, при равенстве по ID.
func compareEvents(a, b domain.TimelineEvent) int {
	if c := a.Occurred.Compare(b.Occurred); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

func (r *timelineRepository) Append(_ context.Context, event domain.TimelineEvent) error {
	if event.OrderID == "" {
		return domain.Validation("timeline_order_required", "timeline event needs an order id")
	}
	event.Occurred = event.Occurred.UTC()

	r.mu.Lock()
	defer r.mu.Unlock()

	events := r.byOrder[event.OrderID]
	// события приходят почти всегда по порядку, вставка в хвост
	at, _ := slices.BinarySearchFunc(events, event, compareEvents)
	r.byOrder[event.OrderID] = slices.Insert(events, at, event)
	return nil
}

func (r *timelineRepository) List(_ context.Context, orderID string) ([]domain.TimelineEvent, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.byOrder[orderID]), nil
}

var _ domain.TimelineRepository = (*timelineRepository)(nil)
