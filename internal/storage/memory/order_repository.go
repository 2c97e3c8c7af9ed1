package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// orderRepo - in-memory реализация OrderRepository поверх Store.
type orderRepo struct {
	s *Store
	u *unit
}

// Create сохраняет новый заказ, если ID ещё не занят.
func (r orderRepo) Create(_ context.Context, order domain.Order) error {
	return r.s.with(r.u, true, func(u *unit) error {
		if _, exists := u.order(order.ID); exists {
			return domain.ErrAlreadyExists
		}
		order.Version = 1
		u.orders[order.ID] = order.Clone()
		return nil
	})
}

// Get возвращает заказ или ErrOrderNotFound, если его нет.
func (r orderRepo) Get(_ context.Context, id string) (domain.Order, error) {
	var out domain.Order
	err := r.s.with(r.u, false, func(u *unit) error {
		order, ok := u.order(id)
		if !ok {
			return domain.ErrOrderNotFound
		}
		out = order
		return nil
	})
	return out, err
}

// List возвращает заказы по фильтру, новые первыми.
func (r orderRepo) List(_ context.Context, filter domain.OrderFilter) ([]domain.Order, error) {
	var result []domain.Order
	err := r.s.with(r.u, false, func(u *unit) error {
		for id, order := range u.s.orders {
			if shadow, ok := u.orders[id]; ok {
				order = shadow
			}
			if filter.Matches(order) {
				result = append(result, order.Clone())
			}
		}
		for id, order := range u.orders {
			if _, ok := u.s.orders[id]; ok {
				continue
			}
			if filter.Matches(order) {
				result = append(result, order.Clone())
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(result) {
			return []domain.Order{}, nil
		}
		result = result[filter.Offset:]
	}
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

// Save перезаписывает изменяемые поля заказа, проверяя версию (optimistic locking).
func (r orderRepo) Save(_ context.Context, order domain.Order) error {
	return r.s.with(r.u, true, func(u *unit) error {
		current, ok := u.order(order.ID)
		if !ok {
			return domain.ErrOrderNotFound
		}
		if current.Version != order.Version {
			return domain.ErrVersionConflict
		}
		current.Status = order.Status
		current.Carrier = order.Carrier
		current.TrackingNumber = order.TrackingNumber
		current.PaymentRef = order.PaymentRef
		current.Notes = order.Notes
		current.UpdatedAt = order.UpdatedAt
		current.Version++
		u.orders[order.ID] = current
		return nil
	})
}

var _ domain.OrderRepository = orderRepo{}
