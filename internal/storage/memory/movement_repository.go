package memory

import (
	"context"
	"sort"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type movementRepo struct {
	s *Store
	u *unit
}

// Append добавляет запись в журнал. Записи не изменяются и не удаляются.
func (r movementRepo) Append(_ context.Context, movement domain.InventoryMovement) error {
	return r.s.with(r.u, true, func(u *unit) error {
		u.movements = append(u.movements, movement)
		return nil
	})
}

func (r movementRepo) List(_ context.Context, filter domain.MovementFilter, beforeID string, limit int) ([]domain.InventoryMovement, error) {
	var out []domain.InventoryMovement
	err := r.s.with(r.u, false, func(u *unit) error {
		for _, source := range [][]domain.InventoryMovement{u.s.movements, u.movements} {
			for _, m := range source {
				if beforeID != "" && m.ID >= beforeID {
					continue
				}
				if filter.Matches(m) {
					out = append(out, m)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	// ULID упорядочен по времени создания.
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

var _ domain.MovementRepository = movementRepo{}
