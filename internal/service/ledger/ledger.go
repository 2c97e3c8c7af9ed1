// Package ledger ведёт журнал складских движений: единственный источник истины
// для изменений остатков.
package ledger

import (
	"context"
	"encoding/base64"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	DefaultPageSize = 50
	MaxPageSize     = 200

	cursorPrefix = "mv1:"
)

// Record проверяет движение, присваивает ему идентификатор и время и добавляет в журнал.
// Вызывается складским движком внутри единицы работы.
func Record(ctx context.Context, movements domain.MovementRepository, m domain.InventoryMovement) (domain.InventoryMovement, error) {
	m.ProductID = strings.TrimSpace(m.ProductID)
	m.OrderID = strings.TrimSpace(m.OrderID)
	if err := m.Validate(); err != nil {
		return domain.InventoryMovement{}, err
	}

	m.ID = ulid.Make().String()
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	if err := movements.Append(ctx, m); err != nil {
		return domain.InventoryMovement{}, err
	}
	return m, nil
}

// Service отдаёт журнал постранично.
type Service struct {
	movements domain.MovementRepository
	logger    *log.Entry
}

// NewService создаёт сервис чтения журнала.
func NewService(movements domain.MovementRepository, logger *log.Entry) *Service {
	if logger == nil {
		logger = log.New().WithField("component", "ledger")
	}
	return &Service{movements: movements, logger: logger}
}

// List возвращает записи по убыванию времени создания.
// Курсор непрозрачен для клиента и указывает на последнюю выданную запись.
func (s *Service) List(ctx context.Context, filter domain.MovementFilter, cursor string, limit int) (domain.MovementPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if filter.Kind != "" && !filter.Kind.Valid() {
		return domain.MovementPage{}, domain.Validation(domain.ErrInvalidMovement.Code, "unknown movement kind %q", filter.Kind)
	}

	beforeID, err := DecodeCursor(cursor)
	if err != nil {
		return domain.MovementPage{}, err
	}

	items, err := s.movements.List(ctx, filter, beforeID, limit+1)
	if err != nil {
		s.logger.WithError(err).Error("list inventory movements failed")
		return domain.MovementPage{}, err
	}

	page := domain.MovementPage{Items: items}
	if len(items) > limit {
		page.Items = items[:limit]
		page.NextCursor = EncodeCursor(page.Items[limit-1].ID)
	}
	if page.Items == nil {
		page.Items = []domain.InventoryMovement{}
	}
	return page, nil
}

// EncodeCursor упаковывает идентификатор записи в курсор.
func EncodeCursor(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(cursorPrefix + id))
}

// DecodeCursor возвращает идентификатор записи из курсора; пустой курсор - первая страница.
func DecodeCursor(cursor string) (string, error) {
	cursor = strings.TrimSpace(cursor)
	if cursor == "" {
		return "", nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return "", domain.ErrInvalidCursor
	}
	id, ok := strings.CutPrefix(string(raw), cursorPrefix)
	if !ok {
		return "", domain.ErrInvalidCursor
	}
	if _, err := ulid.ParseStrict(id); err != nil {
		return "", domain.ErrInvalidCursor
	}
	return id, nil
}
