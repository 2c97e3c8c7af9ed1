package memory

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const defaultIdempotencyWindow = 24 * time.Hour

type idempotencyKey struct {
	scope string
	key   string
}

// idempotencyRepository хранит сохранённые ответы в памяти процесса.
type idempotencyRepository struct {
	mu      sync.Mutex
	records map[idempotencyKey]domain.IdempotencyRecord
	now     func() time.Time
}

// NewIdempotencyRepository создаёт in-memory реализацию IdempotencyRepository.
func NewIdempotencyRepository() domain.IdempotencyRepository {
	return &idempotencyRepository{
		records: make(map[idempotencyKey]domain.IdempotencyRecord),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

func (r *idempotencyRepository) Claim(_ context.Context, claim domain.IdempotencyClaim) (domain.IdempotencyRecord, error) {
	claim, err := claim.Normalize()
	if err != nil {
		return domain.IdempotencyRecord{}, err
	}

	now := r.now()
	if claim.ExpiresAt.IsZero() {
		claim.ExpiresAt = now.Add(defaultIdempotencyWindow)
	}
	id := idempotencyKey{scope: claim.Scope, key: claim.Key}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.records[id]; ok && !existing.Expired(now) {
		return cloneRecord(existing), existing.Conflict(claim.RequestHash)
	}

	record := domain.NewIdempotencyRecord(claim, now)
	r.records[id] = record
	return cloneRecord(record), nil
}

func (r *idempotencyRepository) Get(_ context.Context, scope, key string) (domain.IdempotencyRecord, error) {
	id := idempotencyKey{scope: strings.TrimSpace(scope), key: strings.TrimSpace(key)}
	if id.key == "" {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.IdempotencyRecord{}, domain.ErrIdempotencyKeyNotFound
	}
	return cloneRecord(record), nil
}

func (r *idempotencyRepository) Finish(_ context.Context, scope, key string, httpStatus int, responseBody []byte) error {
	id := idempotencyKey{scope: strings.TrimSpace(scope), key: strings.TrimSpace(key)}
	if id.key == "" {
		return domain.ErrIdempotencyKeyRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	record, ok := r.records[id]
	if !ok {
		return domain.ErrIdempotencyKeyNotFound
	}
	record.Status = domain.FinishStatus(httpStatus)
	record.HTTPStatus = httpStatus
	record.ResponseBody = slices.Clone(responseBody)
	record.UpdatedAt = r.now()
	r.records[id] = record
	return nil
}

// DeleteExpired удаляет записи со сроком <= before, начиная с самых старых; limit <= 0 снимает ограничение.
func (r *idempotencyRepository) DeleteExpired(_ context.Context, before time.Time, limit int) (int, error) {
	if before.IsZero() {
		before = r.now()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	expired := make([]idempotencyKey, 0)
	for id, record := range r.records {
		if record.Expired(before) {
			expired = append(expired, id)
		}
	}
	slices.SortFunc(expired, func(a, b idempotencyKey) int {
		return r.records[a].ExpiresAt.Compare(r.records[b].ExpiresAt)
	})
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	for _, id := range expired {
		delete(r.records, id)
	}
	return len(expired), nil
}

func cloneRecord(src domain.IdempotencyRecord) domain.IdempotencyRecord {
	dst := src
	dst.ResponseBody = slices.Clone(src.ResponseBody)
	return dst
}

var _ domain.IdempotencyRepository = (*idempotencyRepository)(nil)
