package domain

import (
	"strings"
	"time"
)

// IdempotencyStatus - стадия обработки запроса с Idempotency-Key.
type IdempotencyStatus string

const (
	IdempotencyStatusProcessing IdempotencyStatus = "processing"
	IdempotencyStatusDone       IdempotencyStatus = "done"
	// IdempotencyStatusFailed - ответ 5xx; он тоже сохраняется и воспроизводится.
	IdempotencyStatusFailed IdempotencyStatus = "failed"
)

// Valid проверяет, что статус поддерживается.
func (s IdempotencyStatus) Valid() bool {
	switch s {
	case IdempotencyStatusProcessing, IdempotencyStatusDone, IdempotencyStatusFailed:
		return true
	default:
		return false
	}
}

// IdempotencyClaim - попытка закрепить ключ за запросом.
// Ключи разных владельцев (Scope) не пересекаются.
type IdempotencyClaim struct {
	Scope       string
	Key         string
	Route       string
	RequestHash string
	ExpiresAt   time.Time
}

// Normalize обрезает пробелы и проверяет обязательные поля.
func (c IdempotencyClaim) Normalize() (IdempotencyClaim, error) {
	c.Scope = strings.TrimSpace(c.Scope)
	c.Key = strings.TrimSpace(c.Key)
	c.Route = strings.TrimSpace(c.Route)
	c.RequestHash = strings.TrimSpace(c.RequestHash)
	if c.Key == "" {
		return c, ErrIdempotencyKeyRequired
	}
	if c.RequestHash == "" {
		return c, ErrIdempotencyRequestHashRequired
	}
	return c, nil
}

// IdempotencyRecord - сохранённый ответ на запрос с Idempotency-Key.
type IdempotencyRecord struct {
	Scope        string
	Key          string
	Route        string
	RequestHash  string
	Status       IdempotencyStatus
	HTTPStatus   int
	ResponseBody []byte
	ExpiresAt    time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// NewIdempotencyRecord открывает запись в статусе processing.
func NewIdempotencyRecord(c IdempotencyClaim, now time.Time) IdempotencyRecord {
	return IdempotencyRecord{
		Scope:       c.Scope,
		Key:         c.Key,
		Route:       c.Route,
		RequestHash: c.RequestHash,
		Status:      IdempotencyStatusProcessing,
		ExpiresAt:   c.ExpiresAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// Finished сообщает, что ответ сохранён и может быть воспроизведён.
func (r IdempotencyRecord) Finished() bool {
	return r.Status == IdempotencyStatusDone || r.Status == IdempotencyStatusFailed
}

// Expired сообщает, что запись пережила свой срок и ключ можно занять заново.
func (r IdempotencyRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && !r.ExpiresAt.After(now)
}

// Conflict объясняет, почему живую запись нельзя занять повторно.
func (r IdempotencyRecord) Conflict(requestHash string) error {
	if r.RequestHash != requestHash {
		return ErrIdempotencyHashMismatch
	}
	return ErrIdempotencyKeyAlreadyExists
}

// FinishStatus выбирает итоговый статус по HTTP-коду ответа.
func FinishStatus(httpStatus int) IdempotencyStatus {
	if httpStatus >= 500 {
		return IdempotencyStatusFailed
	}
	return IdempotencyStatusDone
}
