package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const defaultKeyTTL = 24 * time.Hour

// Decision - результат захвата ключа.
type Decision struct {
	// Replay означает, что ответ уже сохранён и его нужно вернуть без повторной обработки.
	Replay bool
	Record domain.IdempotencyRecord
}

// Guard закрепляет Idempotency-Key за первым запросом и воспроизводит его ответ.
type Guard struct {
	repo   domain.IdempotencyRepository
	ttl    time.Duration
	logger *log.Entry
	now    func() time.Time
}

// NewGuard создаёт Guard. ttl <= 0 означает сутки.
func NewGuard(repo domain.IdempotencyRepository, ttl time.Duration, logger *log.Entry) *Guard {
	if ttl <= 0 {
		ttl = defaultKeyTTL
	}
	if logger == nil {
		logger = log.WithField("component", "idempotency-guard")
	}
	return &Guard{
		repo:   repo,
		ttl:    ttl,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Request - запрос, закрепляемый за ключом. Scope отделяет ключи разных пользователей.
type Request struct {
	Scope  string
	Key    string
	Method string
	Path   string
	Body   []byte
}

// Route - метод и путь запроса, сохраняются в записи для диагностики.
func (r Request) Route() string {
	return strings.ToUpper(r.Method) + " " + r.Path
}

// HashRequest считает отпечаток запроса. Ключ, повторённый с другим отпечатком, отклоняется.
func HashRequest(method, path string, body []byte) string {
	h := sha256.New()
	h.Write([]byte(strings.ToUpper(method)))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil))
}

// Begin пытается занять ключ.
//
// Новый ключ: Decision{} и nil. Завершённый запрос с тем же отпечатком: Replay.
// Запрос ещё в работе: ErrIdempotencyKeyAlreadyExists. Другой отпечаток: ErrIdempotencyHashMismatch.
func (g *Guard) Begin(ctx context.Context, req Request) (Decision, error) {
	record, err := g.repo.Claim(ctx, domain.IdempotencyClaim{
		Scope:       req.Scope,
		Key:         req.Key,
		Route:       req.Route(),
		RequestHash: HashRequest(req.Method, req.Path, req.Body),
		ExpiresAt:   g.now().Add(g.ttl),
	})
	switch {
	case err == nil:
		return Decision{Record: record}, nil
	case errors.Is(err, domain.ErrIdempotencyKeyAlreadyExists) && record.Finished():
		return Decision{Replay: true, Record: record}, nil
	default:
		return Decision{}, err
	}
}

// Complete сохраняет ответ. Ответы 5xx помечаются как failed, но тоже воспроизводятся до истечения срока.
func (g *Guard) Complete(ctx context.Context, req Request, httpStatus int, body []byte) error {
	err := g.repo.Finish(ctx, req.Scope, req.Key, httpStatus, body)
	if err != nil {
		g.logger.WithError(err).WithFields(log.Fields{
			"scope": req.Scope,
			"key":   req.Key,
			"route": req.Route(),
		}).Warn("failed to store idempotent response")
	}
	return err
}
