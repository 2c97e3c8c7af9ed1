package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	defaultConnTimeout     = 5 * time.Second
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 25
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 5 * time.Minute

	opTimeout = 5 * time.Second
)

// querier - общее подмножество *sql.DB и *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store оборачивает SQL-подключение к PostgreSQL и реализует domain.Store.
type Store struct {
	db *sql.DB
}

// Open открывает подключение к PostgreSQL и проверяет доступность базы.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres connection: %w", err)
	}
	db.SetMaxOpenConns(defaultMaxOpenConns)
	db.SetMaxIdleConns(defaultMaxIdleConns)
	db.SetConnMaxLifetime(defaultConnMaxLifetime)
	db.SetConnMaxIdleTime(defaultConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	return &Store{db: db}, nil
}

// DB возвращает raw SQL DB, когда нужен низкоуровневый доступ.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Ping проверяет доступность подключения.
func (s *Store) Ping(ctx context.Context) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("postgres store is not initialized")
	}

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnTimeout)
	defer cancel()
	return s.db.PingContext(pingCtx)
}

// Close закрывает подключение к БД.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Do выполняет fn в одной SQL-транзакции. Ошибка fn или commit откатывает все записи.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) (err error) {
	sqlTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = sqlTx.Rollback()
			panic(p)
		}
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, txView{q: sqlTx}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *Store) Products() domain.ProductRepository   { return productRepository{q: s.db} }
func (s *Store) Movements() domain.MovementRepository { return movementRepository{q: s.db} }
func (s *Store) Orders() domain.OrderRepository       { return orderRepository{q: s.db} }
func (s *Store) Payments() domain.PaymentRepository   { return paymentRepository{q: s.db} }
func (s *Store) Outbox() domain.OutboxRepository      { return outboxRepository{q: s.db} }

// Timeline возвращает хранилище событий заказов.
func (s *Store) Timeline() domain.TimelineRepository { return timelineRepository{q: s.db} }

// Idempotency возвращает хранилище Idempotency-Key.
func (s *Store) Idempotency() domain.IdempotencyRepository { return idempotencyRepository{q: s.db} }

// txView - репозитории, привязанные к открытой транзакции.
type txView struct {
	q *sql.Tx
}

func (t txView) Products() domain.ProductRepository   { return productRepository{q: t.q} }
func (t txView) Movements() domain.MovementRepository { return movementRepository{q: t.q} }
func (t txView) Orders() domain.OrderRepository       { return orderRepository{q: t.q} }
func (t txView) Payments() domain.PaymentRepository   { return paymentRepository{q: t.q} }
func (t txView) Outbox() domain.OutboxRepository      { return outboxRepository{q: t.q} }

// withTimeout ограничивает запрос вне транзакции. Внутри Do действует дедлайн вызывающего.
func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, opTimeout)
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = txView{}
)

// RequeueOutbox возвращает сообщения со статусом failed в очередь публикации.
func (s *Store) RequeueOutbox(ctx context.Context, ids ...string) (int, error) {
	return outboxRepository{q: s.db}.Requeue(ctx, ids...)
}
