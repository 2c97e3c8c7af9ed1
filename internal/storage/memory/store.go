package memory

import (
	"context"
	"sync"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

// Store - in-memory реализация единицы работы и репозиториев основного контура.
// Do выполняется под эксклюзивной блокировкой; записи копятся в overlay
// и переносятся в базовое состояние только при успешном завершении fn.
//
// Блокировка одна на всё хранилище: единицы работы по разным заказам,
// товарам и платежам выполняются строго по очереди, а чтения вне Do ждут
// завершения текущей записи. Store предназначен для разработки и тестов;
// под нагрузкой работает postgres.Store, где конфликты ловит проверка версии.
type Store struct {
	mu        sync.RWMutex
	products  map[string]domain.Product
	movements []domain.InventoryMovement
	orders    map[string]domain.Order
	payments  map[string]domain.Payment
	outbox    *outboxRepositoryInMemory
}

// NewStore создаёт пустое хранилище для разработки и тестов.
func NewStore() *Store {
	return &Store{
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
		outbox:   NewOutboxRepository(),
	}
}

// Do выполняет fn атомарно.
func (s *Store) Do(ctx context.Context, fn func(ctx context.Context, tx domain.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	u := newUnit(s)
	if err := fn(ctx, u); err != nil {
		return err
	}
	u.commit()
	return nil
}

func (s *Store) Products() domain.ProductRepository   { return productRepo{s: s} }
func (s *Store) Movements() domain.MovementRepository { return movementRepo{s: s} }
func (s *Store) Orders() domain.OrderRepository       { return orderRepo{s: s} }
func (s *Store) Payments() domain.PaymentRepository   { return paymentRepo{s: s} }
func (s *Store) Outbox() domain.OutboxRepository      { return s.outbox }

// OutboxRepository возвращает конкретную реализацию outbox (нужна тестам).
func (s *Store) OutboxRepository() *outboxRepositoryInMemory { return s.outbox }

// with выполняет fn в рамках текущей единицы работы либо открывает свою.
func (s *Store) with(u *unit, write bool, fn func(u *unit) error) error {
	if u != nil {
		return fn(u)
	}
	if write {
		return s.Do(context.Background(), func(_ context.Context, tx domain.Tx) error {
			return fn(tx.(*unit))
		})
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(newUnit(s))
}

// unit - overlay одной единицы работы.
type unit struct {
	s         *Store
	products  map[string]domain.Product
	movements []domain.InventoryMovement
	orders    map[string]domain.Order
	payments  map[string]domain.Payment
	outbox    []domain.OutboxMessage
}

func newUnit(s *Store) *unit {
	return &unit{
		s:        s,
		products: make(map[string]domain.Product),
		orders:   make(map[string]domain.Order),
		payments: make(map[string]domain.Payment),
	}
}

func (u *unit) Products() domain.ProductRepository   { return productRepo{s: u.s, u: u} }
func (u *unit) Movements() domain.MovementRepository { return movementRepo{s: u.s, u: u} }
func (u *unit) Orders() domain.OrderRepository       { return orderRepo{s: u.s, u: u} }
func (u *unit) Payments() domain.PaymentRepository   { return paymentRepo{s: u.s, u: u} }
func (u *unit) Outbox() domain.OutboxRepository      { return txOutbox{u: u} }

func (u *unit) product(id string) (domain.Product, bool) {
	if p, ok := u.products[id]; ok {
		return p.Clone(), true
	}
	p, ok := u.s.products[id]
	return p.Clone(), ok
}

func (u *unit) order(id string) (domain.Order, bool) {
	if o, ok := u.orders[id]; ok {
		return o.Clone(), true
	}
	o, ok := u.s.orders[id]
	return o.Clone(), ok
}

func (u *unit) payment(id string) (domain.Payment, bool) {
	if p, ok := u.payments[id]; ok {
		return p.Clone(), true
	}
	p, ok := u.s.payments[id]
	return p.Clone(), ok
}

// eachPayment обходит платежи с учётом overlay.
func (u *unit) eachPayment(fn func(p domain.Payment) bool) {
	for _, p := range u.payments {
		if !fn(p.Clone()) {
			return
		}
	}
	for id, p := range u.s.payments {
		if _, shadowed := u.payments[id]; shadowed {
			continue
		}
		if !fn(p.Clone()) {
			return
		}
	}
}

func (u *unit) commit() {
	for id, p := range u.products {
		u.s.products[id] = p
	}
	u.s.movements = append(u.s.movements, u.movements...)
	for id, o := range u.orders {
		u.s.orders[id] = o
	}
	for id, p := range u.payments {
		u.s.payments[id] = p
	}
	for _, msg := range u.outbox {
		_, _ = u.s.outbox.Enqueue(context.Background(), msg)
	}
}

var (
	_ domain.Store = (*Store)(nil)
	_ domain.Tx    = (*unit)(nil)
)
