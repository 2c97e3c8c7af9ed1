package domain

import "context"

// ProductRepository хранит товары. Обновления выполняются через CAS по Version.
type ProductRepository interface {
	Create(ctx context.Context, product Product) error
	Get(ctx context.Context, id string) (Product, error)
	List(ctx context.Context, filter ProductFilter) ([]Product, error)
	// UpdateStock записывает только поля остатков.
	UpdateStock(ctx context.Context, product Product) error
	// UpdateCatalog записывает только поля каталога, остатки не трогает.
	UpdateCatalog(ctx context.Context, product Product) error
}

// MovementRepository - журнал складских движений (только добавление).
type MovementRepository interface {
	Append(ctx context.Context, movement InventoryMovement) error
	// List возвращает записи по убыванию времени, строго старше beforeID (если задан).
	List(ctx context.Context, filter MovementFilter, beforeID string, limit int) ([]InventoryMovement, error)
}

// OrderRepository хранит заказы.
type OrderRepository interface {
	Create(ctx context.Context, order Order) error
	Get(ctx context.Context, id string) (Order, error)
	List(ctx context.Context, filter OrderFilter) ([]Order, error)
	// Save перезаписывает изменяемые поля, проверяя Version.
	Save(ctx context.Context, order Order) error
}

// PaymentRepository хранит платежи. IdempotencyKey уникален.
type PaymentRepository interface {
	Create(ctx context.Context, payment Payment) error
	Get(ctx context.Context, id string) (Payment, error)
	GetByIdempotencyKey(ctx context.Context, key string) (Payment, error)
	GetByProviderPaymentID(ctx context.Context, providerID string) (Payment, error)
	GetByCheckoutSessionID(ctx context.Context, sessionID string) (Payment, error)
	ListByOrder(ctx context.Context, orderID string) ([]Payment, error)
	Save(ctx context.Context, payment Payment) error
}

// CartRepository хранит корзины вне единицы работы.
type CartRepository interface {
	// Get возвращает ErrCartNotFound, если корзины нет.
	Get(ctx context.Context, owner CartOwner) (Cart, error)
	// Save создаёт (Version==0) или обновляет корзину с проверкой версии.
	Save(ctx context.Context, cart Cart) (Cart, error)
	Delete(ctx context.Context, owner CartOwner) error
}

// Tx - репозитории, привязанные к одной единице работы.
type Tx interface {
	Products() ProductRepository
	Movements() MovementRepository
	Orders() OrderRepository
	Payments() PaymentRepository
	Outbox() OutboxRepository
}

// UnitOfWork выполняет fn атомарно: фиксируются все записи либо ни одной.
type UnitOfWork interface {
	Do(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
}

// Store - полный набор хранилищ основного контура.
// Методы вне Do читают последнее зафиксированное состояние.
type Store interface {
	UnitOfWork
	Tx
}
