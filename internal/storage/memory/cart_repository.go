package memory

import (
	"context"
	"sync"
	"time"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

type cartEntry struct {
	cart      domain.Cart
	expiresAt time.Time
}

// cartRepositoryInMemory хранит корзины в памяти.
// Сессионные корзины истекают через sessionTTL после последнего изменения.
type cartRepositoryInMemory struct {
	mu         sync.Mutex
	sessionTTL time.Duration
	now        func() time.Time
	items      map[string]cartEntry
}

// NewCartRepository создаёт in-memory реализацию CartRepository.
func NewCartRepository(sessionTTL time.Duration) domain.CartRepository {
	return &cartRepositoryInMemory{
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
		items:      make(map[string]cartEntry),
	}
}

func (r *cartRepositoryInMemory) Get(_ context.Context, owner domain.CartOwner) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.lookup(owner.Key())
	if !ok {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	return entry.cart.Clone(), nil
}

// Save создаёт корзину (Version==0) или обновляет её при совпадении версии.
func (r *cartRepositoryInMemory) Save(_ context.Context, cart domain.Cart) (domain.Cart, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := cart.Owner.Key()
	current, exists := r.lookup(key)
	switch {
	case cart.Version == 0 && exists:
		return domain.Cart{}, domain.ErrVersionConflict
	case cart.Version != 0 && (!exists || current.cart.Version != cart.Version):
		return domain.Cart{}, domain.ErrVersionConflict
	}

	now := r.now()
	if cart.CreatedAt.IsZero() {
		cart.CreatedAt = now
	}
	cart.UpdatedAt = now
	cart.Version++

	entry := cartEntry{cart: cart.Clone()}
	if !cart.Owner.IsUser() && r.sessionTTL > 0 {
		entry.expiresAt = now.Add(r.sessionTTL)
	}
	r.items[key] = entry
	return cart.Clone(), nil
}

func (r *cartRepositoryInMemory) Delete(_ context.Context, owner domain.CartOwner) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.items, owner.Key())
	return nil
}

func (r *cartRepositoryInMemory) lookup(key string) (cartEntry, bool) {
	entry, ok := r.items[key]
	if !ok {
		return cartEntry{}, false
	}
	if !entry.expiresAt.IsZero() && !entry.expiresAt.After(r.now()) {
		delete(r.items, key)
		return cartEntry{}, false
	}
	return entry, true
}

var _ domain.CartRepository = (*cartRepositoryInMemory)(nil)
