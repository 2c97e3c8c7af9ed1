// Package redis хранит корзины в Redis.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

const (
	keyPrefix      = "retail:cart:"
	maxWatchTries  = 3
	defaultTimeout = 2 * time.Second
)

// Open подключается к Redis и проверяет доступность.
func Open(ctx context.Context, addr, password string, db int) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return client, nil
}

type storedCart struct {
	UserID        string     `json:"user_id,omitempty"`
	SessionID     string     `json:"session_id,omitempty"`
	Items         []cartItem `json:"items"`
	Currency      string     `json:"currency"`
	SubtotalMinor int64      `json:"subtotal_minor"`
	TotalMinor    int64      `json:"total_minor"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

type cartItem struct {
	ProductID      string `json:"product_id"`
	Size           string `json:"size,omitempty"`
	Qty            int64  `json:"qty"`
	UnitPriceMinor int64  `json:"unit_price_minor"`
	Name           string `json:"name"`
}

// CartRepository - реализация domain.CartRepository поверх Redis.
// Версия проверяется через WATCH/MULTI; сессионные корзины живут sessionTTL.
type CartRepository struct {
	client     goredis.UniversalClient
	sessionTTL time.Duration
	now        func() time.Time
}

// NewCartRepository создаёт репозиторий корзин.
func NewCartRepository(client goredis.UniversalClient, sessionTTL time.Duration) *CartRepository {
	return &CartRepository{
		client:     client,
		sessionTTL: sessionTTL,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ping проверяет доступность Redis.
func (r *CartRepository) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *CartRepository) Get(ctx context.Context, owner domain.CartOwner) (domain.Cart, error) {
	raw, err := r.client.Get(ctx, keyPrefix+owner.Key()).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.Cart{}, domain.ErrCartNotFound
	}
	if err != nil {
		return domain.Cart{}, fmt.Errorf("get cart: %w", err)
	}
	return decodeCart(raw)
}

// Save создаёт (Version==0) или обновляет корзину с проверкой версии.
func (r *CartRepository) Save(ctx context.Context, cart domain.Cart) (domain.Cart, error) {
	key := keyPrefix + cart.Owner.Key()

	var saved domain.Cart
	txf := func(tx *goredis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		exists := true
		if errors.Is(err, goredis.Nil) {
			exists = false
		} else if err != nil {
			return fmt.Errorf("load cart: %w", err)
		}

		switch {
		case cart.Version == 0 && exists:
			return domain.ErrVersionConflict
		case cart.Version != 0 && !exists:
			return domain.ErrVersionConflict
		case exists:
			current, err := decodeCart(raw)
			if err != nil {
				return err
			}
			if current.Version != cart.Version {
				return domain.ErrVersionConflict
			}
		}

		next := cart.Clone()
		now := r.now()
		if next.CreatedAt.IsZero() {
			next.CreatedAt = now
		}
		next.UpdatedAt = now
		next.Version++

		body, err := encodeCart(next)
		if err != nil {
			return err
		}
		var ttl time.Duration
		if !next.Owner.IsUser() {
			ttl = r.sessionTTL
		}

		_, err = tx.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
			pipe.Set(ctx, key, body, ttl)
			return nil
		})
		if err != nil {
			return err
		}
		saved = next
		return nil
	}

	for i := 0; i < maxWatchTries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, goredis.TxFailedErr) {
			// ключ изменился между WATCH и EXEC
			continue
		}
		if err != nil {
			return domain.Cart{}, err
		}
		return saved, nil
	}
	return domain.Cart{}, domain.ErrVersionConflict
}

func (r *CartRepository) Delete(ctx context.Context, owner domain.CartOwner) error {
	if err := r.client.Del(ctx, keyPrefix+owner.Key()).Err(); err != nil {
		return fmt.Errorf("delete cart: %w", err)
	}
	return nil
}

func encodeCart(c domain.Cart) ([]byte, error) {
	stored := storedCart{
		UserID:        c.Owner.UserID,
		SessionID:     c.Owner.SessionID,
		Items:         make([]cartItem, 0, len(c.Items)),
		Currency:      c.Currency,
		SubtotalMinor: c.SubtotalMinor,
		TotalMinor:    c.TotalMinor,
		Version:       c.Version,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
	for _, it := range c.Items {
		stored.Items = append(stored.Items, cartItem(it))
	}
	body, err := json.Marshal(stored)
	if err != nil {
		return nil, fmt.Errorf("encode cart: %w", err)
	}
	return body, nil
}

func decodeCart(raw []byte) (domain.Cart, error) {
	var stored storedCart
	if err := json.Unmarshal(raw, &stored); err != nil {
		return domain.Cart{}, fmt.Errorf("decode cart: %w", err)
	}
	c := domain.Cart{
		Owner:         domain.CartOwner{UserID: stored.UserID, SessionID: stored.SessionID},
		Currency:      stored.Currency,
		SubtotalMinor: stored.SubtotalMinor,
		TotalMinor:    stored.TotalMinor,
		Version:       stored.Version,
		CreatedAt:     stored.CreatedAt,
		UpdatedAt:     stored.UpdatedAt,
	}
	for _, it := range stored.Items {
		c.Items = append(c.Items, domain.CartItem(it))
	}
	return c, nil
}

var _ domain.CartRepository = (*CartRepository)(nil)
