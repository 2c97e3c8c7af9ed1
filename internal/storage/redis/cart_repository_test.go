package redis

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

func openCartRepositoryForIntegrationTest(t *testing.T, ttl time.Duration) *CartRepository {
	t.Helper()

	addr := strings.TrimSpace(os.Getenv("RETAIL_REDIS_TEST_ADDR"))
	if addr == "" {
		t.Skip("RETAIL_REDIS_TEST_ADDR is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	client, err := Open(ctx, addr, os.Getenv("RETAIL_REDIS_TEST_PASSWORD"), 0)
	if err != nil {
		t.Skipf("redis is not available: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return NewCartRepository(client, ttl)
}

func TestCartRepository_RedisVersioning(t *testing.T) {
	repo := openCartRepositoryForIntegrationTest(t, time.Hour)
	ctx := context.Background()

	owner := domain.UserCart("u-" + uuid.NewString())
	t.Cleanup(func() { _ = repo.Delete(context.Background(), owner) })

	_, err := repo.Get(ctx, owner)
	require.ErrorIs(t, err, domain.ErrCartNotFound)

	cart := domain.Cart{Owner: owner, Currency: "USD", Items: []domain.CartItem{{ProductID: "p-1", Size: "M", Qty: 2, UnitPriceMinor: 1000, Name: "Tee"}}}
	cart.Recalculate()

	saved, err := repo.Save(ctx, cart)
	require.NoError(t, err)
	require.Equal(t, int64(1), saved.Version)

	_, err = repo.Save(ctx, cart)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	saved.Items[0].Qty = 3
	saved.Recalculate()
	updated, err := repo.Save(ctx, saved)
	require.NoError(t, err)
	require.Equal(t, int64(2), updated.Version)

	_, err = repo.Save(ctx, saved)
	require.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := repo.Get(ctx, owner)
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Items[0].Qty)
	require.Equal(t, int64(3000), got.SubtotalMinor)

	ttl, err := repo.client.TTL(ctx, keyPrefix+owner.Key()).Result()
	require.NoError(t, err)
	require.Less(t, ttl, time.Duration(0), "user carts must not expire")
}

func TestCartRepository_RedisSessionTTL(t *testing.T) {
	repo := openCartRepositoryForIntegrationTest(t, 30*time.Minute)
	ctx := context.Background()

	owner := domain.SessionCart("s-" + uuid.NewString())
	t.Cleanup(func() { _ = repo.Delete(context.Background(), owner) })

	_, err := repo.Save(ctx, domain.Cart{Owner: owner, Currency: "USD"})
	require.NoError(t, err)

	ttl, err := repo.client.TTL(ctx, keyPrefix+owner.Key()).Result()
	require.NoError(t, err)
	require.Greater(t, ttl, 29*time.Minute)

	require.NoError(t, repo.Delete(ctx, owner))
	_, err = repo.Get(ctx, owner)
	require.ErrorIs(t, err, domain.ErrCartNotFound)
}

func TestCartCodecRoundTripKeepsOwner(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	cart := domain.Cart{
		Owner:     domain.SessionCart("s-1"),
		Currency:  "USD",
		Items:     []domain.CartItem{{ProductID: "p-1", Qty: 1, UnitPriceMinor: 500, Name: "Mug"}},
		Version:   4,
		CreatedAt: now,
		UpdatedAt: now,
	}
	cart.Recalculate()

	raw, err := encodeCart(cart)
	require.NoError(t, err)
	decoded, err := decodeCart(raw)
	require.NoError(t, err)
	require.Equal(t, cart, decoded)
}
