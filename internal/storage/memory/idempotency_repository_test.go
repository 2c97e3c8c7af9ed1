package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
	"github.com/vladislavdragonenkov/retailcore/internal/storage/memory"
)

func claim(scope, key, hash string, expiresAt time.Time) domain.IdempotencyClaim {
	return domain.IdempotencyClaim{
		Scope:       scope,
		Key:         key,
		Route:       "POST /api/v1/orders",
		RequestHash: hash,
		ExpiresAt:   expiresAt,
	}
}

func TestIdempotencyRepository_ClaimAndGet(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(2 * time.Hour).Round(time.Second)

	created, err := repo.Claim(ctx, claim("u-1", "checkout-1", "hash-1", expiresAt))
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusProcessing, created.Status)

	got, err := repo.Get(ctx, "u-1", "checkout-1")
	require.NoError(t, err)
	assert.Equal(t, "hash-1", got.RequestHash)
	assert.Equal(t, "POST /api/v1/orders", got.Route)
	assert.True(t, got.ExpiresAt.Equal(expiresAt))

	_, err = repo.Get(ctx, "u-2", "checkout-1")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound)
}

func TestIdempotencyRepository_ScopesAreIsolated(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, err := repo.Claim(ctx, claim("u-1", "same-key", "hash-a", expiresAt))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, claim("u-2", "same-key", "hash-b", expiresAt))
	require.NoError(t, err, "the same key of another owner is independent")
}

func TestIdempotencyRepository_ConflictAndHashMismatch(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	expiresAt := time.Now().UTC().Add(time.Hour)

	_, err := repo.Claim(ctx, claim("u-1", "k", "hash-a", expiresAt))
	require.NoError(t, err)

	existing, err := repo.Claim(ctx, claim("u-1", "k", "hash-a", expiresAt))
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyAlreadyExists)
	assert.Equal(t, "hash-a", existing.RequestHash)

	_, err = repo.Claim(ctx, claim("u-1", "k", "hash-b", expiresAt))
	require.ErrorIs(t, err, domain.ErrIdempotencyHashMismatch)
}

func TestIdempotencyRepository_ExpiredKeyIsReusable(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Claim(ctx, claim("u-1", "old", "hash-a", time.Now().UTC().Add(-time.Second)))
	require.NoError(t, err)

	record, err := repo.Claim(ctx, claim("u-1", "old", "hash-b", time.Now().UTC().Add(time.Hour)))
	require.NoError(t, err, "expired key must be replaced")
	assert.Equal(t, "hash-b", record.RequestHash)
}

func TestIdempotencyRepository_FinishAndDeleteExpired(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()
	now := time.Now().UTC()

	_, err := repo.Claim(ctx, claim("u-1", "oldest", "h", now.Add(-2*time.Minute)))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, claim("u-1", "older", "h", now.Add(-time.Minute)))
	require.NoError(t, err)
	_, err = repo.Claim(ctx, claim("u-1", "active", "h", now.Add(time.Hour)))
	require.NoError(t, err)

	require.NoError(t, repo.Finish(ctx, "u-1", "active", 201, []byte(`{"ok":true}`)))
	active, err := repo.Get(ctx, "u-1", "active")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusDone, active.Status)
	assert.Equal(t, 201, active.HTTPStatus)
	assert.JSONEq(t, `{"ok":true}`, string(active.ResponseBody))

	require.ErrorIs(t, repo.Finish(ctx, "u-1", "missing", 200, nil), domain.ErrIdempotencyKeyNotFound)

	removed, err := repo.DeleteExpired(ctx, now, 1)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = repo.Get(ctx, "u-1", "oldest")
	require.ErrorIs(t, err, domain.ErrIdempotencyKeyNotFound, "oldest record goes first")

	removed, err = repo.DeleteExpired(ctx, now, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = repo.Get(ctx, "u-1", "active")
	require.NoError(t, err)
}

func TestIdempotencyRepository_FailedResponseIsKept(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewIdempotencyRepository()

	_, err := repo.Claim(ctx, claim("", "guest", "h", time.Time{}))
	require.NoError(t, err)
	require.NoError(t, repo.Finish(ctx, "", "guest", 502, []byte(`{"success":false}`)))

	record, err := repo.Get(ctx, "", "guest")
	require.NoError(t, err)
	assert.Equal(t, domain.IdempotencyStatusFailed, record.Status)
	assert.True(t, record.Finished())
	assert.False(t, record.ExpiresAt.IsZero(), "missing deadline defaults to a day")
}
