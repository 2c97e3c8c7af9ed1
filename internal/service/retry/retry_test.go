package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vladislavdragonenkov/retailcore/internal/domain"
)

func fastConfig() Config {
	return Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond, BackoffFactor: 2}
}

func TestOnConflict_RetriesUntilSuccess(t *testing.T) {
	calls, retries := 0, 0
	err := OnConflict(context.Background(), fastConfig(), nil, "test", func(int) { retries++ }, func(context.Context) error {
		calls++
		if calls < 3 {
			return domain.ErrVersionConflict
		}
		return nil
	})

	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 2, retries)
}

func TestOnConflict_GivesUp(t *testing.T) {
	calls := 0
	err := OnConflict(context.Background(), fastConfig(), nil, "test", nil, func(context.Context) error {
		calls++
		return domain.ErrVersionConflict
	})

	require.True(t, domain.IsVersionConflict(err))
	require.Equal(t, 3, calls)
}

func TestOnConflict_DoesNotRetryOtherErrors(t *testing.T) {
	boom := errors.New("boom")
	calls := 0
	err := OnConflict(context.Background(), fastConfig(), nil, "test", nil, func(context.Context) error {
		calls++
		return boom
	})

	require.ErrorIs(t, err, boom)
	require.Equal(t, 1, calls)
}

func TestOnConflict_StopsOnContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := Config{MaxAttempts: 5, InitialDelay: time.Hour, MaxDelay: time.Hour, BackoffFactor: 2}

	err := OnConflict(ctx, cfg, nil, "test", func(int) { cancel() }, func(context.Context) error {
		return domain.ErrVersionConflict
	})
	require.ErrorIs(t, err, context.Canceled)
}
