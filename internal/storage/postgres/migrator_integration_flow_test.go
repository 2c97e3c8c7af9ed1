package postgres

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMigrations_UpDownRoundTrip_Postgres(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	all, err := embeddedMigrations()
	require.NoError(t, err)
	latest := all[len(all)-1].Version

	require.NoError(t, store.MigrateDown(ctx, len(all)+1))
	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Zero(t, state.Version)
	require.Len(t, state.Pending, len(all))

	require.NoError(t, store.MigrateUp(ctx, 1))
	state, err = store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), state.Version)

	require.NoError(t, store.MigrateUp(ctx, 0))
	require.NoError(t, store.MigrateUp(ctx, 0), "up is a no-op once everything is applied")
	state, err = store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, latest, state.Version)
	require.Equal(t, len(all), state.Applied)
	require.Empty(t, state.Pending)
	require.Empty(t, state.Drifted)

	require.NoError(t, store.MigrateDown(ctx, 0))
	state, err = store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, len(all)-1, state.Applied)

	require.NoError(t, store.MigrateUp(ctx, 0))
}

func TestMigrations_RefuseDriftedSchema_Postgres(t *testing.T) {
	store := openPostgresStoreForIntegrationTest(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_, err := store.DB().ExecContext(ctx, `UPDATE schema_migrations SET checksum = 'edited' WHERE version = 1`)
	require.NoError(t, err)
	t.Cleanup(func() {
		all, _ := embeddedMigrations()
		_, _ = store.DB().ExecContext(context.Background(), `UPDATE schema_migrations SET checksum = $1 WHERE version = 1`, all[0].Checksum)
	})

	state, err := store.MigrationStatus(ctx)
	require.NoError(t, err)
	require.Len(t, state.Drifted, 1)
	require.True(t, strings.HasPrefix(state.Drifted[0], "0001_"))
	require.ErrorIs(t, store.MigrateUp(ctx, 0), ErrMigrationDrift)
}

func TestMigrations_NilStore(t *testing.T) {
	var store *Store
	ctx := context.Background()

	require.Error(t, store.MigrateUp(ctx, 0))
	require.Error(t, store.MigrateDown(ctx, 1))
	_, err := store.MigrationStatus(ctx)
	require.Error(t, err)
}
