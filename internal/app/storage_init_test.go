package app

import (
	"context"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitRuntimeDependencies_Memory(t *testing.T) {
	t.Parallel()

	deps, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver:  StorageDriverMemory,
		CartSessionTTL: time.Hour,
	}, log.WithField("test", "memory-storage"))
	require.NoError(t, err)

	assert.NotNil(t, deps.store)
	assert.NotNil(t, deps.timelineRepo)
	assert.NotNil(t, deps.idempotencyRepo)
	assert.NotNil(t, deps.cartRepo)
	assert.Nil(t, deps.storageChecker)
	assert.Nil(t, deps.cartChecker, "without redis carts stay in memory")
	assert.NoError(t, deps.close())
}

func TestInitRuntimeDependencies_PostgresRequiresDSN(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: StorageDriverPostgres,
	}, log.WithField("test", "postgres-missing-dsn"))
	require.Error(t, err)
}

func TestInitRuntimeDependencies_UnsupportedDriver(t *testing.T) {
	t.Parallel()

	_, err := initRuntimeDependencies(context.Background(), Config{
		StorageDriver: "sqlite",
	}, log.WithField("test", "unsupported-driver"))
	require.ErrorContains(t, err, "unsupported storage driver")
}

func TestInitRuntimeDependencies_RedisUnavailable(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := initRuntimeDependencies(ctx, Config{
		StorageDriver: StorageDriverMemory,
		RedisAddr:     "127.0.0.1:1",
	}, log.WithField("test", "redis-unavailable"))
	require.Error(t, err)
}

func TestRuntimeDependencies_CloseChain(t *testing.T) {
	t.Parallel()

	var calls []string
	deps := &runtimeDependencies{closeFn: func() error {
		calls = append(calls, "store")
		return nil
	}}
	require.NoError(t, deps.close())
	assert.Equal(t, []string{"store"}, calls)

	var empty *runtimeDependencies
	assert.NoError(t, empty.close())
}
