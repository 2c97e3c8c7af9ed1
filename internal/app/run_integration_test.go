package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	healthcheck "github.com/vladislavdragonenkov/retailcore/internal/health"
)

func TestRun_MemoryGracefulShutdown(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HTTPAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = fmt.Sprintf("127.0.0.1:%d", findFreePort(t))
	cfg.KafkaBrokers = ""

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- Run(ctx, cfg) }()

	apiBase := "http://" + cfg.HTTPAddr
	waitForServer(t, apiBase+"/api/v1/products")

	status, body := httpGet(t, apiBase+"/api/v1/products")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, `"success":true`)

	status, _ = httpGet(t, apiBase+"/api/v1/unknown")
	assert.Equal(t, http.StatusNotFound, status)

	waitForServer(t, "http://"+cfg.MetricsAddr+"/readyz")
	status, body = httpGet(t, "http://"+cfg.MetricsAddr+"/metrics")
	assert.Equal(t, http.StatusOK, status)
	assert.Contains(t, body, "go_goroutines")

	cancel()

	select {
	case err := <-errCh:
		require.True(t, errors.Is(err, context.Canceled), "expected context.Canceled, got %v", err)
	case <-time.After(15 * time.Second):
		t.Fatal("Run did not stop after cancellation")
	}
}

func TestRun_InvalidStorageDriver(t *testing.T) {
	cfg := DefaultConfig()
	cfg.StorageDriver = "invalid-driver"
	cfg.HTTPAddr = "127.0.0.1:0"
	cfg.GRPCAddr = "127.0.0.1:0"
	cfg.MetricsAddr = "127.0.0.1:0"

	err := Run(context.Background(), cfg)
	if err == nil || !strings.Contains(err.Error(), "unsupported storage driver") {
		t.Fatalf("expected unsupported storage driver error, got %v", err)
	}
}

func TestRegisterCheckers_Memory(t *testing.T) {
	deps := newMemoryDeps(t)
	handler := healthcheck.NewHandler("test")
	registerCheckers(handler, deps)

	resp := handler.Evaluate(context.Background())
	assert.Equal(t, healthcheck.StatusHealthy, resp.Status)
	assert.Contains(t, resp.Checks, "storage")
	assert.Contains(t, resp.Checks, "outbox")
	assert.NotContains(t, resp.Checks, "carts")
}

func TestInitRuntimeDependencies_PostgresSuccess(t *testing.T) {
	dsn := postgresTestDSNCandidate()
	if dsn == "" {
		t.Skip("postgres dsn is not available")
	}

	cfg := DefaultConfig()
	cfg.StorageDriver = StorageDriverPostgres
	cfg.PostgresDSN = dsn
	cfg.PostgresAutoMigrate = true

	deps, err := initRuntimeDependencies(context.Background(), cfg, log.WithField("test", "postgres-init"))
	if err != nil {
		t.Skipf("postgres is not available for app integration test: %v", err)
	}
	defer func() { _ = deps.close() }()

	if deps.store == nil || deps.timelineRepo == nil || deps.idempotencyRepo == nil {
		t.Fatalf("postgres dependencies must be initialized: %+v", deps)
	}
	if deps.storageChecker == nil {
		t.Fatal("expected non-nil storage checker for postgres")
	}
	if err := deps.storageChecker.Check(context.Background()); err != nil {
		t.Fatalf("expected healthy storage checker, got %v", err)
	}
}

func TestShutdownHelpers(t *testing.T) {
	logger := log.WithField("test", "shutdown")

	drainOutbox(nil, logger)
	closeKafka(nil, logger)
	shutdownHTTP(nil, logger)
}

func postgresTestDSNCandidate() string {
	return strings.TrimSpace(os.Getenv("RETAIL_POSTGRES_TEST_DSN"))
}
